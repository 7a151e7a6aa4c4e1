package treasurer

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"

	xerrors "ReliefChain/internal/errors"
	"ReliefChain/internal/ledger"
	"ReliefChain/internal/model"
	"ReliefChain/internal/observability/metrics"
	"ReliefChain/pkg/logger"
)

// accountWorker 串行处理同一账户的交易，保证 nonce 顺序。
type accountWorker struct {
	pending []string
	signal  chan struct{}
}

// dispatch 把资助决策排入账户队列。Run 未运行时不做任何事，交易会在下一次 Run 的恢复阶段被接管。
func (t *Treasurer) dispatch(account, decisionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runCtx == nil {
		return
	}
	if _, ok := t.queued[decisionID]; ok {
		return
	}
	t.queued[decisionID] = struct{}{}
	w, ok := t.workers[account]
	if !ok {
		w = &accountWorker{signal: make(chan struct{}, 1)}
		t.workers[account] = w
		t.wg.Add(1)
		go t.work(t.runCtx, account, w)
	}
	w.pending = append(w.pending, decisionID)
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (t *Treasurer) next(w *accountWorker) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(w.pending) == 0 {
		return "", false
	}
	id := w.pending[0]
	w.pending = w.pending[1:]
	return id, true
}

func (t *Treasurer) work(ctx context.Context, account string, w *accountWorker) {
	defer t.wg.Done()
	log := t.log.With("account", account)
	for {
		id, ok := t.next(w)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.signal:
				continue
			}
		}
		if err := t.Process(ctx, id); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("处理交易失败", "decision_id", id, "error", err, "error_code", xerrors.CodeOf(err))
		}
		t.mu.Lock()
		delete(t.queued, id)
		t.mu.Unlock()
	}
}

// Process 在账户锁内把一笔交易推进到终态，或在 ctx 结束、紧急停止时返回。
func (t *Treasurer) Process(ctx context.Context, decisionID string) error {
	tx, err := t.repo.GetTransaction(ctx, decisionID)
	if err != nil {
		return err
	}
	if tx.State.Terminal() {
		return nil
	}
	held, unlock, err := t.locker.Lock(ctx, tx.Account)
	if err != nil {
		return err
	}
	defer unlock()
	// 锁丢失时 held 结束，后续签名与广播随之中止。
	ctx = held

	// 持锁后重新读取，其他实例可能已推进该交易。
	tx, err = t.repo.GetTransaction(ctx, decisionID)
	if err != nil {
		return err
	}
	if tx.State.Terminal() {
		return nil
	}
	decision, err := t.repo.GetDecision(ctx, decisionID)
	if err != nil {
		return err
	}
	return t.execute(ctx, decision, &tx)
}

type receiptState int

const (
	receiptNone receiptState = iota
	receiptMined
	receiptDone
)

func (t *Treasurer) execute(ctx context.Context, d model.FundingDecision, tx *model.Transaction) error {
	log := t.log.With("decision_id", d.ID, "account", d.Account)
	freshNonce := false

	if tx.State == model.TxSubmitted {
		if err := t.await(ctx, tx); err != nil {
			return err
		}
	}
	for !tx.State.Terminal() {
		st, err := t.reconcile(ctx, tx)
		if err != nil {
			return err
		}
		switch st {
		case receiptDone:
			return nil
		case receiptMined:
			if err := t.await(ctx, tx); err != nil {
				return err
			}
			continue
		}

		if t.stopped.Load() {
			if len(tx.Broadcasts) == 0 {
				return t.finish(ctx, tx, model.FailureLedgerUnrecoverable, ErrEmergencyStop)
			}
			log.Warn("紧急停止中，保留已广播的交易等待核对", "state", tx.State)
			return nil
		}
		if tx.AttemptCount >= t.cfg.MaxAttempts {
			cause := xerrors.New(xerrors.CodeLedgerRecoverable,
				fmt.Sprintf("重试 %d 次后仍未确认: %s", tx.AttemptCount, tx.LastError))
			return t.finish(ctx, tx, model.FailureRetriesExhausted, cause)
		}
		if tx.AttemptCount > 0 {
			if err := t.sleep(ctx, t.cfg.RetryDelay(tx.AttemptCount)); err != nil {
				return err
			}
		}
		submitted, err := t.attempt(ctx, d, tx, freshNonce)
		if err != nil {
			return err
		}
		freshNonce = false
		if submitted {
			if err := t.await(ctx, tx); err != nil {
				return err
			}
			continue
		}
		// nonce 被其他交易占用且本交易的哈希都没有回执时，下一次尝试改用新 nonce。
		freshNonce = strings.HasPrefix(tx.LastError, string(ledger.ReasonNonceTooLow))
	}
	return nil
}

// attempt 执行一次签名与广播。返回 true 表示交易已进入 Submitted；
// 可恢复的账本错误记录在 LastError 中并返回 false；只有 ctx 或存储错误才返回 error。
func (t *Treasurer) attempt(ctx context.Context, d model.FundingDecision, tx *model.Transaction, freshNonce bool) (bool, error) {
	tx.AttemptCount++
	log := t.log.With("decision_id", d.ID, "account", d.Account, "attempt", tx.AttemptCount)

	if tx.AttemptCount == 1 && len(tx.Broadcasts) == 0 {
		balance, err := t.ledger.Balance(ctx, d.Account)
		if err != nil {
			return false, t.ledgerFailure(ctx, tx, err)
		}
		metrics.LedgerBalance.WithLabelValues(d.Account).Set(float64(balance))
		if balance < tx.Amount {
			cause := &ledger.Error{
				Reason: ledger.ReasonInsufficientFunds,
				Err:    fmt.Errorf("balance %s below disbursement %s", balance, tx.Amount),
			}
			return false, t.finish(ctx, tx, model.FailureLedgerUnrecoverable, cause)
		}
	}

	var last *model.Broadcast
	if n := len(tx.Broadcasts); n > 0 {
		last = &tx.Broadcasts[n-1]
	}
	var nonce uint64
	if last != nil && !freshNonce {
		nonce = last.Nonce
	} else {
		n, err := t.ledger.PendingNonce(ctx, d.Account)
		if err != nil {
			return false, t.ledgerFailure(ctx, tx, err)
		}
		nonce = n
		last = nil
	}

	suggested, err := t.ledger.SuggestGasPrice(ctx)
	if err != nil {
		return false, t.ledgerFailure(ctx, tx, err)
	}
	price := ledger.BufferedGasPrice(suggested, t.cfg.GasBufferPercent)
	if last != nil {
		if prev, ok := new(big.Int).SetString(last.GasPrice, 10); ok {
			// 同一 nonce 的替换交易必须至少加价 10%。
			bump := ledger.BufferedGasPrice(prev, 10)
			bump.Add(bump, big.NewInt(1))
			if bump.Cmp(price) > 0 {
				price = bump
			}
		}
	}

	payees := make([]ledger.Payee, len(d.Allocations))
	for i, a := range d.Allocations {
		payees[i] = ledger.Payee{Address: a.Address, Amount: a.Amount}
	}
	if err := lockErr(ctx); err != nil {
		return false, err
	}
	signed, err := t.ledger.Sign(ctx, ledger.Disbursement{
		Account:  d.Account,
		Nonce:    nonce,
		GasPrice: price,
		Payees:   payees,
	})
	if err != nil {
		return false, t.ledgerFailure(ctx, tx, err)
	}

	// 先持久化哈希再广播，重启后可以凭哈希核对回执而不是盲目重发。
	now := t.now().UTC()
	if err := tx.Transition(model.TxSigned, now); err != nil {
		return false, err
	}
	tx.Nonce = signed.Nonce
	tx.GasPrice = signed.GasPrice.String()
	tx.Hash = signed.Hash
	tx.LastError = ""
	tx.Broadcasts = append(tx.Broadcasts, model.Broadcast{Nonce: signed.Nonce, GasPrice: tx.GasPrice, Hash: signed.Hash})
	if err := t.repo.SaveTransaction(ctx, *tx); err != nil {
		return false, err
	}
	metrics.TransactionTransitions.WithLabelValues(string(model.TxSigned)).Inc()
	log.Info("交易已签名", "hash", signed.Hash, "nonce", signed.Nonce, "gas_price", tx.GasPrice)

	if err := t.ledger.Send(ctx, signed); err != nil {
		if ledger.ReasonOf(err) != ledger.ReasonAlreadyKnown {
			return false, t.ledgerFailure(ctx, tx, err)
		}
		log.Info("节点已持有该交易", "hash", signed.Hash)
	}

	if err := tx.Transition(model.TxSubmitted, t.now().UTC()); err != nil {
		return false, err
	}
	if err := t.repo.SaveTransaction(ctx, *tx); err != nil {
		return false, err
	}
	metrics.TransactionTransitions.WithLabelValues(string(model.TxSubmitted)).Inc()
	logger.Audit().Info("transaction submitted",
		"decision_id", d.ID,
		"account", d.Account,
		"hash", signed.Hash,
		"nonce", signed.Nonce,
		"gas_price", tx.GasPrice,
		"amount", tx.Amount.String(),
		"attempt", tx.AttemptCount,
	)
	return true, nil
}

// ledgerFailure 处理一次账本调用失败：不可恢复的错误直接终结交易，可恢复的记录后等待重试。
func (t *Treasurer) ledgerFailure(ctx context.Context, tx *model.Transaction, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	le := ledger.Classify(err)
	metrics.LedgerErrors.WithLabelValues(string(le.Reason)).Inc()
	if !le.Recoverable() {
		return t.finish(ctx, tx, model.FailureLedgerUnrecoverable, le)
	}
	tx.LastError = le.Error()
	tx.UpdatedAt = t.now().UTC()
	t.log.Warn("账本调用失败，稍后重试",
		"decision_id", tx.FundingDecisionID,
		"reason", le.Reason,
		"attempt", tx.AttemptCount,
		"error", err,
	)
	return t.repo.SaveTransaction(ctx, *tx)
}

// reconcile 按从新到旧的顺序核对所有已广播哈希的回执。
func (t *Treasurer) reconcile(ctx context.Context, tx *model.Transaction) (receiptState, error) {
	for i := len(tx.Broadcasts) - 1; i >= 0; i-- {
		b := tx.Broadcasts[i]
		receipt, err := t.ledger.Receipt(ctx, b.Hash)
		if err != nil {
			if ctx.Err() != nil {
				return receiptNone, ctx.Err()
			}
			if !stdErrors.Is(err, ledger.ErrReceiptNotFound) {
				t.log.Warn("查询回执失败", "decision_id", tx.FundingDecisionID, "hash", b.Hash, "error", err)
			}
			continue
		}
		tx.Hash, tx.Nonce, tx.GasPrice = b.Hash, b.Nonce, b.GasPrice
		if !receipt.Succeeded {
			cause := &ledger.Error{Reason: ledger.ReasonReverted, Err: fmt.Errorf("transaction %s reverted in block %d", b.Hash, receipt.BlockNumber)}
			metrics.LedgerErrors.WithLabelValues(string(cause.Reason)).Inc()
			return receiptDone, t.finish(ctx, tx, model.FailureLedgerUnrecoverable, cause)
		}
		if receipt.Confirmations < t.cfg.Confirmations {
			return receiptMined, nil
		}
		return receiptDone, t.confirm(ctx, tx, receipt)
	}
	return receiptNone, nil
}

// await 轮询回执直到确认、失败或超时。超时只记录错误，由调用方决定是否重发。
func (t *Treasurer) await(ctx context.Context, tx *model.Transaction) error {
	if tx.State == model.TxSigned {
		if err := tx.Transition(model.TxSubmitted, t.now().UTC()); err != nil {
			return err
		}
		if err := t.repo.SaveTransaction(ctx, *tx); err != nil {
			return err
		}
	}
	deadline := t.now().Add(t.cfg.ConfirmTimeout)
	for {
		if err := t.sleep(ctx, t.cfg.PollInterval); err != nil {
			return err
		}
		st, err := t.reconcile(ctx, tx)
		if err != nil || st == receiptDone {
			return err
		}
		if !t.now().Before(deadline) {
			metrics.LedgerErrors.WithLabelValues(string(ledger.ReasonTimeout)).Inc()
			tx.LastError = (&ledger.Error{
				Reason: ledger.ReasonTimeout,
				Err:    fmt.Errorf("no receipt for %s after %s", tx.Hash, t.cfg.ConfirmTimeout),
			}).Error()
			tx.UpdatedAt = t.now().UTC()
			t.log.Warn("等待确认超时", "decision_id", tx.FundingDecisionID, "hash", tx.Hash, "attempt", tx.AttemptCount)
			return t.repo.SaveTransaction(ctx, *tx)
		}
	}
}

func (t *Treasurer) confirm(ctx context.Context, tx *model.Transaction, receipt ledger.Receipt) error {
	now := t.now().UTC()
	if tx.State == model.TxSigned {
		if err := tx.Transition(model.TxSubmitted, now); err != nil {
			return err
		}
	}
	if err := tx.Transition(model.TxConfirmed, now); err != nil {
		return err
	}
	tx.LastError = ""
	if err := t.repo.SaveTransaction(ctx, *tx); err != nil {
		return err
	}
	metrics.TransactionTransitions.WithLabelValues(string(model.TxConfirmed)).Inc()
	metrics.FundsDisbursed.Add(float64(tx.Amount))
	metrics.ConfirmationLatency.Observe(now.Sub(tx.CreatedAt).Seconds())

	d, err := t.repo.GetDecision(ctx, tx.FundingDecisionID)
	if err != nil {
		return err
	}
	t.log.Info("交易已确认", "decision_id", d.ID, "hash", receipt.Hash, "block", receipt.BlockNumber)
	logger.Audit().Info("transaction confirmed",
		"decision_id", d.ID,
		"event_id", d.VerifiedEventID,
		"account", d.Account,
		"hash", tx.Hash,
		"block", receipt.BlockNumber,
		"amount", tx.Amount.String(),
	)
	return t.publishOutcome(ctx, d, *tx)
}

// finish 把交易置为失败终态，上报失败记录并发布结果。
func (t *Treasurer) finish(ctx context.Context, tx *model.Transaction, kind model.FailureKind, cause error) error {
	tx.LastError = cause.Error()
	if err := tx.Transition(model.TxFailed, t.now().UTC()); err != nil {
		return err
	}
	if err := t.repo.SaveTransaction(ctx, *tx); err != nil {
		return err
	}
	metrics.TransactionTransitions.WithLabelValues(string(model.TxFailed)).Inc()

	code := xerrors.CodeLedgerUnrecoverable
	switch {
	case stdErrors.Is(cause, ErrEmergencyStop):
		code = xerrors.CodeEmergencyStop
	case kind == model.FailureRetriesExhausted:
		code = xerrors.CodeLedgerRecoverable
	}

	d, err := t.repo.GetDecision(ctx, tx.FundingDecisionID)
	if err != nil {
		return err
	}
	t.log.Error("交易失败",
		"decision_id", d.ID,
		"account", d.Account,
		"kind", kind,
		"attempt", tx.AttemptCount,
		"error", tx.LastError,
		"error_code", code,
	)
	logger.Audit().Warn("transaction failed",
		"decision_id", d.ID,
		"event_id", d.VerifiedEventID,
		"kind", kind,
		"error", tx.LastError,
	)
	t.reportFailure(ctx, d, kind, code, tx.LastError)
	return t.publishOutcome(ctx, d, *tx)
}

// lockErr 在持锁 ctx 已结束时返回原因，锁丢失时是 ErrLockLost。
func lockErr(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}
