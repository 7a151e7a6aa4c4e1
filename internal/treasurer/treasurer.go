package treasurer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ReliefChain/internal/agent"
	"ReliefChain/internal/bus"
	"ReliefChain/internal/config"
	xerrors "ReliefChain/internal/errors"
	"ReliefChain/internal/ledger"
	"ReliefChain/internal/model"
	"ReliefChain/internal/observability/metrics"
	"ReliefChain/internal/store"
	"ReliefChain/pkg/logger"

	"github.com/cenkalti/backoff/v4"
)

// Name 是 Treasurer 在总线与监督器中的名字。
const Name = "treasurer"

// Config 控制交易状态机。
type Config struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	GasBufferPercent  int
	PollInterval      time.Duration
	ConfirmTimeout    time.Duration
	Confirmations     uint64
	HeartbeatInterval time.Duration
}

// ConfigFrom 把运行配置转换为 Treasurer 配置。
func ConfigFrom(t config.TreasurerConfig, heartbeat time.Duration) Config {
	return Config{
		MaxAttempts:       t.MaxAttempts,
		BaseDelay:         t.BaseDelay(),
		MaxDelay:          t.MaxDelay(),
		GasBufferPercent:  t.GasBufferPercent,
		PollInterval:      t.PollInterval(),
		ConfirmTimeout:    t.ConfirmTimeout(),
		Confirmations:     t.Confirmations,
		HeartbeatInterval: heartbeat,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.MaxAttempts > config.MaxAttemptsLimit {
		c.MaxAttempts = config.MaxAttemptsLimit
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 60 * time.Second
	}
	// 最后一次重试的等待必须仍然大于前一次。
	if longest := c.longestDelay(); c.MaxDelay < longest {
		c.MaxDelay = longest
	}
	if c.GasBufferPercent <= 0 {
		c.GasBufferPercent = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Minute
	}
	if c.Confirmations == 0 {
		c.Confirmations = 1
	}
	return c
}

func (c Config) longestDelay() time.Duration {
	if c.MaxAttempts < 2 {
		return c.BaseDelay
	}
	return c.BaseDelay << (c.MaxAttempts - 2)
}

// RetryDelay 是第 n 次尝试失败后的等待时间 base×2^(n-1)。n 取值 1..MaxAttempts-1 时严格递增；
// MaxDelay 只截断超出尝试次数的调用。
func (c Config) RetryDelay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	if n > config.MaxAttemptsLimit {
		n = config.MaxAttemptsLimit
	}
	d := c.BaseDelay << (n - 1)
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// ErrEmergencyStop 表示资助已被紧急停止。
var ErrEmergencyStop = xerrors.New(xerrors.CodeEmergencyStop, "")

// Treasurer 计算资助分配并驱动链上交易。
type Treasurer struct {
	policy   config.PolicyProvider
	repo     store.FundingRepository
	ledger   ledger.Client
	locker   Locker
	sub      bus.Subscriber
	producer *bus.Producer
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	stopped atomic.Bool

	mu      sync.Mutex
	workers map[string]*accountWorker
	queued  map[string]struct{}
	rt      agent.Runtime
	runCtx  context.Context
	wg      sync.WaitGroup
}

// Option 定义可选配置。
type Option func(*Treasurer)

// WithLocker 替换默认的进程内账户锁。
func WithLocker(l Locker) Option {
	return func(t *Treasurer) {
		if l != nil {
			t.locker = l
		}
	}
}

// WithClock 替换时间源与等待函数，测试使用。
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(t *Treasurer) {
		if now != nil {
			t.now = now
		}
		if sleep != nil {
			t.sleep = sleep
		}
	}
}

// New 创建 Treasurer。
func New(policy config.PolicyProvider, repo store.FundingRepository, client ledger.Client, b bus.Bus, cfg Config, opts ...Option) *Treasurer {
	t := &Treasurer{
		policy:   policy,
		repo:     repo,
		ledger:   client,
		locker:   NewLocalLocker(),
		sub:      b,
		producer: bus.NewProducer(Name, b),
		cfg:      cfg.normalized(),
		log:      logger.Named(Name),
		now:      time.Now,
		sleep:    sleepContext,
		workers:  make(map[string]*accountWorker),
		queued:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *Treasurer) Name() string { return Name }

// Run 先恢复未完成的交易，然后消费 relief.verified。返回前等待所有账户工作协程退出，
// 因此重启后的新一轮 Run 不会与旧的执行重叠。
func (t *Treasurer) Run(ctx context.Context, rt agent.Runtime) error {
	if rt == nil {
		rt = agent.NopRuntime{}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		t.wg.Wait()
		t.mu.Lock()
		t.workers = make(map[string]*accountWorker)
		t.queued = make(map[string]struct{})
		t.runCtx = nil
		t.mu.Unlock()
	}()

	t.mu.Lock()
	t.rt = rt
	t.runCtx = ctx
	t.mu.Unlock()

	if err := t.Recover(ctx); err != nil {
		return err
	}
	handler := bus.Typed(func(ctx context.Context, v model.VerifiedEvent, _ bus.Envelope) error {
		return t.Handle(ctx, v)
	})
	return agent.Consume(ctx, rt, t.sub, bus.TopicVerified, Name, t.cfg.HeartbeatInterval, handler)
}

// Handle 为核验通过的事件创建资助决策并交给账户工作协程。交易执行是异步的，
// 决策落库后即确认消息；重复投递按决策 ID 去重。
func (t *Treasurer) Handle(ctx context.Context, v model.VerifiedEvent) error {
	log := t.log.With("event_id", v.DisasterEventID, "request_id", v.RequestID)
	if v.Status != model.StatusVerified {
		log.Debug("忽略未通过核验的事件", "status", v.Status)
		return nil
	}

	now := t.now().UTC()
	decision, allocErr := Allocate(t.policy.Policy(), v, now)
	tx := model.Transaction{
		FundingDecisionID: decision.ID,
		Account:           decision.Account,
		State:             model.TxPending,
		Amount:            decision.TotalAmount,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if allocErr != nil {
		tx.LastError = allocErr.Error()
		_ = tx.Transition(model.TxFailed, now)
	} else if t.stopped.Load() {
		tx.LastError = ErrEmergencyStop.Error()
		_ = tx.Transition(model.TxFailed, now)
	}

	created, err := t.repo.CreateDecision(ctx, decision, tx)
	if err != nil {
		return err
	}
	log = log.With("decision_id", decision.ID, "account", decision.Account)
	if !created {
		metrics.DuplicateDeliveries.WithLabelValues(Name).Inc()
		existing, err := t.repo.GetTransaction(ctx, decision.ID)
		if err != nil {
			return err
		}
		log.Info("重复投递，资助决策已存在", "state", existing.State, "error_code", xerrors.CodeDuplicateDelivery)
		if existing.State.Terminal() {
			stored, err := t.repo.GetDecision(ctx, decision.ID)
			if err != nil {
				return err
			}
			return t.publishOutcome(ctx, stored, existing)
		}
		t.dispatch(existing.Account, existing.FundingDecisionID)
		return nil
	}

	metrics.TransactionTransitions.WithLabelValues(string(tx.State)).Inc()
	if tx.State == model.TxFailed {
		kind := model.FailureAllocationInvalid
		code := xerrors.CodeOf(allocErr)
		if allocErr == nil {
			code = xerrors.CodeEmergencyStop
			kind = model.FailureLedgerUnrecoverable
		}
		log.Warn("资助决策无效", "error", tx.LastError, "error_code", code)
		t.reportFailure(ctx, decision, kind, code, tx.LastError)
		return t.publishOutcome(ctx, decision, tx)
	}

	logger.Audit().Info("funding decision allocated",
		"decision_id", decision.ID,
		"event_id", decision.VerifiedEventID,
		"account", decision.Account,
		"total", decision.TotalAmount.String(),
		"allocations", len(decision.Allocations),
		"recommendation_source", v.RecommendationSource,
	)
	t.dispatch(decision.Account, decision.ID)
	return nil
}

// Recover 把所有未完成的交易重新交给工作协程，已广播的交易先核对回执。
func (t *Treasurer) Recover(ctx context.Context) error {
	pending, err := t.repo.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, tx := range pending {
		t.log.Info("恢复未完成的交易", "decision_id", tx.FundingDecisionID, "state", tx.State, "attempt", tx.AttemptCount)
		t.dispatch(tx.Account, tx.FundingDecisionID)
	}
	return nil
}

// EmergencyStop 停止新的签名与广播，尚未广播过的交易直接置为失败。
// 已广播的交易无法撤回，保持原状态等待恢复后核对回执。
// 账户锁正被工作协程占用时不等待，该协程在下一次尝试前会看到停止标志并自行终结排队的交易。
func (t *Treasurer) EmergencyStop(ctx context.Context, reason string) (int, error) {
	t.stopped.Store(true)
	t.log.Error("资助紧急停止", "reason", reason)
	logger.Audit().Warn("emergency stop", "reason", reason)

	pending, err := t.repo.ListNonTerminal(ctx)
	if err != nil {
		return 0, err
	}
	failed, deferred := 0, 0
	for _, tx := range pending {
		if len(tx.Broadcasts) > 0 {
			continue
		}
		held, unlock, ok, err := t.locker.TryLock(ctx, tx.Account)
		if err != nil {
			return failed, err
		}
		if !ok {
			deferred++
			continue
		}
		current, err := t.repo.GetTransaction(held, tx.FundingDecisionID)
		if err == nil && !current.State.Terminal() && len(current.Broadcasts) == 0 {
			err = t.finish(held, &current, model.FailureLedgerUnrecoverable, ErrEmergencyStop)
			if err == nil {
				failed++
			}
		}
		unlock()
		if err != nil {
			return failed, err
		}
	}
	if deferred > 0 {
		t.log.Warn("部分交易所在账户正忙，由工作协程终结", "deferred", deferred)
	}
	return failed, nil
}

// Resume 解除紧急停止。
func (t *Treasurer) Resume(ctx context.Context) error {
	t.stopped.Store(false)
	t.log.Warn("资助恢复")
	return t.Recover(ctx)
}

// Stopped 返回是否处于紧急停止状态。
func (t *Treasurer) Stopped() bool { return t.stopped.Load() }

// Lookup 返回资助决策及其交易的只读副本。
func (t *Treasurer) Lookup(ctx context.Context, decisionID string) (model.FundingDecision, model.Transaction, error) {
	d, err := t.repo.GetDecision(ctx, decisionID)
	if err != nil {
		return model.FundingDecision{}, model.Transaction{}, err
	}
	tx, err := t.repo.GetTransaction(ctx, decisionID)
	if err != nil {
		return model.FundingDecision{}, model.Transaction{}, err
	}
	return d, tx.Clone(), nil
}

// Stats 汇总资助情况。
type Stats struct {
	ByState         map[model.TxState]store.Tally `json:"by_state"`
	PendingAmount   model.Amount                  `json:"pending_amount"`
	CompletedAmount model.Amount                  `json:"completed_amount"`
	SuccessRate     float64                       `json:"success_rate"`
	EmergencyStop   bool                          `json:"emergency_stop"`
}

// Stats 返回按状态统计的交易数量与金额。
func (t *Treasurer) Stats(ctx context.Context) (Stats, error) {
	totals, err := t.repo.TransactionTotals(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{ByState: totals, EmergencyStop: t.stopped.Load()}
	for state, tally := range totals {
		if !state.Terminal() {
			s.PendingAmount += tally.Amount
		}
	}
	confirmed, failed := totals[model.TxConfirmed], totals[model.TxFailed]
	s.CompletedAmount = confirmed.Amount
	if n := confirmed.Count + failed.Count; n > 0 {
		s.SuccessRate = float64(confirmed.Count) / float64(n)
	}
	return s, nil
}

func (t *Treasurer) runtime() agent.Runtime {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rt == nil {
		return agent.NopRuntime{}
	}
	return t.rt
}

func (t *Treasurer) reportFailure(ctx context.Context, d model.FundingDecision, kind model.FailureKind, code xerrors.Code, msg string) {
	t.runtime().ReportFailure(ctx, model.FailureRecord{
		Kind:       kind,
		Agent:      Name,
		EventID:    d.VerifiedEventID,
		RequestID:  d.RequestID,
		Code:       string(code),
		Message:    msg,
		OccurredAt: t.now().UTC(),
	})
}

// publishOutcome 发布终态结果。总线暂时不可用时带退避重试，直到 ctx 结束。
func (t *Treasurer) publishOutcome(ctx context.Context, d model.FundingDecision, tx model.Transaction) error {
	o := model.Outcome{
		Kind:       model.OutcomeFailed,
		Agent:      Name,
		RequestID:  d.RequestID,
		EventID:    d.VerifiedEventID,
		DecisionID: d.ID,
		Category:   d.Category,
		Amount:     tx.Amount,
		TxHash:     tx.Hash,
		Message:    tx.LastError,
		OccurredAt: t.now().UTC(),
	}
	if tx.State == model.TxConfirmed {
		o.Kind = model.OutcomeConfirmed
	}
	b := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(0)), ctx)
	return backoff.Retry(func() error {
		return t.producer.Send(ctx, bus.TopicOutcomes, o.RequestID, o)
	}, b)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
