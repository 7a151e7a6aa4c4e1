package model

import (
	"fmt"
	"time"
)

// TxState 是交易状态机的状态。
type TxState string

const (
	TxPending   TxState = "pending"
	TxSigned    TxState = "signed"
	TxSubmitted TxState = "submitted"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"
)

var txTransitions = map[TxState][]TxState{
	TxPending:   {TxSigned, TxFailed},
	TxSigned:    {TxSubmitted, TxSigned, TxFailed},
	TxSubmitted: {TxConfirmed, TxSigned, TxFailed},
}

// Terminal 判断状态是否为终态。
func (s TxState) Terminal() bool {
	return s == TxConfirmed || s == TxFailed
}

// CanTransition 判断状态迁移是否合法。Submitted 回到 Signed 表示以新的报价重签。
func (s TxState) CanTransition(next TxState) bool {
	for _, allowed := range txTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Broadcast 记录一次已广播的尝试，用于重启后核对回执，避免重复转账。
type Broadcast struct {
	Nonce    uint64 `json:"nonce"`
	GasPrice string `json:"gas_price"`
	Hash     string `json:"hash"`
}

// Transaction 由 Treasurer 独占，其他组件只读。
type Transaction struct {
	FundingDecisionID string      `json:"funding_decision_id"`
	Account           string      `json:"account"`
	Nonce             uint64      `json:"nonce"`
	GasPrice          string      `json:"gas_price"`
	Hash              string      `json:"hash"`
	State             TxState     `json:"state"`
	AttemptCount      int         `json:"attempt_count"`
	LastError         string      `json:"last_error,omitempty"`
	Amount            Amount      `json:"amount"`
	Broadcasts        []Broadcast `json:"broadcasts,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Transition 在校验合法性后更新状态。
func (t *Transaction) Transition(next TxState, now time.Time) error {
	if !t.State.CanTransition(next) {
		return fmt.Errorf("illegal transaction transition %s -> %s", t.State, next)
	}
	t.State = next
	t.UpdatedAt = now
	return nil
}

// Clone 返回深拷贝，供只读方使用。
func (t Transaction) Clone() Transaction {
	out := t
	if len(t.Broadcasts) > 0 {
		out.Broadcasts = append([]Broadcast(nil), t.Broadcasts...)
	}
	return out
}
