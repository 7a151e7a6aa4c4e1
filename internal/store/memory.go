package store

import (
	"context"
	"sort"
	"sync"

	"ReliefChain/internal/model"
)

// MemoryStore 是进程内实现，适用于本地运行和测试。
type MemoryStore struct {
	mu           sync.RWMutex
	verified     map[string]model.VerifiedEvent
	decisions    map[string]model.FundingDecision
	transactions map[string]model.Transaction
	outcomes     map[string]model.Outcome
	failures     []model.FailureRecord
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		verified:     make(map[string]model.VerifiedEvent),
		decisions:    make(map[string]model.FundingDecision),
		transactions: make(map[string]model.Transaction),
		outcomes:     make(map[string]model.Outcome),
	}
}

func (m *MemoryStore) CreateIfAbsent(_ context.Context, event model.VerifiedEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.verified[event.DisasterEventID]; ok {
		return false, nil
	}
	m.verified[event.DisasterEventID] = event
	return true, nil
}

func (m *MemoryStore) GetVerified(_ context.Context, id string) (model.VerifiedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	event, ok := m.verified[id]
	if !ok {
		return model.VerifiedEvent{}, ErrNotFound
	}
	return event, nil
}

func (m *MemoryStore) CreateDecision(_ context.Context, decision model.FundingDecision, tx model.Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[decision.ID]; ok {
		return false, nil
	}
	decision.Allocations = append([]model.Allocation(nil), decision.Allocations...)
	m.decisions[decision.ID] = decision
	m.transactions[tx.FundingDecisionID] = tx.Clone()
	return true, nil
}

func (m *MemoryStore) GetDecision(_ context.Context, id string) (model.FundingDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decisions[id]
	if !ok {
		return model.FundingDecision{}, ErrNotFound
	}
	d.Allocations = append([]model.Allocation(nil), d.Allocations...)
	return d, nil
}

func (m *MemoryStore) SaveTransaction(_ context.Context, tx model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[tx.FundingDecisionID]; !ok {
		return ErrNotFound
	}
	m.transactions[tx.FundingDecisionID] = tx.Clone()
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return model.Transaction{}, ErrNotFound
	}
	return tx.Clone(), nil
}

func (m *MemoryStore) ListNonTerminal(_ context.Context) ([]model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Transaction
	for _, tx := range m.transactions {
		if !tx.State.Terminal() {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) TransactionTotals(_ context.Context) (map[model.TxState]Tally, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.TxState]Tally)
	for _, tx := range m.transactions {
		t := out[tx.State]
		t.Count++
		t.Amount += tx.Amount
		out[tx.State] = t
	}
	return out, nil
}

func (m *MemoryStore) RecordOutcome(_ context.Context, o model.Outcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := o.Key()
	if _, ok := m.outcomes[key]; ok {
		return false, nil
	}
	m.outcomes[key] = o
	return true, nil
}

func (m *MemoryStore) OutcomeTotals(_ context.Context) (map[model.OutcomeKind]Tally, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.OutcomeKind]Tally)
	for _, o := range m.outcomes {
		t := out[o.Kind]
		t.Count++
		t.Amount += o.Amount
		out[o.Kind] = t
	}
	return out, nil
}

func (m *MemoryStore) AppendFailure(_ context.Context, record model.FailureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, record)
	return nil
}

// RecentFailures 按发生时间倒序返回最近的失败记录。
func (m *MemoryStore) RecentFailures(_ context.Context, limit int) ([]model.FailureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.failures)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.FailureRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.failures[i])
	}
	return out, nil
}
