package store

import (
	"context"
	"io"

	"ReliefChain/internal/config"
	xerrors "ReliefChain/internal/errors"
	"ReliefChain/internal/model"
)

var (
	// ErrNotFound 表示记录不存在。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "记录不存在")
	// ErrConflict 表示记录已存在。
	ErrConflict = xerrors.New(xerrors.CodeConflict, "记录已存在")
)

// VerifiedEventRepository 归 Auditor 所有，以灾害事件 ID 去重。
type VerifiedEventRepository interface {
	// CreateIfAbsent 在记录不存在时写入并返回 true；已存在时返回 false 且不修改原记录。
	CreateIfAbsent(ctx context.Context, event model.VerifiedEvent) (bool, error)
	GetVerified(ctx context.Context, disasterEventID string) (model.VerifiedEvent, error)
}

// FundingRepository 归 Treasurer 所有，保存资助决策与对应交易。
type FundingRepository interface {
	// CreateDecision 原子地写入决策和初始交易。同一决策 ID 第二次写入返回 false。
	CreateDecision(ctx context.Context, decision model.FundingDecision, tx model.Transaction) (bool, error)
	GetDecision(ctx context.Context, id string) (model.FundingDecision, error)
	SaveTransaction(ctx context.Context, tx model.Transaction) error
	GetTransaction(ctx context.Context, decisionID string) (model.Transaction, error)
	ListNonTerminal(ctx context.Context) ([]model.Transaction, error)
	TransactionTotals(ctx context.Context) (map[model.TxState]Tally, error)
}

// RecordRepository 归 Recorder 所有，保存阶段结果与失败记录。
type RecordRepository interface {
	// RecordOutcome 以 Outcome.Key 去重，重复投递不会重复计数。
	RecordOutcome(ctx context.Context, outcome model.Outcome) (bool, error)
	OutcomeTotals(ctx context.Context) (map[model.OutcomeKind]Tally, error)
	AppendFailure(ctx context.Context, record model.FailureRecord) error
	RecentFailures(ctx context.Context, limit int) ([]model.FailureRecord, error)
}

// Tally 是某一类记录的数量与金额合计。
type Tally struct {
	Count  int64        `json:"count"`
	Amount model.Amount `json:"amount"`
}

// Store 聚合各代理的私有仓库，底层驱动可以共用。
type Store struct {
	Verified VerifiedEventRepository
	Funding  FundingRepository
	Records  RecordRepository

	closer io.Closer
}

// Close 释放底层连接。
func (s *Store) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Open 根据配置创建存储。
func Open(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	switch cfg.Driver {
	case "", "memory":
		m := NewMemoryStore()
		return &Store{Verified: m, Funding: m, Records: m}, nil
	case "mysql":
		m, err := NewMySQLStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Store{Verified: m, Funding: m, Records: m, closer: m}, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的存储驱动: "+cfg.Driver)
	}
}
