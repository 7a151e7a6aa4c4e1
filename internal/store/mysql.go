package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"ReliefChain/internal/config"
	xerrors "ReliefChain/internal/errors"
	"ReliefChain/internal/model"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化各代理的记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 连接数据库并执行迁移。
func NewMySQLStore(ctx context.Context, cfg config.StorageConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(positive(cfg.MaxOpenConns, 20))
	db.SetMaxIdleConns(positive(cfg.MaxIdleConns, 10))
	db.SetConnMaxLifetime(time.Duration(positive(cfg.ConnMaxLifetimeSeconds, 1800)) * time.Second)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	s := NewMySQLStoreWithDB(db)
	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewMySQLStoreWithDB 复用已有连接，不执行迁移。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) CreateIfAbsent(ctx context.Context, e model.VerifiedEvent) (bool, error) {
	const stmt = `INSERT INTO verified_events
        (disaster_event_id, request_id, category, severity, verification_score, human_impact,
         funding_recommendation, recommendation_source, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		e.DisasterEventID,
		e.RequestID,
		string(e.Category),
		e.Severity,
		e.VerificationScore,
		e.HumanImpact,
		int64(e.FundingRecommendation),
		string(e.RecommendationSource),
		string(e.Status),
		toMillis(e.CreatedAt),
	)
	if isDuplicate(err) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审核记录失败", xerrors.WithEventID(e.DisasterEventID))
	}
	return true, nil
}

func (s *MySQLStore) GetVerified(ctx context.Context, id string) (model.VerifiedEvent, error) {
	const stmt = `SELECT disaster_event_id, request_id, category, severity, verification_score, human_impact,
        funding_recommendation, recommendation_source, status, created_at
        FROM verified_events WHERE disaster_event_id = ?`
	var (
		e                        model.VerifiedEvent
		category, source, status string
		amount, created          int64
	)
	err := s.db.QueryRowContext(ctx, stmt, id).Scan(
		&e.DisasterEventID,
		&e.RequestID,
		&category,
		&e.Severity,
		&e.VerificationScore,
		&e.HumanImpact,
		&amount,
		&source,
		&status,
		&created,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return model.VerifiedEvent{}, ErrNotFound
	}
	if err != nil {
		return model.VerifiedEvent{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审核记录失败")
	}
	e.Category = model.Category(category)
	e.FundingRecommendation = model.Amount(amount)
	e.RecommendationSource = model.RecommendationKind(source)
	e.Status = model.VerificationStatus(status)
	e.CreatedAt = fromMillis(created)
	return e, nil
}

func (s *MySQLStore) CreateDecision(ctx context.Context, d model.FundingDecision, tx model.Transaction) (bool, error) {
	allocations, err := json.Marshal(d.Allocations)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码分配方案失败")
	}
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer dbtx.Rollback()

	const insertDecision = `INSERT INTO funding_decisions
        (id, verified_event_id, request_id, category, account, total_amount, allocations, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = dbtx.ExecContext(ctx, insertDecision,
		d.ID,
		d.VerifiedEventID,
		d.RequestID,
		string(d.Category),
		d.Account,
		int64(d.TotalAmount),
		string(allocations),
		toMillis(d.CreatedAt),
	)
	if isDuplicate(err) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入资助决策失败")
	}

	const insertTx = `INSERT INTO ledger_transactions
        (funding_decision_id, account, nonce, gas_price, hash, state, attempt_count, last_error, amount, broadcasts, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args, err := transactionArgs(tx)
	if err != nil {
		return false, err
	}
	if _, err := dbtx.ExecContext(ctx, insertTx, args...); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易失败")
	}
	if err := dbtx.Commit(); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return true, nil
}

func (s *MySQLStore) GetDecision(ctx context.Context, id string) (model.FundingDecision, error) {
	const stmt = `SELECT id, verified_event_id, request_id, category, account, total_amount, allocations, created_at
        FROM funding_decisions WHERE id = ?`
	var (
		d                     model.FundingDecision
		category, allocations string
		total, created        int64
	)
	err := s.db.QueryRowContext(ctx, stmt, id).Scan(
		&d.ID,
		&d.VerifiedEventID,
		&d.RequestID,
		&category,
		&d.Account,
		&total,
		&allocations,
		&created,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return model.FundingDecision{}, ErrNotFound
	}
	if err != nil {
		return model.FundingDecision{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询资助决策失败")
	}
	if err := json.Unmarshal([]byte(allocations), &d.Allocations); err != nil {
		return model.FundingDecision{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析分配方案失败")
	}
	d.Category = model.Category(category)
	d.TotalAmount = model.Amount(total)
	d.CreatedAt = fromMillis(created)
	return d, nil
}

// SaveTransaction 覆盖交易的可变字段。
func (s *MySQLStore) SaveTransaction(ctx context.Context, tx model.Transaction) error {
	broadcasts, err := json.Marshal(tx.Broadcasts)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码广播记录失败")
	}
	const stmt = `UPDATE ledger_transactions SET nonce = ?, gas_price = ?, hash = ?, state = ?, attempt_count = ?,
        last_error = ?, broadcasts = ?, updated_at = ? WHERE funding_decision_id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		tx.Nonce,
		tx.GasPrice,
		tx.Hash,
		string(tx.State),
		tx.AttemptCount,
		tx.LastError,
		string(broadcasts),
		toMillis(tx.UpdatedAt),
		tx.FundingDecisionID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const selectTransaction = `SELECT funding_decision_id, account, nonce, gas_price, hash, state, attempt_count,
        last_error, amount, broadcasts, created_at, updated_at FROM ledger_transactions`

func (s *MySQLStore) GetTransaction(ctx context.Context, id string) (model.Transaction, error) {
	row := s.db.QueryRowContext(ctx, selectTransaction+` WHERE funding_decision_id = ?`, id)
	tx, err := scanTransaction(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return model.Transaction{}, ErrNotFound
	}
	if err != nil {
		return model.Transaction{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易失败")
	}
	return tx, nil
}

func (s *MySQLStore) ListNonTerminal(ctx context.Context) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectTransaction+` WHERE state NOT IN (?, ?) ORDER BY created_at ASC`,
		string(model.TxConfirmed), string(model.TxFailed))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询未完成交易失败")
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易失败")
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易失败")
	}
	return out, nil
}

func (s *MySQLStore) TransactionTotals(ctx context.Context) (map[model.TxState]Tally, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*), COALESCE(SUM(amount), 0) FROM ledger_transactions GROUP BY state`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计交易失败")
	}
	defer rows.Close()
	out := make(map[model.TxState]Tally)
	for rows.Next() {
		var (
			state  string
			t      Tally
			amount int64
		)
		if err := rows.Scan(&state, &t.Count, &amount); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易统计失败")
		}
		t.Amount = model.Amount(amount)
		out[model.TxState(state)] = t
	}
	return out, rows.Err()
}

func (s *MySQLStore) RecordOutcome(ctx context.Context, o model.Outcome) (bool, error) {
	const stmt = `INSERT INTO pipeline_outcomes
        (outcome_key, kind, agent, request_id, event_id, decision_id, category, amount, tx_hash, message, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		o.Key(),
		string(o.Kind),
		o.Agent,
		o.RequestID,
		o.EventID,
		o.DecisionID,
		string(o.Category),
		int64(o.Amount),
		o.TxHash,
		o.Message,
		toMillis(o.OccurredAt),
	)
	if isDuplicate(err) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入阶段结果失败")
	}
	return true, nil
}

func (s *MySQLStore) OutcomeTotals(ctx context.Context) (map[model.OutcomeKind]Tally, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*), COALESCE(SUM(amount), 0) FROM pipeline_outcomes GROUP BY kind`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计阶段结果失败")
	}
	defer rows.Close()
	out := make(map[model.OutcomeKind]Tally)
	for rows.Next() {
		var (
			kind   string
			t      Tally
			amount int64
		)
		if err := rows.Scan(&kind, &t.Count, &amount); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析阶段统计失败")
		}
		t.Amount = model.Amount(amount)
		out[model.OutcomeKind(kind)] = t
	}
	return out, rows.Err()
}

func (s *MySQLStore) AppendFailure(ctx context.Context, r model.FailureRecord) error {
	const stmt = `INSERT INTO pipeline_failures (kind, agent, event_id, request_id, code, message, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		string(r.Kind), r.Agent, r.EventID, r.RequestID, r.Code, r.Message, toMillis(r.OccurredAt),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入失败记录失败")
	}
	return nil
}

func (s *MySQLStore) RecentFailures(ctx context.Context, limit int) ([]model.FailureRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT kind, agent, event_id, request_id, code, message, occurred_at
        FROM pipeline_failures ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询失败记录失败")
	}
	defer rows.Close()
	var out []model.FailureRecord
	for rows.Next() {
		var (
			r        model.FailureRecord
			kind     string
			message  sql.NullString
			occurred int64
		)
		if err := rows.Scan(&kind, &r.Agent, &r.EventID, &r.RequestID, &r.Code, &message, &occurred); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析失败记录失败")
		}
		r.Kind = model.FailureKind(kind)
		r.Message = message.String
		r.OccurredAt = fromMillis(occurred)
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (model.Transaction, error) {
	var (
		tx               model.Transaction
		state            string
		lastErr, bcast   sql.NullString
		amount           int64
		created, updated int64
	)
	if err := row.Scan(
		&tx.FundingDecisionID,
		&tx.Account,
		&tx.Nonce,
		&tx.GasPrice,
		&tx.Hash,
		&state,
		&tx.AttemptCount,
		&lastErr,
		&amount,
		&bcast,
		&created,
		&updated,
	); err != nil {
		return model.Transaction{}, err
	}
	if bcast.Valid && bcast.String != "" && bcast.String != "null" {
		if err := json.Unmarshal([]byte(bcast.String), &tx.Broadcasts); err != nil {
			return model.Transaction{}, fmt.Errorf("解析广播记录失败: %w", err)
		}
	}
	tx.State = model.TxState(state)
	tx.LastError = lastErr.String
	tx.Amount = model.Amount(amount)
	tx.CreatedAt = fromMillis(created)
	tx.UpdatedAt = fromMillis(updated)
	return tx, nil
}

func transactionArgs(tx model.Transaction) ([]any, error) {
	broadcasts, err := json.Marshal(tx.Broadcasts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码广播记录失败")
	}
	return []any{
		tx.FundingDecisionID,
		tx.Account,
		tx.Nonce,
		tx.GasPrice,
		tx.Hash,
		string(tx.State),
		tx.AttemptCount,
		tx.LastError,
		int64(tx.Amount),
		string(broadcasts),
		toMillis(tx.CreatedAt),
		toMillis(tx.UpdatedAt),
	}, nil
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return err != nil && stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func positive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
