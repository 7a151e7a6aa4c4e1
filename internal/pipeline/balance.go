package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ReliefChain/internal/ledger"
	"ReliefChain/internal/model"
	"ReliefChain/internal/observability/metrics"
	"ReliefChain/pkg/logger"
)

// BalancePoller 定期读取发送账户的余额，状态查询只读缓存值。
type BalancePoller struct {
	client   ledger.Client
	accounts []string
	interval time.Duration
	log      *slog.Logger

	mu       sync.RWMutex
	balances map[string]model.Amount
	updated  time.Time
}

// NewBalancePoller 创建余额轮询器。
func NewBalancePoller(client ledger.Client, accounts []string, interval time.Duration) *BalancePoller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &BalancePoller{
		client:   client,
		accounts: accounts,
		interval: interval,
		log:      logger.Named("balance"),
		balances: make(map[string]model.Amount),
	}
}

// Run 立即刷新一次，之后按间隔刷新，直到 ctx 结束。
func (p *BalancePoller) Run(ctx context.Context) error {
	p.Refresh(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}

// Refresh 读取所有账户余额。读取失败的账户保留上一次的值。
func (p *BalancePoller) Refresh(ctx context.Context) {
	fresh := make(map[string]model.Amount, len(p.accounts))
	for _, account := range p.accounts {
		balance, err := p.client.Balance(ctx, account)
		if err != nil {
			p.log.Warn("读取余额失败", "account", account, "error", err)
			continue
		}
		fresh[account] = balance
		metrics.LedgerBalance.WithLabelValues(account).Set(float64(balance))
	}
	if len(fresh) == 0 {
		return
	}
	p.mu.Lock()
	for k, v := range fresh {
		p.balances[k] = v
	}
	p.updated = time.Now().UTC()
	p.mu.Unlock()
}

// Snapshot 返回缓存的余额与更新时间。
func (p *BalancePoller) Snapshot() (map[string]model.Amount, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]model.Amount, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, p.updated
}
