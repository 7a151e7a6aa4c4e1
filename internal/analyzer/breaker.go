package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"ReliefChain/internal/model"
	"ReliefChain/pkg/logger"
)

// BreakerSettings 控制熔断器行为。
type BreakerSettings struct {
	ConsecutiveFailures int
	OpenTimeout         time.Duration
	Interval            time.Duration
}

// Guarded 在分析器外包一层熔断器；熔断打开时立即返回 ErrUnavailable。
type Guarded struct {
	next Analyzer
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker 创建带熔断保护的分析器。
func WithBreaker(next Analyzer, s BreakerSettings) *Guarded {
	fails := s.ConsecutiveFailures
	if fails <= 0 {
		fails = 5
	}
	return &Guarded{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "image-analyzer",
			Interval: s.Interval,
			Timeout:  s.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= uint32(fails)
			},
			// 只有不可用才计入失败，请求被拒绝之类的业务错误不触发熔断。
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, ErrUnavailable)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Named("analyzer").Warn("熔断器状态变化",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		}),
	}
}

// Analyze 经由熔断器调用下游分析器。
func (g *Guarded) Analyze(ctx context.Context, req model.ImageRequest) (model.RawScore, error) {
	out, err := g.cb.Execute(func() (any, error) {
		return g.next.Analyze(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return out.(model.RawScore), nil
}

// State 返回熔断器当前状态。
func (g *Guarded) State() gobreaker.State {
	return g.cb.State()
}
