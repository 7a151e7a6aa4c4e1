package bus

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ReliefChain/internal/observability/metrics"
	"ReliefChain/pkg/logger"
)

// DeadLetterFunc 在消息耗尽重投次数后被调用。
type DeadLetterFunc func(ctx context.Context, env Envelope, cause error)

// RedeliveryPolicy 控制处理失败时的原地重投。
type RedeliveryPolicy struct {
	MaxRedeliveries int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	DeadLetter      DeadLetterFunc
}

// DefaultRedeliveryPolicy 返回默认的重投策略。
func DefaultRedeliveryPolicy() RedeliveryPolicy {
	return RedeliveryPolicy{
		MaxRedeliveries: 5,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        5 * time.Second,
	}
}

func (p RedeliveryPolicy) normalized() RedeliveryPolicy {
	if p.MaxRedeliveries < 0 {
		p.MaxRedeliveries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 200 * time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

func (p RedeliveryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialDelay
	exp.MaxInterval = p.MaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxRedeliveries)), ctx)
}

// deliver 在原地重试处理同一条消息，保证组内顺序。
// 返回 true 表示消息可以确认（成功或已进入死信），false 表示 ctx 已结束，应保留待重投。
func deliver(ctx context.Context, env Envelope, handler Handler, policy RedeliveryPolicy) bool {
	if ctx.Err() != nil {
		return false
	}
	policy = policy.normalized()
	attempt := 0
	op := func() error {
		attempt++
		env.Attempt = attempt
		err := handler(ctx, env)
		if err != nil && stdErrors.Is(err, ErrMalformed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Named("bus").Warn("消息处理失败，准备重投",
			slog.String("topic", env.Topic),
			slog.String("message_id", env.ID),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	}
	err := backoff.RetryNotify(op, policy.backOff(ctx), notify)
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	deadLetter(ctx, env, err, policy)
	return true
}

func deadLetter(ctx context.Context, env Envelope, cause error, policy RedeliveryPolicy) {
	logger.Named("bus").Error("消息进入死信",
		slog.String("topic", env.Topic),
		slog.String("message_id", env.ID),
		slog.String("producer", env.Producer),
		slog.Int("attempts", env.Attempt),
		slog.Any("error", cause),
	)
	metrics.DeadLetters.WithLabelValues(env.Topic).Inc()
	if policy.DeadLetter != nil {
		policy.DeadLetter(ctx, env, cause)
	}
}
