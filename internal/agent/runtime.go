package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"ReliefChain/internal/bus"
	"ReliefChain/internal/model"
)

// Agent 是一个独立运行、只通过总线通信的流水线单元。
type Agent interface {
	Name() string
	// Run 阻塞直到 ctx 结束；返回非 nil 错误或 panic 都会被视为崩溃。
	Run(ctx context.Context, rt Runtime) error
}

// Runtime 由 Orchestrator 注入，代理通过它上报心跳与失败记录。
type Runtime interface {
	Beat()
	ReportFailure(ctx context.Context, record model.FailureRecord)
}

// NopRuntime 丢弃所有信号，用于不受监督的场景。
type NopRuntime struct{}

func (NopRuntime) Beat()                                            {}
func (NopRuntime) ReportFailure(context.Context, model.FailureRecord) {}

// ErrHandlerPanic 表示消息处理函数发生 panic，代理随之退出等待重启。
var ErrHandlerPanic = errors.New("agent handler panicked")

// Consume 订阅主题并维持心跳：空闲时按 interval 定期心跳，处理消息期间只在
// 进入与离开处理函数时心跳，因此卡死的处理函数会让心跳超时。
func Consume(ctx context.Context, rt Runtime, sub bus.Subscriber, topic, group string, interval time.Duration, handler bus.Handler) error {
	if rt == nil {
		rt = NopRuntime{}
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	parent := ctx
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var busy atomic.Bool
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !busy.Load() {
					rt.Beat()
				}
			}
		}
	}()
	rt.Beat()

	wrapped := func(hctx context.Context, env bus.Envelope) (err error) {
		busy.Store(true)
		rt.Beat()
		defer func() {
			if r := recover(); r != nil {
				cause := fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				cancel(cause)
				err = cause
			}
			busy.Store(false)
			rt.Beat()
		}()
		return handler(hctx, env)
	}

	err := sub.Subscribe(ctx, topic, group, wrapped)
	if perr := parent.Err(); perr != nil {
		return perr
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}
