package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ReliefChain/internal/agent"
	"ReliefChain/internal/bus"
	"ReliefChain/internal/model"
	"ReliefChain/internal/store"
	"ReliefChain/pkg/logger"
)

// RecorderName 是 Recorder 的代理名与消费组名。
const RecorderName = "recorder"

// Recorder 把阶段结果与失败记录落库，供状态查询使用。
type Recorder struct {
	repo      store.RecordRepository
	sub       bus.Subscriber
	heartbeat time.Duration
	log       *slog.Logger
}

// NewRecorder 创建 Recorder。
func NewRecorder(repo store.RecordRepository, sub bus.Subscriber, heartbeat time.Duration) *Recorder {
	return &Recorder{repo: repo, sub: sub, heartbeat: heartbeat, log: logger.Named(RecorderName)}
}

func (r *Recorder) Name() string { return RecorderName }

// Run 同时消费 relief.outcomes 与 relief.failures，任一订阅退出即整体退出。
func (r *Recorder) Run(ctx context.Context, rt agent.Runtime) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- agent.Consume(ctx, rt, r.sub, bus.TopicOutcomes, RecorderName, r.heartbeat,
			bus.Typed(func(ctx context.Context, o model.Outcome, _ bus.Envelope) error {
				return r.RecordOutcome(ctx, o)
			}))
	}()
	go func() {
		errCh <- agent.Consume(ctx, rt, r.sub, bus.TopicFailures, RecorderName, r.heartbeat,
			bus.Typed(func(ctx context.Context, f model.FailureRecord, _ bus.Envelope) error {
				return r.RecordFailure(ctx, f)
			}))
	}()

	first := <-errCh
	cancel()
	second := <-errCh
	if first != nil && !errors.Is(first, context.Canceled) {
		return first
	}
	if second != nil && !errors.Is(second, context.Canceled) {
		return second
	}
	return first
}

// RecordOutcome 以结果 Key 去重后计数。
func (r *Recorder) RecordOutcome(ctx context.Context, o model.Outcome) error {
	created, err := r.repo.RecordOutcome(ctx, o)
	if err != nil {
		return err
	}
	if !created {
		r.log.Debug("重复的阶段结果", "kind", o.Kind, "event_id", o.EventID, "request_id", o.RequestID)
	}
	return nil
}

// RecordFailure 追加失败记录。
func (r *Recorder) RecordFailure(ctx context.Context, f model.FailureRecord) error {
	r.log.Warn("终态失败", "kind", f.Kind, "agent", f.Agent, "event_id", f.EventID, "error_code", f.Code, "message", f.Message)
	return r.repo.AppendFailure(ctx, f)
}
