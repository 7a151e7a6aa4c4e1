package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ReliefChain/internal/bus"
	"ReliefChain/internal/model"
)

type countingRuntime struct {
	beats atomic.Int64
}

func (r *countingRuntime) Beat()                                            { r.beats.Add(1) }
func (r *countingRuntime) ReportFailure(context.Context, model.FailureRecord) {}

func TestConsumeBeatsWhileIdle(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultRedeliveryPolicy())
	defer b.Close()
	rt := &countingRuntime{}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	err := Consume(ctx, rt, b, bus.TopicImagery, "watchtower", 10*time.Millisecond, func(context.Context, bus.Envelope) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected exit: %v", err)
	}
	if rt.beats.Load() < 5 {
		t.Fatalf("expected periodic beats while idle, got %d", rt.beats.Load())
	}
}

func TestConsumeStopsBeatingWhileHandlerIsStuck(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultRedeliveryPolicy())
	defer b.Close()
	b.Declare(bus.TopicImagery, "watchtower")
	_ = bus.NewProducer("test", b).Send(context.Background(), bus.TopicImagery, "", map[string]int{"n": 1})

	rt := &countingRuntime{}
	entered := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Consume(ctx, rt, b, bus.TopicImagery, "watchtower", 5*time.Millisecond, func(hctx context.Context, _ bus.Envelope) error {
			close(entered)
			<-hctx.Done()
			return hctx.Err()
		})
	}()
	<-entered
	time.Sleep(20 * time.Millisecond)
	before := rt.beats.Load()
	time.Sleep(50 * time.Millisecond)
	if after := rt.beats.Load(); after != before {
		t.Fatalf("beats continued during a stuck handler: %d -> %d", before, after)
	}
	cancel()
	<-done
	if b.Pending(bus.TopicImagery, "watchtower") != 1 {
		t.Fatal("message handled by a cancelled agent must stay queued")
	}
}

func TestConsumeTurnsPanicIntoError(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultRedeliveryPolicy())
	defer b.Close()
	b.Declare(bus.TopicDisasters, "auditor")
	_ = bus.NewProducer("test", b).Send(context.Background(), bus.TopicDisasters, "", map[string]int{"n": 1})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := Consume(ctx, NopRuntime{}, b, bus.TopicDisasters, "auditor", time.Second, func(context.Context, bus.Envelope) error {
		panic("boom")
	})
	if !errors.Is(err, ErrHandlerPanic) {
		t.Fatalf("expected panic error, got %v", err)
	}
	if b.Pending(bus.TopicDisasters, "auditor") != 1 {
		t.Fatal("message must be redelivered after a crash")
	}
}
