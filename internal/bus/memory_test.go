package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type sample struct {
	N int `json:"n"`
}

func fastPolicy(max int) RedeliveryPolicy {
	return RedeliveryPolicy{MaxRedeliveries: max, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryBusPreservesPublishOrder(t *testing.T) {
	b := NewMemoryBus(fastPolicy(3))
	defer b.Close()
	b.Declare(TopicDisasters, "auditor")
	p := NewProducer("watchtower", b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 50; i++ {
		if err := p.Send(ctx, TopicDisasters, "k", sample{N: i}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	var mu sync.Mutex
	var got []int
	var lastSeq uint64
	go b.Subscribe(ctx, TopicDisasters, "auditor", Typed(func(_ context.Context, msg sample, env Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		if env.Seq <= lastSeq {
			t.Errorf("sequence went backwards: %d after %d", env.Seq, lastSeq)
		}
		lastSeq = env.Seq
		got = append(got, msg.N)
		return nil
	}))

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(got) == 50 })
	for i, n := range got {
		if n != i {
			t.Fatalf("out of order at %d: %d", i, n)
		}
	}
}

func TestMemoryBusRedeliversInPlace(t *testing.T) {
	b := NewMemoryBus(fastPolicy(5))
	defer b.Close()
	b.Declare(TopicVerified, "treasurer")
	p := NewProducer("auditor", b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = p.Send(ctx, TopicVerified, "", sample{N: 1})
	_ = p.Send(ctx, TopicVerified, "", sample{N: 2})

	var mu sync.Mutex
	var seen []int
	var failures atomic.Int32
	go b.Subscribe(ctx, TopicVerified, "treasurer", Typed(func(_ context.Context, msg sample, env Envelope) error {
		mu.Lock()
		seen = append(seen, msg.N)
		mu.Unlock()
		if msg.N == 1 && failures.Add(1) <= 2 {
			return errors.New("transient")
		}
		return nil
	}))

	waitFor(t, func() bool { return b.Pending(TopicVerified, "treasurer") == 0 })
	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 1, 1, 2}
	if len(seen) != len(want) {
		t.Fatalf("unexpected deliveries %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("unexpected deliveries %v", seen)
		}
	}
}

func TestMemoryBusKeepsUnackedWorkAcrossConsumerRestart(t *testing.T) {
	b := NewMemoryBus(fastPolicy(100))
	defer b.Close()
	b.Declare(TopicImagery, "watchtower")
	p := NewProducer("control", b)
	_ = p.Send(context.Background(), TopicImagery, "", sample{N: 7})

	ctx1, cancel1 := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx1, TopicImagery, "watchtower", func(ctx context.Context, env Envelope) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started
	cancel1()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected exit: %v", err)
	}
	if b.Pending(TopicImagery, "watchtower") != 1 {
		t.Fatal("message must stay queued after the consumer stops")
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	got := make(chan int, 1)
	go b.Subscribe(ctx2, TopicImagery, "watchtower", Typed(func(_ context.Context, msg sample, _ Envelope) error {
		got <- msg.N
		return nil
	}))
	select {
	case n := <-got:
		if n != 7 {
			t.Fatalf("unexpected payload %d", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("restarted consumer did not receive the pending message")
	}
}

func TestMemoryBusDeadLettersAfterMaxRedeliveries(t *testing.T) {
	var dead atomic.Int32
	policy := fastPolicy(2)
	policy.DeadLetter = func(_ context.Context, env Envelope, cause error) { dead.Add(1) }
	b := NewMemoryBus(policy)
	defer b.Close()
	b.Declare(TopicOutcomes, "recorder")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	go b.Subscribe(ctx, TopicOutcomes, "recorder", func(context.Context, Envelope) error {
		calls.Add(1)
		return errors.New("always fails")
	})

	malformed := Envelope{ID: "bad", Topic: TopicOutcomes, Payload: json.RawMessage(`{"n":"x"}`)}
	_ = NewProducer("x", b).Send(ctx, TopicOutcomes, "", sample{N: 1})
	waitFor(t, func() bool { return dead.Load() == 1 })
	if calls.Load() != 3 {
		t.Fatalf("expected 1 delivery + 2 redeliveries, got %d", calls.Load())
	}

	cancel()
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	var typedCalls atomic.Int32
	go b.Subscribe(ctx2, TopicOutcomes, "recorder", Typed(func(context.Context, sample, Envelope) error {
		typedCalls.Add(1)
		return nil
	}))
	_ = b.Publish(ctx2, malformed)
	waitFor(t, func() bool { return dead.Load() == 2 })
	if typedCalls.Load() != 0 {
		t.Fatal("malformed payload must not reach the typed handler")
	}
}

func TestMemoryBusFansOutToEveryGroup(t *testing.T) {
	b := NewMemoryBus(fastPolicy(1))
	defer b.Close()
	b.Declare(TopicOutcomes, "recorder", "waiters")
	_ = NewProducer("treasurer", b).Send(context.Background(), TopicOutcomes, "", sample{N: 3})
	if b.Pending(TopicOutcomes, "recorder") != 1 || b.Pending(TopicOutcomes, "waiters") != 1 {
		t.Fatal("each group must receive its own copy")
	}
}

func TestMemoryBusRejectsAfterClose(t *testing.T) {
	b := NewMemoryBus(fastPolicy(1))
	_ = b.Close()
	if err := b.Publish(context.Background(), Envelope{Topic: TopicImagery}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := b.Subscribe(context.Background(), TopicImagery, "g", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
