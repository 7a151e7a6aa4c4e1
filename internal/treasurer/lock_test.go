package treasurer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalLockerSerializesAccount(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	held, unlock, err := l.Lock(ctx, "treasury")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	_, other, err := l.Lock(ctx, "reserve")
	if err != nil {
		t.Fatalf("different accounts must not block: %v", err)
	}
	other()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, _, err := l.Lock(short, "treasury"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout while held, got %v", err)
	}

	unlock()
	unlock()
	if held.Err() == nil {
		t.Fatal("held context must end after release")
	}
	_, again, err := l.Lock(ctx, "treasury")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
}

func TestLocalLockerTryLockDoesNotWait(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	_, unlock, ok, err := l.TryLock(ctx, "treasury")
	if err != nil || !ok {
		t.Fatalf("first try must succeed: %v %v", ok, err)
	}
	if _, _, ok, err := l.TryLock(ctx, "treasury"); err != nil || ok {
		t.Fatalf("second try must report busy: %v %v", ok, err)
	}
	unlock()
	_, unlock, ok, _ = l.TryLock(ctx, "treasury")
	if !ok {
		t.Fatal("try after release must succeed")
	}
	unlock()
}

func TestKeepAliveEndsContextWhenRenewFails(t *testing.T) {
	var calls atomic.Int32
	renew := func(context.Context) error {
		if calls.Add(1) >= 2 {
			return ErrLockLost
		}
		return nil
	}
	held, stop := keepAlive(context.Background(), 5*time.Millisecond, renew)
	defer stop()

	select {
	case <-held.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("held context still alive after renew failed")
	}
	if !errors.Is(context.Cause(held), ErrLockLost) {
		t.Fatalf("expected lock lost cause, got %v", context.Cause(held))
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("renew must stop after the first failure, got %d calls", n)
	}
}

func TestKeepAliveWrapsRenewError(t *testing.T) {
	boom := errors.New("connection refused")
	held, stop := keepAlive(context.Background(), 5*time.Millisecond, func(context.Context) error { return boom })
	defer stop()

	<-held.Done()
	if cause := context.Cause(held); !errors.Is(cause, ErrLockLost) {
		t.Fatalf("expected lock lost cause, got %v", cause)
	}
}

func TestKeepAliveStopCancelsWithoutLoss(t *testing.T) {
	held, stop := keepAlive(context.Background(), time.Hour, func(context.Context) error { return nil })
	stop()
	stop()
	if held.Err() == nil {
		t.Fatal("stop must end the held context")
	}
	if errors.Is(context.Cause(held), ErrLockLost) {
		t.Fatal("stop is not a lock loss")
	}
}
