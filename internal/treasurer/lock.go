package treasurer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockLost 表示持有期间账户锁被其他实例接管或续期失败。
var ErrLockLost = errors.New("account lock lost")

// Locker 保证同一账户同一时刻只有一个资助决策在走签名到确认的流程。
type Locker interface {
	// Lock 阻塞直到获得锁或 ctx 结束。返回的 ctx 在锁丢失或释放后结束，
	// 持锁期间的账本操作都应使用它；返回的函数用于释放锁。
	Lock(ctx context.Context, account string) (context.Context, func(), error)
	// TryLock 只尝试一次，锁被占用时返回 ok=false。
	TryLock(ctx context.Context, account string) (held context.Context, unlock func(), ok bool, err error)
}

// LocalLocker 是进程内的账户锁。
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLocker 创建进程内账户锁。
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(account string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[account]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[account] = slot
	}
	return slot
}

func (l *LocalLocker) acquired(ctx context.Context, slot chan struct{}) (context.Context, func()) {
	held, cancel := context.WithCancelCause(ctx)
	var once sync.Once
	return held, func() {
		once.Do(func() {
			cancel(nil)
			<-slot
		})
	}
}

func (l *LocalLocker) Lock(ctx context.Context, account string) (context.Context, func(), error) {
	slot := l.slot(account)
	select {
	case slot <- struct{}{}:
		held, unlock := l.acquired(ctx, slot)
		return held, unlock, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (l *LocalLocker) TryLock(ctx context.Context, account string) (context.Context, func(), bool, error) {
	slot := l.slot(account)
	select {
	case slot <- struct{}{}:
		held, unlock := l.acquired(ctx, slot)
		return held, unlock, true, nil
	default:
		return nil, nil, false, nil
	}
}

// releaseScript 只删除自己持有的锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript 只为自己持有的锁续期。
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker 是跨进程的账户锁，多个 Treasurer 实例共用同一组账户时使用。
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker 创建基于 Redis 的账户锁。锁在持有期间按 ttl/3 续期，
// 续期失败或锁已不属于本实例时，Lock 返回的 ctx 以 ErrLockLost 结束。
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "relief"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: 100 * time.Millisecond}
}

func (l *RedisLocker) key(account string) string {
	return fmt.Sprintf("%s:account-lock:%s", l.prefix, account)
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return ok, nil
}

func (l *RedisLocker) Lock(ctx context.Context, account string) (context.Context, func(), error) {
	key := l.key(account)
	token := uuid.NewString()
	for {
		ok, err := l.acquire(ctx, key, token)
		if err != nil {
			return nil, nil, fmt.Errorf("acquire account lock %s: %w", account, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
	held, unlock := l.hold(ctx, key, token)
	return held, unlock, nil
}

func (l *RedisLocker) TryLock(ctx context.Context, account string) (context.Context, func(), bool, error) {
	key := l.key(account)
	token := uuid.NewString()
	ok, err := l.acquire(ctx, key, token)
	if err != nil {
		return nil, nil, false, fmt.Errorf("acquire account lock %s: %w", account, err)
	}
	if !ok {
		return nil, nil, false, nil
	}
	held, unlock := l.hold(ctx, key, token)
	return held, unlock, true, nil
}

func (l *RedisLocker) hold(ctx context.Context, key, token string) (context.Context, func()) {
	renew := func(ctx context.Context) error {
		n, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int64()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrLockLost
		}
		return nil
	}
	held, stop := keepAlive(ctx, l.ttl/3, renew)

	var once sync.Once
	return held, func() {
		once.Do(func() {
			stop()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		})
	}
}

// keepAlive 每隔 interval 调用一次 renew。renew 第一次失败时返回的 ctx 以 ErrLockLost 结束，
// 续期随之停止；stop 结束续期并取消 ctx。
func keepAlive(parent context.Context, interval time.Duration, renew func(context.Context) error) (context.Context, func()) {
	held, cancel := context.WithCancelCause(parent)
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-held.Done():
				return
			case <-ticker.C:
				rctx, rcancel := context.WithTimeout(context.Background(), interval)
				err := renew(rctx)
				rcancel()
				if err != nil {
					if !errors.Is(err, ErrLockLost) {
						err = fmt.Errorf("%w: %v", ErrLockLost, err)
					}
					cancel(err)
					return
				}
			}
		}
	}()
	var once sync.Once
	return held, func() {
		once.Do(func() {
			close(quit)
			<-done
			cancel(nil)
		})
	}
}
