package bus

import (
	"context"
	"sync"
)

// MemoryBus 是进程内实现，消费组队列独立于消费者存活，代理重启后从未确认的消息继续。
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string]map[string]*memoryQueue
	policy RedeliveryPolicy
	closed bool
	done   chan struct{}
}

type memoryQueue struct {
	mu     sync.Mutex
	items  []Envelope
	notify chan struct{}
	owner  chan struct{}
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{
		notify: make(chan struct{}, 1),
		owner:  make(chan struct{}, 1),
	}
}

// NewMemoryBus 创建内存总线。
func NewMemoryBus(policy RedeliveryPolicy) *MemoryBus {
	return &MemoryBus{
		topics: make(map[string]map[string]*memoryQueue),
		policy: policy,
		done:   make(chan struct{}),
	}
}

// Declare 预先创建消费组队列，使订阅者启动前发布的消息不会丢失。
func (b *MemoryBus) Declare(topic string, groups ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range groups {
		b.queueLocked(topic, g)
	}
}

func (b *MemoryBus) queueLocked(topic, group string) *memoryQueue {
	groups, ok := b.topics[topic]
	if !ok {
		groups = make(map[string]*memoryQueue)
		b.topics[topic] = groups
	}
	q, ok := groups[group]
	if !ok {
		q = newMemoryQueue()
		groups[group] = q
	}
	return q
}

// Publish 将消息复制到主题下的所有消费组。
func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, q := range b.topics[env.Topic] {
		q.push(env)
	}
	return nil
}

// Subscribe 消费指定消费组；同一组同一时刻只有一个活跃消费者。
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	q := b.queueLocked(topic, group)
	b.mu.Unlock()

	select {
	case q.owner <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
	defer func() { <-q.owner }()

	for {
		env, ok := q.head()
		if !ok {
			select {
			case <-q.notify:
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-b.done:
				return ErrClosed
			}
		}
		if !deliver(ctx, env, handler, b.policy) {
			return ctx.Err()
		}
		q.pop()
	}
}

// Pending 返回某个消费组尚未确认的消息数量。
func (b *MemoryBus) Pending(topic, group string) int {
	b.mu.Lock()
	q, ok := b.topics[topic][group]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close 关闭总线并唤醒所有订阅者。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

func (q *memoryQueue) push(env Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) head() (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Envelope{}, false
	}
	return q.items[0], true
}

func (q *memoryQueue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	q.items[0] = Envelope{}
	q.items = q.items[1:]
}
