package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 总线的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	BlockWait time.Duration
	Policy    RedeliveryPolicy
}

// RedisBus 为每个消费组维护一个 list，处理中的消息暂存在 processing list，
// 消费者崩溃后重新订阅时优先处理它们。
type RedisBus struct {
	client *redis.Client
	prefix string
	wait   time.Duration
	policy RedeliveryPolicy
}

// NewRedisBus 创建 Redis 总线。
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisBusWithClient(client, cfg), nil
}

// NewRedisBusWithClient 复用已有的 Redis 客户端。
func NewRedisBusWithClient(client *redis.Client, cfg RedisConfig) *RedisBus {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "relief:bus"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisBus{client: client, prefix: prefix, wait: wait, policy: cfg.Policy}
}

func (b *RedisBus) groupsKey(topic string) string {
	return b.prefix + ":" + topic + ":groups"
}

func (b *RedisBus) queueKey(topic, group string) string {
	return b.prefix + ":" + queueName(topic, group)
}

func (b *RedisBus) processingKey(topic, group string) string {
	return b.queueKey(topic, group) + ":processing"
}

// Declare 登记消费组，之后发布的消息都会进入该组队列。
func (b *RedisBus) Declare(ctx context.Context, topic string, groups ...string) error {
	if len(groups) == 0 {
		return nil
	}
	members := make([]any, len(groups))
	for i, g := range groups {
		members[i] = g
	}
	return b.client.SAdd(ctx, b.groupsKey(topic), members...).Err()
}

// Publish 将消息写入主题下所有已登记消费组的队列。
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("编码消息失败: %w", err)
	}
	groups, err := b.client.SMembers(ctx, b.groupsKey(env.Topic)).Result()
	if err != nil {
		return fmt.Errorf("读取消费组失败: %w", err)
	}
	if len(groups) == 0 {
		return nil
	}
	pipe := b.client.TxPipeline()
	for _, g := range groups {
		pipe.LPush(ctx, b.queueKey(env.Topic, g), body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 发布消息失败: %w", err)
	}
	return nil
}

// Subscribe 通过 BLMOVE 取消息，确认后再从 processing list 删除。
func (b *RedisBus) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	if err := b.Declare(ctx, topic, group); err != nil {
		return fmt.Errorf("登记消费组失败: %w", err)
	}
	queue := b.queueKey(topic, group)
	processing := b.processingKey(topic, group)

	// 上一次消费者退出时遗留的消息先处理，顺序与取出顺序一致。
	leftovers, err := b.client.LRange(ctx, processing, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("读取 processing 队列失败: %w", err)
	}
	for i := len(leftovers) - 1; i >= 0; i-- {
		if err := b.handleRaw(ctx, processing, leftovers[i], topic, handler); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := b.client.BLMove(ctx, queue, processing, "RIGHT", "LEFT", b.wait).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("Redis 取消息失败: %w", err)
		}
		if err := b.handleRaw(ctx, processing, raw, topic, handler); err != nil {
			return err
		}
	}
}

func (b *RedisBus) handleRaw(ctx context.Context, processing, raw, topic string, handler Handler) error {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		deadLetter(ctx, Envelope{Topic: topic}, fmt.Errorf("%w: %v", ErrMalformed, err), b.policy)
	} else if !deliver(ctx, env, handler, b.policy) {
		return ctx.Err()
	}
	if err := b.client.LRem(context.WithoutCancel(ctx), processing, 1, raw).Err(); err != nil {
		return fmt.Errorf("确认 Redis 消息失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
