package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"ReliefChain/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 总线的连接参数。
type RabbitMQConfig struct {
	URL            string
	ExchangePrefix string
	ConnectRetries int
	Policy         RedeliveryPolicy
}

// RabbitMQBus 每个主题对应一个 fanout exchange，每个消费组对应一个持久化队列。
type RabbitMQBus struct {
	conn     *amqp.Connection
	pubMu    sync.Mutex
	pubCh    *amqp.Channel
	prefix   string
	policy   RedeliveryPolicy
	declared sync.Map
}

// NewRabbitMQBus 连接 RabbitMQ，连接失败时按指数退避重试。
func NewRabbitMQBus(ctx context.Context, cfg RabbitMQConfig) (*RabbitMQBus, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 5
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	var conn *amqp.Connection
	err := backoff.Retry(func() error {
		c, err := amqp.Dial(cfg.URL)
		if err != nil {
			logger.Named("bus").Warn("连接 RabbitMQ 失败，稍后重试", slog.Any("error", err))
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("开启发布确认失败: %w", err)
	}
	prefix := cfg.ExchangePrefix
	if prefix == "" {
		prefix = "relief"
	}
	return &RabbitMQBus{conn: conn, pubCh: ch, prefix: prefix, policy: cfg.Policy}, nil
}

func (b *RabbitMQBus) exchange(topic string) string {
	return b.prefix + ":" + topic
}

func (b *RabbitMQBus) declareExchange(ch *amqp.Channel, topic string) error {
	if _, ok := b.declared.Load(topic); ok {
		return nil
	}
	if err := ch.ExchangeDeclare(b.exchange(topic), amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("声明 exchange %s 失败: %w", topic, err)
	}
	b.declared.Store(topic, struct{}{})
	return nil
}

// Publish 以持久化消息投递，并等待 broker 确认。
func (b *RabbitMQBus) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("编码消息失败: %w", err)
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh == nil {
		return ErrClosed
	}
	if err := b.declareExchange(b.pubCh, env.Topic); err != nil {
		return err
	}
	confirm, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, b.exchange(env.Topic), "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.PublishedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("发布消息到 RabbitMQ 失败: %w", err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("RabbitMQ 拒绝了消息 %s", env.ID)
	}
	return nil
}

// Subscribe 使用手动确认模式消费，prefetch 为 1 保证组内顺序。
func (b *RabbitMQBus) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	defer ch.Close()

	if err := b.declareExchange(ch, topic); err != nil {
		return err
	}
	queue := queueName(topic, group)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	if err := ch.QueueBind(queue, "", b.exchange(topic), false, nil); err != nil {
		return fmt.Errorf("绑定 RabbitMQ 队列失败: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("RabbitMQ 投递通道已关闭")
			}
			var env Envelope
			if err := json.Unmarshal(msg.Body, &env); err != nil {
				deadLetter(ctx, Envelope{ID: msg.MessageId, Topic: topic}, fmt.Errorf("%w: %v", ErrMalformed, err), b.policy)
				_ = msg.Ack(false)
				continue
			}
			if !deliver(ctx, env, handler, b.policy) {
				_ = msg.Nack(false, true)
				return ctx.Err()
			}
			if err := msg.Ack(false); err != nil {
				return fmt.Errorf("确认 RabbitMQ 消息失败: %w", err)
			}
		}
	}
}

// Close 关闭 RabbitMQ 连接。
func (b *RabbitMQBus) Close() error {
	if b == nil {
		return nil
	}
	b.pubMu.Lock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
		b.pubCh = nil
	}
	b.pubMu.Unlock()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
