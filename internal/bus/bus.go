package bus

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// 代理之间使用的主题。
const (
	TopicImagery   = "relief.imagery"
	TopicDisasters = "relief.disasters"
	TopicVerified  = "relief.verified"
	TopicOutcomes  = "relief.outcomes"
	TopicFailures  = "relief.failures"
)

// ErrMalformed 表示消息无法解码，重投也不会成功，直接进入死信处理。
var ErrMalformed = stdErrors.New("malformed message")

// ErrClosed 表示总线已关闭。
var ErrClosed = stdErrors.New("bus closed")

// Envelope 是总线上传输的统一消息结构。
type Envelope struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Key         string          `json:"key"`
	Producer    string          `json:"producer"`
	Seq         uint64          `json:"seq"`
	PublishedAt time.Time       `json:"published_at"`
	Attempt     int             `json:"-"`
	Payload     json.RawMessage `json:"payload"`
}

// Decode 将负载解析到目标结构。
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: topic %s id %s: %v", ErrMalformed, e.Topic, e.ID, err)
	}
	return nil
}

// Handler 处理一条消息；返回 nil 即确认，返回错误则原地重投。
type Handler func(ctx context.Context, env Envelope) error

// Publisher 负责投递已经编码的消息。
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Subscriber 以消费组的方式订阅主题，阻塞直到 ctx 结束。
// 同一消费组内的消息按发布顺序逐条处理，未确认的消息在订阅者重启后重新投递。
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
}

// Bus 同时具备发布与订阅能力。
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Producer 为某个代理封装发布逻辑，统一打上来源与序号。
type Producer struct {
	name string
	pub  Publisher
	seq  atomic.Uint64
}

// NewProducer 创建代理专属的 Producer。
func NewProducer(name string, pub Publisher) *Producer {
	return &Producer{name: name, pub: pub}
}

// Send 编码负载并发布。
func (p *Producer) Send(ctx context.Context, topic, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	env := Envelope{
		ID:          uuid.NewString(),
		Topic:       topic,
		Key:         key,
		Producer:    p.name,
		Seq:         p.seq.Add(1),
		PublishedAt: time.Now().UTC(),
		Payload:     body,
	}
	return p.pub.Publish(ctx, env)
}

// Typed 把强类型处理函数适配为 Handler，解码失败视为坏消息。
func Typed[T any](fn func(ctx context.Context, msg T, env Envelope) error) Handler {
	return func(ctx context.Context, env Envelope) error {
		var msg T
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return fn(ctx, msg, env)
	}
}

func queueName(topic, group string) string {
	return topic + "." + group
}
