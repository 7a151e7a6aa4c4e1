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
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ReliefChain/pkg/logger"
)

// MQTTConfig 描述 MQTT 总线的连接参数。
type MQTTConfig struct {
	Broker         string
	Username       string
	Password       string
	ClientID       string
	TopicPrefix    string
	ConnectRetries int
	Policy         RedeliveryPolicy
}

// MQTTBus 以 QoS 1 投递，消费组映射为 broker 的共享订阅，每个消费组使用持久会话。
type MQTTBus struct {
	cfg       MQTTConfig
	publisher mqtt.Client
	mu        sync.Mutex
	clients   []mqtt.Client
}

// NewMQTTBus 连接 broker。
func NewMQTTBus(ctx context.Context, cfg MQTTConfig) (*MQTTBus, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("MQTT broker 不能为空")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "reliefd"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "relief"
	}
	b := &MQTTBus{cfg: cfg}
	pub, err := b.connect(ctx, cfg.ClientID+"-pub", true, nil)
	if err != nil {
		return nil, err
	}
	b.publisher = pub
	return b, nil
}

func (b *MQTTBus) connect(ctx context.Context, clientID string, clean bool, onConnect mqtt.OnConnectHandler) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetUsername(b.cfg.Username)
	opts.SetPassword(b.cfg.Password)
	opts.SetClientID(clientID)
	opts.SetCleanSession(clean)
	opts.SetOrderMatters(true)
	opts.SetAutoAckDisabled(true)
	opts.SetAutoReconnect(true)
	if onConnect != nil {
		opts.SetOnConnectHandler(onConnect)
	}

	retries := b.cfg.ConnectRetries
	if retries <= 0 {
		retries = 5
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			logger.Named("bus").Warn("连接 MQTT broker 失败", slog.String("client_id", clientID), slog.Any("error", token.Error()))
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("无法建立 MQTT 连接: %w", err)
	}
	return client, nil
}

func (b *MQTTBus) topic(topic string) string {
	return b.cfg.TopicPrefix + "/" + strings.ReplaceAll(topic, ".", "/")
}

// Publish 以 QoS 1 发布并等待 broker 确认。
func (b *MQTTBus) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("编码消息失败: %w", err)
	}
	token := b.publisher.Publish(b.topic(env.Topic), 1, false, body)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe 使用共享订阅 $share/<group>/<topic>；消息在处理成功后才确认。
func (b *MQTTBus) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	filter := fmt.Sprintf("$share/%s/%s", group, b.topic(topic))
	clientID := fmt.Sprintf("%s-%s-%s", b.cfg.ClientID, group, strings.ReplaceAll(topic, ".", "-"))
	fatal := make(chan error, 1)

	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		var env Envelope
		if err := json.Unmarshal(msg.Payload(), &env); err != nil {
			deadLetter(ctx, Envelope{Topic: topic}, fmt.Errorf("%w: %v", ErrMalformed, err), b.cfg.Policy)
			msg.Ack()
			return
		}
		// ctx 结束时不确认，持久会话会在重连后重新投递。
		if deliver(ctx, env, handler, b.cfg.Policy) {
			msg.Ack()
		}
	}
	onConnect := func(c mqtt.Client) {
		token := c.Subscribe(filter, 1, onMessage)
		if token.Wait() && token.Error() != nil {
			select {
			case fatal <- fmt.Errorf("订阅 %s 失败: %w", filter, token.Error()):
			default:
			}
		}
	}

	client, err := b.connect(ctx, clientID, false, onConnect)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.clients = append(b.clients, client)
	b.mu.Unlock()
	// 不取消订阅，持久会话保留未确认消息供下一个消费者接手。
	defer client.Disconnect(250)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-fatal:
		return err
	}
}

// Close 断开所有连接。
func (b *MQTTBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.clients {
		if c.IsConnected() {
			c.Disconnect(250)
		}
	}
	b.clients = nil
	if b.publisher != nil && b.publisher.IsConnected() {
		b.publisher.Disconnect(250)
	}
	return nil
}
