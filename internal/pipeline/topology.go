package pipeline

import (
	"context"
	"time"

	"ReliefChain/internal/auditor"
	"ReliefChain/internal/bus"
	"ReliefChain/internal/model"
	"ReliefChain/internal/treasurer"
	"ReliefChain/internal/watchtower"
	"ReliefChain/pkg/logger"
)

// Topology 列出每个主题上的消费组。内存总线需要在发布前声明这些队列。
func Topology() map[string][]string {
	return map[string][]string{
		bus.TopicImagery:   {watchtower.Name},
		bus.TopicDisasters: {auditor.Name},
		bus.TopicVerified:  {treasurer.Name},
		bus.TopicOutcomes:  {RecorderName, WaiterGroup},
		bus.TopicFailures:  {RecorderName},
	}
}

// DeclareTopology 在内存总线上创建全部消费组队列。
func DeclareTopology(b *bus.MemoryBus) {
	for topic, groups := range Topology() {
		b.Declare(topic, groups...)
	}
}

// DeadLetterReporter 把进入死信的消息转换为失败记录发布到 relief.failures。
// 失败主题自身的死信只记录日志，避免循环。
func DeadLetterReporter(pub bus.Publisher) bus.DeadLetterFunc {
	producer := bus.NewProducer("bus", pub)
	return func(ctx context.Context, env bus.Envelope, cause error) {
		if env.Topic == bus.TopicFailures {
			return
		}
		record := model.FailureRecord{
			Kind:       model.FailureDeadLetter,
			Agent:      env.Producer,
			EventID:    env.Key,
			Message:    env.Topic + ": " + cause.Error(),
			OccurredAt: time.Now().UTC(),
		}
		if err := producer.Send(context.WithoutCancel(ctx), bus.TopicFailures, env.Key, record); err != nil {
			logger.Named("bus").Error("发布死信失败记录失败", "topic", env.Topic, "message_id", env.ID, "error", err)
		}
	}
}
