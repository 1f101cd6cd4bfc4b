package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"storelogic/internal/pkg/mq"
	"storelogic/internal/service/logic/domain"
)

// KafkaEventPublisher 实现了 port.EventPublisher 接口。
// 以租户 ID 作为消息 Key，同一租户的事件落在同一分区内。
type KafkaEventPublisher struct {
	decisions *kafka.Writer
	changes   *kafka.Writer
}

// NewKafkaEventPublisher 创建一个新的事件生产者适配器。
func NewKafkaEventPublisher(decisions, changes *kafka.Writer) *KafkaEventPublisher {
	return &KafkaEventPublisher{decisions: decisions, changes: changes}
}

func (a *KafkaEventPublisher) PublishDecision(ctx context.Context, event *domain.DecisionEvaluated) error {
	return publish(ctx, a.decisions, event.DistributorID, event)
}

func (a *KafkaEventPublisher) PublishScriptChange(ctx context.Context, event *domain.ScriptChanged) error {
	return publish(ctx, a.changes, event.DistributorID, event)
}

func publish(ctx context.Context, writer *kafka.Writer, key string, event any) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	// mq.ProduceMessage 会自动处理追踪上下文注入
	return mq.ProduceMessage(ctx, writer, []byte(key), eventBytes)
}

// Close 关闭底层的 Kafka writer。
func (a *KafkaEventPublisher) Close() error {
	err1 := a.decisions.Close()
	err2 := a.changes.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// NoopEventPublisher 在未配置 Kafka 时使用。
type NoopEventPublisher struct{}

func (NoopEventPublisher) PublishDecision(context.Context, *domain.DecisionEvaluated) error {
	return nil
}

func (NoopEventPublisher) PublishScriptChange(context.Context, *domain.ScriptChanged) error {
	return nil
}

func (NoopEventPublisher) Close() error { return nil }
