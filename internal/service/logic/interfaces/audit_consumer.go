package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"storelogic/internal/pkg/logger"
	"storelogic/internal/pkg/mq"
)

// MessageReader 是 *kafka.Reader 中消费者需要的方法。
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// 推送给管理端的事件类型
const (
	EventTypeDecision     = "decision"
	EventTypeScriptChange = "script_change"
)

// AuditEnvelope 是推送到 WebSocket 的消息格式。
type AuditEnvelope struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// AuditConsumer 是一个驱动适配器，它监听 Kafka 审计事件并推送给 AuditHub。
type AuditConsumer struct {
	reader    MessageReader
	hub       *AuditHub
	eventType string
}

// NewAuditConsumer 创建一个新的审计事件消费者。
func NewAuditConsumer(reader MessageReader, hub *AuditHub, eventType string) *AuditConsumer {
	return &AuditConsumer{reader: reader, hub: hub, eventType: eventType}
}

// Run 开始监听 Kafka 主题，直到 ctx 结束。
func (a *AuditConsumer) Run(ctx context.Context) error {
	defer a.reader.Close()
	logger.Ctx(ctx).Info().Str("type", a.eventType).Msg("Audit consumer started")
	for {
		// 使用 FetchMessage 而不是 ReadMessage，以便手动提交
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Str("type", a.eventType).Msg("Audit consumer shutting down")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("Could not read message, retrying")
			select {
			case <-time.After(time.Second): // 避免快速失败循环
			case <-ctx.Done():
				return nil
			}
			continue
		}

		if err := a.processMessage(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// 消息处理完成后提交 Offset
		if err := a.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to commit message")
		}
	}
}

// processMessage 只在 hub 已停止时返回错误；无法解析的消息被跳过。
func (a *AuditConsumer) processMessage(parentCtx context.Context, msg kafka.Message) error {
	ctx := mq.ExtractTraceContext(parentCtx, msg.Headers)

	var head struct {
		DistributorID string `json:"distributorId"`
	}
	if err := json.Unmarshal(msg.Value, &head); err != nil || head.DistributorID == "" {
		logger.Ctx(ctx).Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping malformed audit event")
		return nil
	}

	payload, err := json.Marshal(AuditEnvelope{Type: a.eventType, Event: msg.Value})
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping audit event")
		return nil
	}
	return a.hub.Broadcast(ctx, head.DistributorID, payload)
}
