package port

import (
	"context"

	"storelogic/internal/service/logic/domain"
)

// EventPublisher 发布审计事件。发布失败只记录日志，不影响业务结果。
type EventPublisher interface {
	PublishDecision(ctx context.Context, event *domain.DecisionEvaluated) error
	PublishScriptChange(ctx context.Context, event *domain.ScriptChanged) error
	Close() error
}
