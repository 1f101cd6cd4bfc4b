package port

import (
	"context"
	"errors"
)

// GenerationRequest 是聊天助手提交的自然语言需求。
type GenerationRequest struct {
	DistributorID string `json:"distributor_id"`
	Prompt        string `json:"prompt"`
	TriggerPoint  string `json:"trigger_point,omitempty"`
}

// ScriptDraft 是外部生成服务返回的草稿，不会自动入库。
type ScriptDraft struct {
	TriggerPoint  string `json:"trigger_point"`
	Description   string `json:"description"`
	ScriptContent string `json:"script_content"`
}

// ScriptGenerator 把自然语言转换为脚本草稿，具体实现由外部文本生成服务提供。
type ScriptGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (*ScriptDraft, error)
}

// ErrGeneratorUnavailable 表示没有配置外部生成服务。
var ErrGeneratorUnavailable = errors.New("script generator is not configured")
