package application

import (
	"time"

	"storelogic/internal/service/logic/domain"
	"storelogic/internal/service/logic/domain/port"
)

// CreateScriptRequest 是创建脚本的请求体
type CreateScriptRequest struct {
	DistributorID string `json:"distributor_id"`
	TriggerPoint  string `json:"trigger_point"`
	Description   string `json:"description"`
	ScriptContent string `json:"script_content"`
}

// UpdateScriptRequest 是部分更新的请求体，缺省字段不修改
type UpdateScriptRequest struct {
	Active        *bool   `json:"active,omitempty"`
	ScriptContent *string `json:"script_content,omitempty"`
	Description   *string `json:"description,omitempty"`
}

type ReorderItem struct {
	ID            int64 `json:"id"`
	SequenceOrder int   `json:"sequence_order"`
}

// ReorderRequest 是重排请求体。TriggerPoint 缺省时由第一个脚本推断。
type ReorderRequest struct {
	DistributorID string        `json:"distributor_id"`
	TriggerPoint  string        `json:"trigger_point,omitempty"`
	Scripts       []ReorderItem `json:"scripts"`
}

// ExecuteRequest 是触发点执行的请求体
type ExecuteRequest struct {
	DistributorID string         `json:"distributor_id"`
	TriggerPoint  string         `json:"trigger_point"`
	Context       map[string]any `json:"context"`
}

// ExecuteResponse 是触发点执行的响应体
type ExecuteResponse struct {
	DecisionID string                `json:"decision_id"`
	Allowed    bool                  `json:"allowed"`
	Message    string                `json:"message,omitempty"`
	Results    []domain.ScriptResult `json:"results"`
	Context    map[string]any        `json:"context"`
}

// ScriptResponse 是脚本的对外表示
type ScriptResponse struct {
	ID            int64     `json:"id"`
	DistributorID string    `json:"distributor_id"`
	TriggerPoint  string    `json:"trigger_point"`
	Description   string    `json:"description"`
	ScriptContent string    `json:"script_content"`
	SequenceOrder int       `json:"sequence_order"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ValidateRequest struct {
	ScriptContent string `json:"script_content"`
}

type ValidateResponse struct {
	Valid  bool         `json:"valid"`
	Issues []port.Issue `json:"issues"`
}

// GenerateRequest 是聊天助手的自然语言生成请求
type GenerateRequest struct {
	DistributorID string `json:"distributor_id"`
	Prompt        string `json:"prompt"`
	TriggerPoint  string `json:"trigger_point,omitempty"`
}

// GenerateResponse 是未入库的脚本草稿，Issues 为草稿的静态检查结果
type GenerateResponse struct {
	TriggerPoint  string       `json:"trigger_point"`
	Description   string       `json:"description"`
	ScriptContent string       `json:"script_content"`
	Issues        []port.Issue `json:"issues"`
}

func toScriptResponse(s *domain.LogicScript) ScriptResponse {
	return ScriptResponse{
		ID:            s.ID,
		DistributorID: s.DistributorID,
		TriggerPoint:  string(s.TriggerPoint),
		Description:   s.Description,
		ScriptContent: s.ScriptContent,
		SequenceOrder: s.SequenceOrder,
		Active:        s.Active,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func toScriptResponses(scripts []*domain.LogicScript) []ScriptResponse {
	out := make([]ScriptResponse, 0, len(scripts))
	for _, s := range scripts {
		out = append(out, toScriptResponse(s))
	}
	return out
}
