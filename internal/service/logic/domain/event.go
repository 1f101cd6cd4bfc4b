// internal/service/logic/domain/event.go
package domain

import "time"

// DecisionEvaluated 在每次触发点执行后发布，供管理端审计。
type DecisionEvaluated struct {
	EventID       string         `json:"eventId"`
	DecisionID    string         `json:"decisionId"`
	TraceID       string         `json:"traceId,omitempty"`
	DistributorID string         `json:"distributorId"`
	TriggerPoint  TriggerPoint   `json:"triggerPoint"`
	Allowed       bool           `json:"allowed"`
	Message       string         `json:"message,omitempty"`
	VetoedBy      int64          `json:"vetoedBy,omitempty"`
	Results       []ScriptResult `json:"results"`
	EvaluatedAt   time.Time      `json:"evaluatedAt"`
}

// ErrorCount 统计结果中执行出错的脚本数。
func (e *DecisionEvaluated) ErrorCount() int {
	n := 0
	for _, r := range e.Results {
		if r.Status == StatusError {
			n++
		}
	}
	return n
}

// ChangeKind 是脚本变更的类型。
type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeUpdated   ChangeKind = "updated"
	ChangeDeleted   ChangeKind = "deleted"
	ChangeReordered ChangeKind = "reordered"
)

// ScriptChanged 在管理端修改脚本后发布。
type ScriptChanged struct {
	EventID       string       `json:"eventId"`
	Kind          ChangeKind   `json:"kind"`
	DistributorID string       `json:"distributorId"`
	TriggerPoint  TriggerPoint `json:"triggerPoint"`
	ScriptIDs     []int64      `json:"scriptIds"`
	OccurredAt    time.Time    `json:"occurredAt"`
}
