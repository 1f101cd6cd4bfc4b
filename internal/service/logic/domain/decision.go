// internal/service/logic/domain/decision.go
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Outcome 是单个脚本的执行结果。
type Outcome struct {
	Allowed   bool
	Message   string
	Mutations map[string]any
}

// Evaluator 在给定上下文上执行一条脚本。
// 返回的 error 视为 EvaluationError，不会中断整个决策流程。
type Evaluator interface {
	Evaluate(ctx context.Context, script *LogicScript, execCtx *ExecutionContext) (*Outcome, error)
}

// FailurePolicy 决定脚本执行出错时整体决策的走向。
type FailurePolicy string

const (
	// FailOpen 出错的脚本记入结果后被忽略，店铺可用性优先。
	FailOpen FailurePolicy = "fail_open"
	// FailClosed 出错的脚本按否决处理。
	FailClosed FailurePolicy = "fail_closed"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.TrimSpace(strings.ToLower(s))); p {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", s)
	}
}

// ResultStatus 标识单条结果的类型。
type ResultStatus string

const (
	StatusAllowed ResultStatus = "allowed"
	StatusDenied  ResultStatus = "denied"
	StatusError   ResultStatus = "error"
)

// ScriptResult 是审计轨迹中的一条记录。
type ScriptResult struct {
	ScriptID      int64        `json:"script_id"`
	SequenceOrder int          `json:"sequence_order"`
	Description   string       `json:"description,omitempty"`
	Status        ResultStatus `json:"status"`
	Allowed       bool         `json:"allowed"`
	Message       string       `json:"message,omitempty"`
	Error         string       `json:"error,omitempty"`
	ErrorStage    string       `json:"error_stage,omitempty"`
}

// Decision 是一次触发点执行的最终结论。
type Decision struct {
	Allowed bool
	// Message 为否决脚本的提示，原样展示给顾客；允许时为空。
	Message string
	// VetoedBy 为否决脚本的 ID，允许时为 0。
	VetoedBy int64
	Results  []ScriptResult
	// Context 是所有脚本修改之后的上下文。
	Context *ExecutionContext
}

// ReducerOptions 控制折叠行为。
type ReducerOptions struct {
	Policy FailurePolicy
	// FailClosedMessage 在 FailClosed 策略下作为否决提示。
	FailClosedMessage string
}

// Reduce 按给定顺序执行脚本并折叠为一个决策：
// 第一个返回 allowed=false 的脚本否决整个操作，其后的脚本不再执行；
// 执行出错的脚本带错误标记写入结果，按 Policy 处理。
// 调用方负责传入已过滤、已排序的启用脚本。execCtx 不会被修改。
func Reduce(ctx context.Context, evaluator Evaluator, scripts []*LogicScript, execCtx *ExecutionContext, opts ReducerOptions) *Decision {
	decision := &Decision{Allowed: true, Results: []ScriptResult{}}
	if len(scripts) == 0 {
		decision.Context = execCtx
		return decision
	}

	working := execCtx.Clone()
	decision.Context = working

	for _, script := range scripts {
		result := ScriptResult{
			ScriptID:      script.ID,
			SequenceOrder: script.SequenceOrder,
			Description:   script.Description,
		}

		outcome, err := evaluateSafely(ctx, evaluator, script, working)
		if err == nil && len(outcome.Mutations) > 0 {
			if applyErr := working.Apply(outcome.Mutations); applyErr != nil {
				err = &EvaluationError{ScriptID: script.ID, Stage: StageResult, Err: applyErr}
			}
		}

		if err != nil {
			result.Status = StatusError
			result.Error = err.Error()
			result.ErrorStage = string(stageOf(err))
			if opts.Policy == FailClosed {
				result.Allowed = false
				decision.Results = append(decision.Results, result)
				decision.Allowed = false
				decision.Message = opts.FailClosedMessage
				decision.VetoedBy = script.ID
				return decision
			}
			result.Allowed = true
			decision.Results = append(decision.Results, result)
			continue
		}

		result.Allowed = outcome.Allowed
		result.Message = outcome.Message
		if outcome.Allowed {
			result.Status = StatusAllowed
			decision.Results = append(decision.Results, result)
			continue
		}

		result.Status = StatusDenied
		decision.Results = append(decision.Results, result)
		decision.Allowed = false
		decision.Message = outcome.Message
		decision.VetoedBy = script.ID
		return decision
	}
	return decision
}

// evaluateSafely 把 panic 和 nil 结果都转换为 EvaluationError。
func evaluateSafely(ctx context.Context, evaluator Evaluator, script *LogicScript, execCtx *ExecutionContext) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = &EvaluationError{ScriptID: script.ID, Stage: StageRuntime, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	outcome, err = evaluator.Evaluate(ctx, script, execCtx)
	if err != nil {
		var evalErr *EvaluationError
		if !errors.As(err, &evalErr) {
			err = &EvaluationError{ScriptID: script.ID, Stage: StageRuntime, Err: err}
		}
		return nil, err
	}
	if outcome == nil {
		return nil, &EvaluationError{ScriptID: script.ID, Stage: StageResult, Err: errors.New("evaluator returned no outcome")}
	}
	return outcome, nil
}

func stageOf(err error) EvaluationStage {
	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		return evalErr.Stage
	}
	return StageRuntime
}
