// internal/service/logic/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation 匹配所有 *ValidationError，接口层映射为 400。
	ErrValidation = errors.New("validation failed")
	// ErrNotFound 匹配所有 *NotFoundError，接口层映射为 404。
	ErrNotFound = errors.New("logic script not found")
	// ErrEvaluation 匹配所有 *EvaluationError。它只出现在执行结果中，不会作为请求错误返回。
	ErrEvaluation = errors.New("logic script evaluation failed")
)

type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError 同时覆盖 "不存在" 与 "不属于该租户" 两种情况，避免泄露其他租户的数据。
type NotFoundError struct {
	DistributorID string
	ID            int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("logic script %d not found for distributor %q", e.ID, e.DistributorID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// EvaluationStage 标识脚本在哪个阶段失败。
type EvaluationStage string

const (
	StageCompile EvaluationStage = "compile"
	StageRuntime EvaluationStage = "runtime"
	StageResult  EvaluationStage = "result"
	StageTimeout EvaluationStage = "timeout"
)

type EvaluationError struct {
	ScriptID int64
	Stage    EvaluationStage
	Err      error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("script %d %s error: %v", e.ScriptID, e.Stage, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

func (e *EvaluationError) Is(target error) bool { return target == ErrEvaluation }
