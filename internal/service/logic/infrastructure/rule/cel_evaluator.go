package rule

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/ext"
	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/protobuf/types/known/structpb"

	"storelogic/internal/service/logic/domain"
	"storelogic/internal/service/logic/domain/port"
)

// 结果 map 中可以出现的键。
const (
	resultAllowed = "allowed"
	resultMessage = "message"
	resultSet     = "set"
)

var structValueType = reflect.TypeOf(&structpb.Value{})

// Options 控制脚本执行的资源上限。
type Options struct {
	// Timeout 是单个脚本的执行时间上限，0 表示不限制。
	Timeout time.Duration
	// CostLimit 是 CEL 的运行时成本上限，0 表示不限制。
	CostLimit uint64
	// CacheSize 是编译结果缓存的条目数。
	CacheSize int
}

// CELEvaluator 是 domain.Evaluator 的 CEL 实现。
// 脚本是一个 CEL 表达式，结果为 bool，或形如
// {"allowed": bool, "message": string, "set": {...}} 的 map。
type CELEvaluator struct {
	env      *cel.Env
	opts     Options
	programs *lru.Cache[string, cel.Program]
}

func NewCELEvaluator(opts Options) (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable(domain.SectionCustomer, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(domain.SectionCart, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(domain.SectionProducts, cel.ListType(cel.DynType)),
		cel.Variable(domain.SectionEvent, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("trigger", cel.StringType),
		cel.Variable("distributor_id", cel.StringType),
		// JSON 数字都是 double，允许与整数字面量直接比较
		cel.CrossTypeNumericComparisons(true),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	programs, err := lru.New[string, cel.Program](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &CELEvaluator{env: env, opts: opts, programs: programs}, nil
}

// Evaluate 实现了 domain.Evaluator 接口。
func (e *CELEvaluator) Evaluate(ctx context.Context, script *domain.LogicScript, execCtx *domain.ExecutionContext) (*domain.Outcome, error) {
	prg, err := e.program(script.ScriptContent)
	if err != nil {
		return nil, &domain.EvaluationError{ScriptID: script.ID, Stage: domain.StageCompile, Err: err}
	}

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	out, _, err := prg.ContextEval(ctx, execCtx.Activation())
	if err != nil {
		stage := domain.StageRuntime
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			stage = domain.StageTimeout
		}
		return nil, &domain.EvaluationError{ScriptID: script.ID, Stage: stage, Err: err}
	}

	native, err := out.ConvertToNative(structValueType)
	if err != nil {
		return nil, &domain.EvaluationError{ScriptID: script.ID, Stage: domain.StageResult, Err: err}
	}
	outcome, err := toOutcome(native.(*structpb.Value).AsInterface())
	if err != nil {
		return nil, &domain.EvaluationError{ScriptID: script.ID, Stage: domain.StageResult, Err: err}
	}
	return outcome, nil
}

// Check 实现了 port.ScriptValidator 接口。
func (e *CELEvaluator) Check(content string) []port.Issue {
	_, issues := e.compile(content)
	return issues
}

func (e *CELEvaluator) program(content string) (cel.Program, error) {
	key := cacheKey(content)
	if prg, ok := e.programs.Get(key); ok {
		return prg, nil
	}
	ast, issues := e.compile(content)
	if len(issues) > 0 {
		return nil, errors.New(issues[0].Message)
	}

	progOpts := []cel.ProgramOption{cel.EvalOptions(cel.OptOptimize)}
	if e.opts.CostLimit > 0 {
		progOpts = append(progOpts, cel.CostLimit(e.opts.CostLimit))
	}
	if e.opts.Timeout > 0 {
		progOpts = append(progOpts, cel.InterruptCheckFrequency(100))
	}
	prg, err := e.env.Program(ast, progOpts...)
	if err != nil {
		return nil, err
	}
	e.programs.Add(key, prg)
	return prg, nil
}

func (e *CELEvaluator) compile(content string) (*cel.Ast, []port.Issue) {
	ast, iss := e.env.Compile(content)
	if iss != nil && iss.Err() != nil {
		var issues []port.Issue
		for _, ce := range iss.Errors() {
			issues = append(issues, port.Issue{
				Message: ce.Message,
				Line:    ce.Location.Line(),
				Column:  ce.Location.Column() + 1,
			})
		}
		return nil, issues
	}
	switch ast.OutputType().Kind() {
	case types.BoolKind, types.MapKind, types.DynKind, types.AnyKind:
		return ast, nil
	}
	return nil, []port.Issue{{
		Message: fmt.Sprintf("script must evaluate to bool or map, got %s", ast.OutputType()),
	}}
}

func cacheKey(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func toOutcome(v any) (*domain.Outcome, error) {
	switch res := v.(type) {
	case bool:
		return &domain.Outcome{Allowed: res}, nil
	case map[string]any:
		outcome := &domain.Outcome{Allowed: true}
		for k, val := range res {
			switch k {
			case resultAllowed:
				b, ok := val.(bool)
				if !ok {
					return nil, fmt.Errorf("%q must be a bool, got %T", k, val)
				}
				outcome.Allowed = b
			case resultMessage:
				if val == nil {
					continue
				}
				s, ok := val.(string)
				if !ok {
					return nil, fmt.Errorf("%q must be a string, got %T", k, val)
				}
				outcome.Message = s
			case resultSet:
				m, ok := val.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%q must be a map, got %T", k, val)
				}
				outcome.Mutations = m
			default:
				return nil, fmt.Errorf("unknown result key %q", k)
			}
		}
		return outcome, nil
	default:
		return nil, fmt.Errorf("script must evaluate to bool or map, got %T", v)
	}
}
