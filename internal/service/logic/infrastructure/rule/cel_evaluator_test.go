package rule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storelogic/internal/service/logic/domain"
)

func newEvaluator(t *testing.T, opts Options) *CELEvaluator {
	t.Helper()
	ev, err := NewCELEvaluator(opts)
	require.NoError(t, err)
	return ev
}

func execCtx(t *testing.T) *domain.ExecutionContext {
	t.Helper()
	ec, err := domain.BuildContext("t1", domain.TriggerAddToCart, domain.ContextInput{
		Customer: map[string]any{"on_hold": true, "tier": "gold"},
		Cart:     map[string]any{"total": 120.5, "items": []any{map[string]any{"sku": "A", "qty": 2.0}}},
		Products: []any{map[string]any{"sku": "A", "price": 60.25}},
		Extensions: map[string]any{
			"addedItem": map[string]any{"sku": "A"},
		},
	})
	require.NoError(t, err)
	return ec
}

func script(content string) *domain.LogicScript {
	return &domain.LogicScript{ID: 9, DistributorID: "t1", TriggerPoint: domain.TriggerAddToCart, ScriptContent: content}
}

func TestCELEvaluator_Results(t *testing.T) {
	ev := newEvaluator(t, Options{Timeout: time.Second, CostLimit: 10000})

	tests := []struct {
		name      string
		content   string
		allowed   bool
		message   string
		mutations bool
	}{
		{name: "bool true", content: `cart.total < 1000`, allowed: true},
		{name: "bool false", content: `customer.on_hold == false`, allowed: false},
		{name: "veto map", content: `customer.on_hold ? {"allowed": false, "message": "Customer on hold"} : {"allowed": true}`, allowed: false, message: "Customer on hold"},
		{name: "allowed defaults to true", content: `{"message": "ok"}`, allowed: true, message: "ok"},
		{name: "int vs double", content: `cart.total > 100`, allowed: true},
		{name: "event and trigger", content: `trigger == "add_to_cart" && event.addedItem.sku == "A" && distributor_id == "t1"`, allowed: true},
		{name: "products", content: `products.exists(p, p.price > 50.0)`, allowed: true},
		{name: "set", content: `{"set": {"cart": {"surcharge": 5}}}`, allowed: true, mutations: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ev.Evaluate(context.Background(), script(tt.content), execCtx(t))
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, out.Allowed)
			assert.Equal(t, tt.message, out.Message)
			assert.Equal(t, tt.mutations, out.Mutations != nil)
		})
	}
}

func TestCELEvaluator_SetIsNative(t *testing.T) {
	ev := newEvaluator(t, Options{})
	out, err := ev.Evaluate(context.Background(), script(`{"set": {"cart": {"surcharge": 5, "note": "x"}}}`), execCtx(t))
	require.NoError(t, err)

	cart, ok := out.Mutations["cart"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(5), cart["surcharge"])
	assert.Equal(t, "x", cart["note"])
}

func TestCELEvaluator_Errors(t *testing.T) {
	ev := newEvaluator(t, Options{})

	tests := []struct {
		name    string
		content string
		stage   domain.EvaluationStage
	}{
		{name: "syntax", content: `cart.total >`, stage: domain.StageCompile},
		{name: "undeclared", content: `order.total > 1`, stage: domain.StageCompile},
		{name: "wrong output type", content: `"yes"`, stage: domain.StageCompile},
		{name: "missing key", content: `customer.credit_limit > 10`, stage: domain.StageRuntime},
		{name: "bad allowed", content: `{"allowed": "no"}`, stage: domain.StageResult},
		{name: "unknown key", content: `{"allow": false}`, stage: domain.StageResult},
		{name: "dyn non bool", content: `customer.tier`, stage: domain.StageResult},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ev.Evaluate(context.Background(), script(tt.content), execCtx(t))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrEvaluation)

			var evalErr *domain.EvaluationError
			require.True(t, errors.As(err, &evalErr))
			assert.Equal(t, tt.stage, evalErr.Stage)
			assert.Equal(t, int64(9), evalErr.ScriptID)
		})
	}
}

func TestCELEvaluator_CostLimit(t *testing.T) {
	ev := newEvaluator(t, Options{CostLimit: 10})
	ec := execCtx(t)
	ec.Products = make([]any, 500)
	for i := range ec.Products {
		ec.Products[i] = map[string]any{"price": float64(i)}
	}

	_, err := ev.Evaluate(context.Background(), script(`products.all(p, products.all(q, p.price >= 0.0))`), ec)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEvaluation)
}

func TestCELEvaluator_Timeout(t *testing.T) {
	ev := newEvaluator(t, Options{Timeout: time.Nanosecond})
	ec := execCtx(t)
	ec.Products = make([]any, 2000)
	for i := range ec.Products {
		ec.Products[i] = float64(i)
	}
	slow := &domain.LogicScript{ID: 1, ScriptContent: `products.all(p, products.all(q, p + q >= 0.0))`, SequenceOrder: 1}
	fast := &domain.LogicScript{ID: 2, ScriptContent: `true`, SequenceOrder: 2}

	start := time.Now()
	_, err := ev.Evaluate(context.Background(), slow, ec)
	require.Error(t, err)
	var evalErr *domain.EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, domain.StageTimeout, evalErr.Stage)
	assert.Less(t, time.Since(start), 2*time.Second)

	// 超时按 fail-open 记入结果，不影响后续脚本
	decision := domain.Reduce(context.Background(), newEvaluator(t, Options{Timeout: time.Nanosecond}),
		[]*domain.LogicScript{slow, fast}, ec, domain.ReducerOptions{Policy: domain.FailOpen})
	assert.True(t, decision.Allowed)
	require.Len(t, decision.Results, 2)
	assert.Equal(t, domain.StatusError, decision.Results[0].Status)
	assert.Equal(t, string(domain.StageTimeout), decision.Results[0].ErrorStage)
	assert.True(t, decision.Results[0].Allowed)
	assert.Equal(t, domain.StatusAllowed, decision.Results[1].Status)
}

func TestCELEvaluator_CachesPrograms(t *testing.T) {
	ev := newEvaluator(t, Options{CacheSize: 2})

	_, err := ev.Evaluate(context.Background(), script(`true`), execCtx(t))
	require.NoError(t, err)
	_, err = ev.Evaluate(context.Background(), script(`true`), execCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, ev.programs.Len())

	// 编译失败的脚本不进入缓存
	_, err = ev.Evaluate(context.Background(), script(`nope(`), execCtx(t))
	require.Error(t, err)
	assert.Equal(t, 1, ev.programs.Len())
}

func TestCELEvaluator_Check(t *testing.T) {
	ev := newEvaluator(t, Options{})

	assert.Empty(t, ev.Check(`cart.total > 100`))

	issues := ev.Check(`cart.total >`)
	require.NotEmpty(t, issues)
	assert.Equal(t, 1, issues[0].Line)
	assert.NotEmpty(t, issues[0].Message)

	issues = ev.Check(`1 + 2`)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "bool or map")
}

func TestCELEvaluator_DoesNotMutateContext(t *testing.T) {
	ev := newEvaluator(t, Options{})
	ec := execCtx(t)

	_, err := ev.Evaluate(context.Background(), script(`{"set": {"cart": {"total": 0}}}`), ec)
	require.NoError(t, err)
	assert.Equal(t, 120.5, ec.Cart["total"])
}
