package interfaces

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace/noop"

	"storelogic/internal/pkg/logger"
	"storelogic/internal/service/logic/application"
	"storelogic/internal/service/logic/domain"
	"storelogic/internal/service/logic/infrastructure"
	"storelogic/internal/service/logic/infrastructure/adapter"
	"storelogic/internal/service/logic/infrastructure/lock"
	"storelogic/internal/service/logic/infrastructure/rule"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := infrastructure.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := infrastructure.NewSQLiteScriptRepository(db)
	require.NoError(t, repo.Migrate(context.Background()))

	cel, err := rule.NewCELEvaluator(rule.Options{})
	require.NoError(t, err)

	svc := application.NewLogicScriptService(application.Dependencies{
		Repo:      repo,
		Evaluator: cel,
		Validator: cel,
		Locker:    lock.NewLocalLocker(),
		Events:    adapter.NoopEventPublisher{},
		Tracer:    noop.NewTracerProvider().Tracer("test"),
		Metrics:   application.NewMetrics(prometheus.NewRegistry()),
		Reducer:   domain.ReducerOptions{Policy: domain.FailOpen},
	})

	mux := http.NewServeMux()
	NewLogicScriptHandler(svc).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any, header ...string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		var raw any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		if m, ok := raw.(map[string]any); ok {
			out = m
		} else {
			out = map[string]any{"items": raw}
		}
	}
	return resp, out
}

func createScript(t *testing.T, base, trigger, content string) int64 {
	t.Helper()
	resp, body := do(t, http.MethodPost, base+"/logic-scripts", map[string]any{
		"distributor_id": "t1",
		"trigger_point":  trigger,
		"description":    "test",
		"script_content": content,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return int64(body["id"].(float64))
}

func TestHandler_CreateAndExecuteScenario(t *testing.T) {
	srv := newTestServer(t)

	createScript(t, srv.URL, "add_to_cart", "true")
	veto := createScript(t, srv.URL, "add_to_cart", `customer.on_hold ? {"allowed": false, "message": "Customer on hold"} : true`)
	createScript(t, srv.URL, "add_to_cart", "true")

	payload := map[string]any{
		"distributor_id": "t1",
		"trigger_point":  "add_to_cart",
		"context": map[string]any{
			"customer":  map[string]any{"on_hold": true},
			"cart":      map[string]any{"items": []any{}, "subtotal": 0, "total": 0},
			"addedItem": map[string]any{"sku": "A"},
		},
	}
	resp, body := do(t, http.MethodPost, srv.URL+"/execute-logic-scripts", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "Customer on hold", body["message"])
	assert.Len(t, body["results"], 2)
	assert.NotEmpty(t, body["decision_id"])

	// 停用否决脚本后再次执行
	resp, _ = do(t, http.MethodPut, fmt.Sprintf("%s/logic-scripts/%d?distributor_id=t1", srv.URL, veto), map[string]any{"active": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/execute-logic-scripts", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["allowed"])
	assert.NotContains(t, body, "message")
	assert.Len(t, body["results"], 2)
}

func TestHandler_CreateValidation(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/logic-scripts", map[string]any{
		"distributor_id": "t1",
		"trigger_point":  "checkout",
		"script_content": "true",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "trigger_point", body["field"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/logic-scripts", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_TenantFromHeaderAndNotFound(t *testing.T) {
	srv := newTestServer(t)
	id := createScript(t, srv.URL, "submit", "true")

	resp, body := do(t, http.MethodGet, fmt.Sprintf("%s/logic-scripts/%d", srv.URL, id), nil, TenantHeader, "t1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "submit", body["trigger_point"])

	resp, _ = do(t, http.MethodGet, fmt.Sprintf("%s/logic-scripts/%d", srv.URL, id), nil, TenantHeader, "t2")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, fmt.Sprintf("%s/logic-scripts/%d?distributor_id=t2", srv.URL, id), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/logic-scripts/abc?distributor_id=t1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/logic-scripts", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, fmt.Sprintf("%s/logic-scripts/%d?distributor_id=t1", srv.URL, id), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHandler_ListAndReorder(t *testing.T) {
	srv := newTestServer(t)
	a := createScript(t, srv.URL, "submit", "true")
	b := createScript(t, srv.URL, "submit", "true")
	createScript(t, srv.URL, "storefront_load", "true")

	resp, body := do(t, http.MethodGet, srv.URL+"/logic-scripts?distributor_id=t1&trigger_point=submit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 2)

	resp, body = do(t, http.MethodPut, srv.URL+"/logic-scripts/reorder", map[string]any{
		"distributor_id": "t1",
		"scripts": []map[string]any{
			{"id": a, "sequence_order": 2},
			{"id": b, "sequence_order": 1},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, float64(b), items[0].(map[string]any)["id"])

	resp, _ = do(t, http.MethodPut, srv.URL+"/logic-scripts/reorder", map[string]any{
		"distributor_id": "t1",
		"scripts":        []map[string]any{{"id": a, "sequence_order": 1}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_ValidateAndGenerate(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/logic-scripts/validate", map[string]any{"script_content": "cart.total >"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["valid"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/logic-scripts/generate", map[string]any{"distributor_id": "t1", "prompt": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandler_TenantQueryWinsOverBody(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/logic-scripts?distributor_id=t1", map[string]any{
		"distributor_id": "t2",
		"trigger_point":  "submit",
		"script_content": "true",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "t1", body["distributor_id"])

	resp, body = do(t, http.MethodPost, srv.URL+"/logic-scripts", map[string]any{
		"distributor_id": "t2",
		"trigger_point":  "submit",
		"script_content": "true",
	}, TenantHeader, "t3")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "t3", body["distributor_id"])

	resp, body = do(t, http.MethodPost, srv.URL+"/logic-scripts", map[string]any{
		"distributor_id": "t2",
		"trigger_point":  "submit",
		"script_content": "true",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "t2", body["distributor_id"])
}

func TestWriteError_LogsUpstreamTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	var buf bytes.Buffer
	logger.Setup(&buf, "info", false)
	t.Cleanup(func() { logger.Setup(os.Stdout, "info", false) })

	req := httptest.NewRequest(http.MethodGet, "/logic-scripts?distributor_id=t1", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()

	writeError(extract(req), rec, req, errors.New("connection reset"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
	assert.Contains(t, buf.String(), `"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736"`)
	assert.Contains(t, buf.String(), "connection reset")
}
