package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"storelogic/internal/pkg/logger"
	"storelogic/internal/service/logic/application"
	"storelogic/internal/service/logic/domain"
	"storelogic/internal/service/logic/domain/port"
)

const (
	// TenantHeader 是传递租户 ID 的请求头。优先级：query 参数 distributor_id、请求头、请求体。
	TenantHeader = "X-Distributor-ID"
	maxBodyBytes = 1 << 20
)

// LogicScriptHandler 封装了规则脚本服务的 HTTP 处理器
type LogicScriptHandler struct {
	service *application.LogicScriptService
}

// NewLogicScriptHandler 创建一个新的 HTTP 处理器实例
func NewLogicScriptHandler(service *application.LogicScriptService) *LogicScriptHandler {
	return &LogicScriptHandler{service: service}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *LogicScriptHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /logic-scripts", h.handleCreate)
	mux.HandleFunc("GET /logic-scripts", h.handleList)
	mux.HandleFunc("GET /logic-scripts/{id}", h.handleGet)
	mux.HandleFunc("PUT /logic-scripts/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /logic-scripts/{id}", h.handleDelete)
	mux.HandleFunc("PUT /logic-scripts/reorder", h.handleReorder)
	mux.HandleFunc("POST /logic-scripts/validate", h.handleValidate)
	mux.HandleFunc("POST /logic-scripts/generate", h.handleGenerate)
	mux.HandleFunc("POST /execute-logic-scripts", h.handleExecute)
}

func (h *LogicScriptHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	var req application.CreateScriptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.DistributorID = resolveTenant(r, req.DistributorID)

	resp, err := h.service.Create(ctx, &req)
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *LogicScriptHandler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	resp, err := h.service.List(ctx, tenantOf(r), r.URL.Query().Get("trigger_point"))
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *LogicScriptHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	id, ok := pathID(w, r)
	if !ok {
		return
	}
	resp, err := h.service.Get(ctx, tenantOf(r), id)
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *LogicScriptHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req application.UpdateScriptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.service.Update(ctx, tenantOf(r), id, &req)
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *LogicScriptHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(ctx, tenantOf(r), id); err != nil {
		writeError(ctx, w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *LogicScriptHandler) handleReorder(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	var req application.ReorderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.DistributorID = resolveTenant(r, req.DistributorID)
	resp, err := h.service.Reorder(ctx, &req)
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *LogicScriptHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	var req application.ValidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.service.Validate(ctx, &req)
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *LogicScriptHandler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	var req application.GenerateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.DistributorID = resolveTenant(r, req.DistributorID)
	resp, err := h.service.Generate(ctx, &req)
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *LogicScriptHandler) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	var req application.ExecuteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.DistributorID = resolveTenant(r, req.DistributorID)
	resp, err := h.service.Execute(ctx, &req)
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func extract(r *http.Request) context.Context {
	return otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
}

func tenantOf(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("distributor_id")); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(TenantHeader))
}

// resolveTenant 按 query、请求头、请求体的顺序确定租户。
func resolveTenant(r *http.Request, fromBody string) string {
	if id := tenantOf(r); id != "" {
		return id
	}
	return strings.TrimSpace(fromBody)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid script id"})
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid request body: " + err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeError 根据错误类型返回不同的 HTTP 状态码，ctx 应为 extract 之后的上下文
func writeError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: err.Error()}
	var statusCode int
	switch {
	case errors.Is(err, domain.ErrValidation):
		statusCode = http.StatusBadRequest
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			body.Field = ve.Field
		}
	case errors.Is(err, domain.ErrNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, port.ErrGeneratorUnavailable):
		statusCode = http.StatusServiceUnavailable
	default:
		// 存储等基础设施故障不重试，直接交给调用方
		statusCode = http.StatusInternalServerError
		logger.Ctx(ctx).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		body.Error = "internal error"
	}
	writeJSON(w, statusCode, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
