package adapter

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"storelogic/internal/pkg/httpclient"
	"storelogic/internal/service/logic/domain/port"
)

// nacosScheme 表示 endpoint 中的 host 是 Nacos 服务名，例如 nacos://script-generator/v1/generate
const nacosScheme = "nacos"

// Resolver 把服务名解析为 host:port。
type Resolver func(serviceName string) (string, error)

// GenerationHTTPAdapter 是 port.ScriptGenerator 接口的 HTTP 实现。
type GenerationHTTPAdapter struct {
	client   *httpclient.Client
	endpoint string
	timeout  time.Duration
	resolve  Resolver
}

// NewGenerationHTTPAdapter 创建适配器；resolve 只在 endpoint 使用 nacos:// 时需要。
func NewGenerationHTTPAdapter(client *httpclient.Client, endpoint string, timeout time.Duration, resolve Resolver) *GenerationHTTPAdapter {
	return &GenerationHTTPAdapter{client: client, endpoint: endpoint, timeout: timeout, resolve: resolve}
}

// Generate 实现了 port.ScriptGenerator 接口。
func (a *GenerationHTTPAdapter) Generate(ctx context.Context, req port.GenerationRequest) (*port.ScriptDraft, error) {
	if a.endpoint == "" {
		return nil, port.ErrGeneratorUnavailable
	}
	target, err := a.targetURL()
	if err != nil {
		return nil, err
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	var draft port.ScriptDraft
	if err := a.client.PostJSON(ctx, target, req, &draft); err != nil {
		return nil, fmt.Errorf("generate script: %w", err)
	}
	if strings.TrimSpace(draft.ScriptContent) == "" {
		return nil, fmt.Errorf("generate script: service returned empty script_content")
	}
	if draft.TriggerPoint == "" {
		draft.TriggerPoint = req.TriggerPoint
	}
	return &draft, nil
}

func (a *GenerationHTTPAdapter) targetURL() (string, error) {
	u, err := url.Parse(a.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse generator endpoint: %w", err)
	}
	if u.Scheme != nacosScheme {
		return a.endpoint, nil
	}
	if a.resolve == nil {
		return "", fmt.Errorf("generator endpoint %q needs service discovery, but nacos is not configured", a.endpoint)
	}
	hostPort, err := a.resolve(u.Host)
	if err != nil {
		return "", err
	}
	u.Scheme = "http"
	u.Host = hostPort
	return u.String(), nil
}
