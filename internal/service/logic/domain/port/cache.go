package port

import (
	"context"

	"storelogic/internal/service/logic/domain"
)

// ScriptCache 缓存每个分组的启用脚本列表。
// Get 未命中时返回 (nil, false, nil)；缓存故障不应阻断请求，由调用方降级为直接读库。
//
// 每个分组带一个代数 (generation)：回源前先读 Version，写回时用 Set 比较代数，
// Invalidate 递增代数。这样回源期间发生的修改不会被旧列表覆盖。
type ScriptCache interface {
	Get(ctx context.Context, group domain.GroupKey) ([]*domain.LogicScript, bool, error)
	Version(ctx context.Context, group domain.GroupKey) (int64, error)
	// Set 只在分组代数仍为 version 时写入，代数已变化时返回 (false, nil)。
	Set(ctx context.Context, group domain.GroupKey, version int64, scripts []*domain.LogicScript) (bool, error)
	Invalidate(ctx context.Context, group domain.GroupKey) error
}
