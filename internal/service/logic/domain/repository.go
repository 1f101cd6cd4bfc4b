// internal/service/logic/domain/repository.go
package domain

import "context"

// ScriptRepository 定义了规则脚本的持久化接口。
// 所有方法都按租户隔离：其他租户的脚本一律表现为 NotFoundError。
type ScriptRepository interface {
	// Create 在事务内分配分组内的下一个序号 (max+1，空分组为 1) 并写入，回填 ID 与 SequenceOrder。
	Create(ctx context.Context, script *LogicScript) error

	Get(ctx context.Context, distributorID string, id int64) (*LogicScript, error)

	// List 返回租户的全部脚本，不保证顺序。
	List(ctx context.Context, distributorID string) ([]*LogicScript, error)

	// ListActive 返回分组内启用的脚本，按 SequenceOrder 升序。
	ListActive(ctx context.Context, group GroupKey) ([]*LogicScript, error)

	Update(ctx context.Context, distributorID string, id int64, patch ScriptPatch) (*LogicScript, error)

	// Delete 硬删除，不会重新编号兄弟脚本。
	Delete(ctx context.Context, distributorID string, id int64) error

	// Reorder 在一个事务内把分组重新编号为 1..n；校验失败时分组保持原样。
	Reorder(ctx context.Context, group GroupKey, orderedIDs []int64) ([]*LogicScript, error)
}
