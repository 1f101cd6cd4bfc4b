package port

import (
	"context"

	"storelogic/internal/service/logic/domain"
)

// GroupLocker 串行化同一分组上的管理操作 (创建时分配序号、重排)。
// 返回的 unlock 必须被调用。
type GroupLocker interface {
	Lock(ctx context.Context, group domain.GroupKey) (unlock func(), err error)
}
