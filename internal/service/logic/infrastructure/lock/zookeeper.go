package lock

import (
	"context"
	"fmt"
	"net/url"

	"storelogic/internal/pkg/logger"
	"storelogic/internal/pkg/zookeeper"
	"storelogic/internal/service/logic/domain"
)

// ZookeeperLocker 使用临时顺序节点实现公平的分组锁。
type ZookeeperLocker struct {
	conn zookeeper.Conn
}

func NewZookeeperLocker(conn zookeeper.Conn) *ZookeeperLocker {
	return &ZookeeperLocker{conn: conn}
}

// Lock 实现了 port.GroupLocker 接口。
func (l *ZookeeperLocker) Lock(ctx context.Context, group domain.GroupKey) (func(), error) {
	resource := url.PathEscape("logic-" + group.DistributorID + "-" + string(group.TriggerPoint))
	dl, err := zookeeper.NewDistributedLock(l.conn, resource)
	if err != nil {
		return nil, err
	}
	if err := dl.Lock(ctx); err != nil {
		return nil, fmt.Errorf("lock group %s: %w", group, err)
	}
	return func() {
		if err := dl.Unlock(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("group", group.String()).Msg("Failed to release zookeeper lock")
		}
	}, nil
}
