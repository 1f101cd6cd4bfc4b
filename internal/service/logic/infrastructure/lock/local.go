package lock

import (
	"context"
	"fmt"
	"sync"

	"storelogic/internal/service/logic/domain"
)

// LocalLocker 是单实例部署使用的进程内分组锁。
// 分组条目按引用计数管理，最后一个持有者或等待者离开时删除。
type LocalLocker struct {
	mu    sync.Mutex
	slots map[domain.GroupKey]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[domain.GroupKey]*slot)}
}

func (l *LocalLocker) acquire(group domain.GroupKey) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[group]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[group] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) release(group domain.GroupKey, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, group)
	}
}

// Lock 实现了 port.GroupLocker 接口。
func (l *LocalLocker) Lock(ctx context.Context, group domain.GroupKey) (func(), error) {
	s := l.acquire(group)
	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(group, s)
			})
		}, nil
	case <-ctx.Done():
		l.release(group, s)
		return nil, fmt.Errorf("lock group %s: %w", group, ctx.Err())
	}
}

// size 返回当前仍在使用的分组数。
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
