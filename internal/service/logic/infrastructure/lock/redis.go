package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"storelogic/internal/pkg/logger"
	"storelogic/internal/pkg/redis"
	"storelogic/internal/service/logic/domain"
)

const (
	unlockScriptName = "logic_group_unlock"
	// 只删除自己持有的锁
	unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`
	keyPrefix = "logic:lock:"
)

// RedisLocker 用 SET NX PX 实现跨实例的分组锁。
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) (*RedisLocker, error) {
	if err := client.LoadScriptFromContent(unlockScriptName, unlockScript); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait, retry: 20 * time.Millisecond}, nil
}

func lockKey(group domain.GroupKey) string {
	return keyPrefix + group.DistributorID + ":" + string(group.TriggerPoint)
}

// Lock 实现了 port.GroupLocker 接口。最多等待 wait，超时返回错误。
func (l *RedisLocker) Lock(ctx context.Context, group domain.GroupKey) (func(), error) {
	key := lockKey(group)
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.GetClient().SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire redis lock %s: %w", key, err)
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire redis lock %s: %w", key, ctx.Err())
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := l.client.RunScript(ctx, unlockScriptName, []string{key}, token); err != nil {
		// 锁会在 TTL 后自动过期
		logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("Failed to release redis lock")
	}
}
