package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"storelogic/internal/pkg/redis"
	"storelogic/internal/service/logic/domain"
)

const (
	keyPrefix     = "logic:scripts:"
	versionPrefix = "logic:scripts-gen:"

	setScriptName        = "logic_cache_set"
	invalidateScriptName = "logic_cache_invalidate"
)

// 代数一致时才写入列表。代数键不存在视为 0。
const setScript = `
local v = redis.call("GET", KEYS[1])
if (v or "0") ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1`

// 递增代数并删除列表，两步在同一个脚本里完成。
const invalidateScript = `
redis.call("INCR", KEYS[1])
redis.call("DEL", KEYS[2])
return 1`

// cachedScript 是缓存中的序列化格式，与领域模型解耦。
type cachedScript struct {
	ID            int64     `json:"id"`
	DistributorID string    `json:"distributor_id"`
	TriggerPoint  string    `json:"trigger_point"`
	Description   string    `json:"description"`
	ScriptContent string    `json:"script_content"`
	SequenceOrder int       `json:"sequence_order"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RedisScriptCache 把每个分组的启用脚本列表缓存为一个 JSON 字符串。
type RedisScriptCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisScriptCache(client *redis.Client, ttl time.Duration) (*RedisScriptCache, error) {
	if err := client.LoadScriptFromContent(setScriptName, setScript); err != nil {
		return nil, err
	}
	if err := client.LoadScriptFromContent(invalidateScriptName, invalidateScript); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisScriptCache{client: client, ttl: ttl}, nil
}

func Key(group domain.GroupKey) string {
	return keyPrefix + group.DistributorID + ":" + string(group.TriggerPoint)
}

// VersionKey 是分组代数所在的键，不设过期时间。
func VersionKey(group domain.GroupKey) string {
	return versionPrefix + group.DistributorID + ":" + string(group.TriggerPoint)
}

func (c *RedisScriptCache) Get(ctx context.Context, group domain.GroupKey) ([]*domain.LogicScript, bool, error) {
	raw, err := c.client.GetClient().Get(ctx, Key(group)).Bytes()
	if err != nil {
		if stderrors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "redis get")
	}
	scripts, err := decode(raw)
	if err != nil {
		return nil, false, err
	}
	return scripts, true, nil
}

func (c *RedisScriptCache) Version(ctx context.Context, group domain.GroupKey) (int64, error) {
	v, err := c.client.GetClient().Get(ctx, VersionKey(group)).Int64()
	if err != nil {
		if stderrors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "redis get version")
	}
	return v, nil
}

func (c *RedisScriptCache) Set(ctx context.Context, group domain.GroupKey, version int64, scripts []*domain.LogicScript) (bool, error) {
	raw, err := encode(scripts)
	if err != nil {
		return false, err
	}
	res, err := c.client.RunScript(ctx, setScriptName,
		[]string{VersionKey(group), Key(group)},
		strconv.FormatInt(version, 10), raw, c.ttl.Milliseconds())
	if err != nil {
		return false, errors.Wrap(err, "redis set")
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (c *RedisScriptCache) Invalidate(ctx context.Context, group domain.GroupKey) error {
	_, err := c.client.RunScript(ctx, invalidateScriptName, []string{VersionKey(group), Key(group)})
	return errors.Wrap(err, "redis invalidate")
}

func encode(scripts []*domain.LogicScript) ([]byte, error) {
	out := make([]cachedScript, len(scripts))
	for i, s := range scripts {
		out[i] = cachedScript{
			ID:            s.ID,
			DistributorID: s.DistributorID,
			TriggerPoint:  string(s.TriggerPoint),
			Description:   s.Description,
			ScriptContent: s.ScriptContent,
			SequenceOrder: s.SequenceOrder,
			Active:        s.Active,
			CreatedAt:     s.CreatedAt,
			UpdatedAt:     s.UpdatedAt,
		}
	}
	raw, err := json.Marshal(out)
	return raw, errors.Wrap(err, "encode cached scripts")
}

func decode(raw []byte) ([]*domain.LogicScript, error) {
	var in []cachedScript
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errors.Wrap(err, "decode cached scripts")
	}
	out := make([]*domain.LogicScript, len(in))
	for i, s := range in {
		out[i] = &domain.LogicScript{
			ID:            s.ID,
			DistributorID: s.DistributorID,
			TriggerPoint:  domain.TriggerPoint(s.TriggerPoint),
			Description:   s.Description,
			ScriptContent: s.ScriptContent,
			SequenceOrder: s.SequenceOrder,
			Active:        s.Active,
			CreatedAt:     s.CreatedAt,
			UpdatedAt:     s.UpdatedAt,
		}
	}
	return out, nil
}
