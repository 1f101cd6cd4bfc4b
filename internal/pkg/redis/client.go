// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

// Client 封装 go-redis 客户端，并管理按名字注册的 Lua 脚本。
type Client struct {
	rdb     *goredis.Client
	mu      sync.RWMutex
	scripts map[string]*goredis.Script
}

// Options 是创建客户端所需的最少配置。
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient 创建客户端。不会主动 Ping，连接问题在首次调用时暴露。
func NewClient(opts Options) *Client {
	return Wrap(goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}))
}

// Wrap 包装一个已有的 go-redis 客户端。
func Wrap(rdb *goredis.Client) *Client {
	return &Client{rdb: rdb, scripts: make(map[string]*goredis.Script)}
}

// Ping 检查连通性。
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// LoadScriptFromContent 以名字注册一段 Lua 脚本。
func (c *Client) LoadScriptFromContent(name, content string) error {
	if name == "" || content == "" {
		return fmt.Errorf("redis script name and content must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[name] = goredis.NewScript(content)
	return nil
}

// RunScript 执行已注册的脚本 (EVALSHA，失败时回退到 EVAL)。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("redis script %q is not loaded", name)
	}
	return script.Run(ctx, c.rdb, keys, args...).Result()
}

// GetClient 暴露底层客户端，用于 pipeline 等高级操作。
func (c *Client) GetClient() *goredis.Client {
	return c.rdb
}

// Close 关闭连接池。
func (c *Client) Close() error {
	return c.rdb.Close()
}
