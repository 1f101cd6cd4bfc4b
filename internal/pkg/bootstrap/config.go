// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是所有服务共享的配置结构，对应 configs/config.yaml。
type Config struct {
	App   AppConfig   `yaml:"app"`
	Infra InfraConfig `yaml:"infra"`
}

type AppConfig struct {
	LogLevel  string          `yaml:"logLevel"`
	LogPretty bool            `yaml:"logPretty"`
	Logic     LogicConfig     `yaml:"logic"`
	Generator GeneratorConfig `yaml:"generator"`
}

// LogicConfig 控制规则脚本的执行行为。
type LogicConfig struct {
	// FailurePolicy 为 "fail_open" (默认) 或 "fail_closed"。
	FailurePolicy string `yaml:"failurePolicy"`
	// FailClosedMessage 是 fail_closed 模式下脚本出错时返回给顾客的提示。
	FailClosedMessage string        `yaml:"failClosedMessage"`
	ScriptTimeout     time.Duration `yaml:"scriptTimeout"`
	CostLimit         uint64        `yaml:"costLimit"`
	ProgramCacheSize  int           `yaml:"programCacheSize"`
}

type GeneratorConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

type InfraConfig struct {
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
	Lock      LockConfig      `yaml:"lock"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type DatabaseConfig struct {
	// Driver 为 "mysql" 或 "sqlite"
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	AutoMigrate     bool          `yaml:"autoMigrate"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	DecisionTopic string   `yaml:"decisionTopic"`
	ChangeTopic   string   `yaml:"changeTopic"`
	// ConsumerGroup 是审计网关消费者组的前缀，实际组 ID 按主题和实例区分
	ConsumerGroup string `yaml:"consumerGroup"`
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
}

type NacosConfig struct {
	ServerAddrs string `yaml:"serverAddrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
}

type LockConfig struct {
	// Backend 为 "local" (默认)、"redis" 或 "zookeeper"
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	Wait    time.Duration `yaml:"wait"`
}

var currentConfig atomic.Pointer[Config]

// GetCurrentConfig 返回当前生效的配置；Init 之前返回默认配置。
func GetCurrentConfig() *Config {
	if cfg := currentConfig.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

// SetCurrentConfig 替换当前配置（测试和热更新使用）。
func SetCurrentConfig(cfg *Config) {
	currentConfig.Store(cfg)
}

// DefaultConfig 返回本地开发可直接启动的默认值。
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			LogLevel: "info",
			Logic: LogicConfig{
				FailurePolicy:     "fail_open",
				FailClosedMessage: "This action is temporarily unavailable.",
				ScriptTimeout:     200 * time.Millisecond,
				CostLimit:         100000,
				ProgramCacheSize:  1024,
			},
			Generator: GeneratorConfig{Timeout: 30 * time.Second},
		},
		Infra: InfraConfig{
			Database: DatabaseConfig{
				Driver:          "mysql",
				Host:            "localhost",
				Port:            3306,
				User:            "root",
				Name:            "storefront",
				MaxOpenConns:    50,
				MaxIdleConns:    25,
				ConnMaxLifetime: 5 * time.Minute,
				AutoMigrate:     true,
			},
			Redis: RedisConfig{CacheTTL: 5 * time.Minute},
			Kafka: KafkaConfig{
				DecisionTopic: "logic-decisions",
				ChangeTopic:   "logic-script-changes",
				ConsumerGroup: "logic-audit-gateway",
			},
			Zookeeper: ZookeeperConfig{SessionTimeout: 10 * time.Second},
			Nacos:     NacosConfig{Group: "DEFAULT_GROUP"},
			Lock:      LockConfig{Backend: "local", TTL: 10 * time.Second, Wait: 3 * time.Second},
		},
	}
}

// LoadConfig 读取 YAML 文件 (不存在时使用默认值)，再应用环境变量覆盖。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.App.LogLevel = getEnv("LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.LogPretty = getEnvBool("LOG_PRETTY", cfg.App.LogPretty)
	cfg.App.Logic.FailurePolicy = getEnv("LOGIC_FAILURE_POLICY", cfg.App.Logic.FailurePolicy)
	cfg.App.Generator.Endpoint = getEnv("GENERATOR_ENDPOINT", cfg.App.Generator.Endpoint)

	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)

	db := &cfg.Infra.Database
	db.Driver = getEnv("DB_DRIVER", db.Driver)
	db.DSN = getEnv("DB_DSN", db.DSN)
	db.Host = getEnv("DB_HOST", db.Host)
	db.User = getEnv("DB_USER", db.User)
	db.Password = getEnv("DB_PASSWORD", db.Password)
	db.Name = getEnv("DB_NAME", db.Name)
	if v, ok := os.LookupEnv("DB_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DB_PORT %q: %w", v, err)
		}
		db.Port = port
	}

	cfg.Infra.Redis.Addr = getEnv("REDIS_ADDR", cfg.Infra.Redis.Addr)
	cfg.Infra.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Infra.Redis.Password)
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		cfg.Infra.Kafka.Brokers = splitList(v)
	}
	if v := getEnv("ZOOKEEPER_SERVERS", ""); v != "" {
		cfg.Infra.Zookeeper.Servers = splitList(v)
	}
	cfg.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", cfg.Infra.Nacos.ServerAddrs)
	cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
	cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
	cfg.Infra.Lock.Backend = getEnv("LOCK_BACKEND", cfg.Infra.Lock.Backend)
	return nil
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
