package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Infra.Database.Driver)
	assert.Equal(t, "fail_open", cfg.App.Logic.FailurePolicy)
	assert.Equal(t, 200*time.Millisecond, cfg.App.Logic.ScriptTimeout)
	assert.Equal(t, "local", cfg.Infra.Lock.Backend)
	assert.Empty(t, cfg.Infra.Kafka.Brokers)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  logLevel: debug
  logic:
    failurePolicy: fail_closed
    scriptTimeout: 1s
infra:
  database:
    driver: sqlite
    dsn: file:logic.db
  kafka:
    brokers: ["k1:9092"]
`), 0o600))

	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("DB_PORT", "3307")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "fail_closed", cfg.App.Logic.FailurePolicy)
	assert.Equal(t, time.Second, cfg.App.Logic.ScriptTimeout)
	// 未在文件中出现的字段保留默认值
	assert.Equal(t, uint64(100000), cfg.App.Logic.CostLimit)
	assert.Equal(t, "sqlite", cfg.Infra.Database.Driver)
	assert.Equal(t, 3307, cfg.Infra.Database.Port)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Infra.Kafka.Brokers)
}

func TestLoadConfig_InvalidPort(t *testing.T) {
	t.Setenv("DB_PORT", "x")
	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestGetCurrentConfig_DefaultBeforeInit(t *testing.T) {
	assert.NotNil(t, GetCurrentConfig())

	cfg := DefaultConfig()
	cfg.App.LogLevel = "warn"
	SetCurrentConfig(cfg)
	assert.Equal(t, "warn", GetCurrentConfig().App.LogLevel)
}
