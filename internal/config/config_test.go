package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gifterrors "giftdrop/internal/errors"
	"giftdrop/internal/output"
	"giftdrop/pkg/models"
)

const token = "0x00000000000000000000000000000000000000aa"

func validConfig() *Config {
	cfg := GetDefaultConfig()
	cfg.Calendar.Start = "2026-12-01T00:00:00Z"
	cfg.Ledger.Nodes[0].URL = "https://mainnet.infura.io/v3/test-key"
	cfg.Ledger.TokenAddress = token
	return cfg
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "giftdrop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestGetDefaultConfig(t *testing.T) {
	config := GetDefaultConfig()

	assert.NotNil(t, config.Calendar)
	assert.NotNil(t, config.Ledger)
	assert.NotNil(t, config.Output)
	assert.NotNil(t, config.Logging)

	// 测试节点配置
	require.NotEmpty(t, config.Ledger.Nodes)
	firstNode := config.Ledger.Nodes[0]
	assert.Equal(t, "local_node", firstNode.Name)
	assert.Equal(t, "", firstNode.URL) // 默认为空，需要在YAML或环境变量中配置
	assert.Equal(t, 1, firstNode.Priority)

	// 测试调度配置
	assert.Equal(t, 3, config.Scheduler.RetryAttempts)
	assert.Equal(t, 5*time.Minute, config.Scheduler.RetryDelay)
	assert.Equal(t, 30*time.Second, config.Scheduler.PhaseTimeout)

	// 测试输出配置
	assert.Equal(t, "none", config.Output.Format)
	assert.Equal(t, []string{"localhost:9092"}, config.Output.Kafka.Brokers)
	assert.Equal(t, "giftdrop_hourly_results", config.Output.Kafka.Topics[output.TopicKey(models.EventHourDistributed)])

	// 测试日志配置
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
	assert.Equal(t, "stdout", config.Logging.Output)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := writeYAML(t, `
calendar:
  start: "2026-12-01T00:00:00Z"
ledger:
  token_address: "0x00000000000000000000000000000000000000aa"
  timeout: 10s
  nodes:
    - name: primary
      url: https://rpc.example.org
      rate_limit: 5
      priority: 1
    - name: backup
      url: https://backup.example.org
      priority: 2
scheduler:
  retry_attempts: 5
  retry_delay: 1m
gifts:
  exclusions:
    - "0x00000000000000000000000000000000000000bb"
  distributable_pool: 4000000000
storage:
  driver: postgres
  dsn: postgres://localhost/giftdrop
output:
  format: kafka
  kafka:
    topics:
      day_completed: custom_days
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Ledger.Nodes, 2)
	assert.Equal(t, "primary", cfg.Ledger.Nodes[0].Name)
	assert.Equal(t, 5, cfg.Ledger.Nodes[0].RateLimit)
	assert.Equal(t, "backup", cfg.Ledger.Nodes[1].Name)
	assert.Equal(t, 10*time.Second, cfg.Ledger.Timeout)
	assert.Equal(t, 5, cfg.Scheduler.RetryAttempts)
	assert.Equal(t, time.Minute, cfg.Scheduler.RetryDelay)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.RunOffset, "未配置的键保留默认值")
	assert.Equal(t, uint64(4000000000), cfg.Gifts.DistributablePool)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "custom_days", cfg.Output.Kafka.Topics["day_completed"])
	assert.Equal(t, "giftdrop_hourly_results", cfg.Output.Kafka.Topics["hour_distributed"])

	require.NoError(t, cfg.Validate())
	start, err := cfg.CalendarStart()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), start)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("GIFTDROP_ADMIN_JWT_SECRET", "s3cret")
	t.Setenv("GIFTDROP_STORAGE_PATH", "/var/lib/giftdrop/state.db")
	t.Setenv("GIFTDROP_GIFTS_DISTRIBUTABLE_POOL", "1234")
	t.Setenv("GIFTDROP_SCHEDULER_RETRY_ATTEMPTS", "7")

	path := writeYAML(t, "scheduler:\n  retry_attempts: 2\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Admin.JWTSecret)
	assert.Equal(t, "/var/lib/giftdrop/state.db", cfg.Storage.Path)
	assert.Equal(t, uint64(1234), cfg.Gifts.DistributablePool)
	assert.Equal(t, 7, cfg.Scheduler.RetryAttempts, "文件中出现的键也可被环境变量覆盖")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{name: "valid", mutate: func(*Config) {}, valid: true},
		{name: "missing start", mutate: func(c *Config) { c.Calendar.Start = "" }},
		{name: "bad start", mutate: func(c *Config) { c.Calendar.Start = "2026-12-01" }},
		{name: "node without url", mutate: func(c *Config) { c.Ledger.Nodes[0].URL = "" }},
		{name: "negative rate limit", mutate: func(c *Config) { c.Ledger.Nodes[0].RateLimit = -1 }},
		{name: "bad token", mutate: func(c *Config) { c.Ledger.TokenAddress = "0x12" }},
		{name: "zero attempts", mutate: func(c *Config) { c.Scheduler.RetryAttempts = 0 }},
		{name: "bad exclusion", mutate: func(c *Config) { c.Gifts.Exclusions = []string{"alice"} }},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "sqlite" }},
		{name: "zero batch size", mutate: func(c *Config) { c.Transfer.MaxPerBatch = 0 }},
		{name: "unknown output", mutate: func(c *Config) { c.Output.Format = "kafka_async" }},
		{name: "kafka without brokers", mutate: func(c *Config) {
			c.Output.Format = "kafka"
			c.Output.Kafka.Brokers = nil
		}},
		{name: "port out of range", mutate: func(c *Config) { c.Admin.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, gifterrors.IsKind(err, gifterrors.KindValidation))
		})
	}
}

func TestTransferToken(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, token, cfg.TransferToken())

	cfg.Transfer.TokenAddress = "0x00000000000000000000000000000000000000cc"
	assert.Equal(t, "0x00000000000000000000000000000000000000cc", cfg.TransferToken())
}

func TestExclusions_IncludePair(t *testing.T) {
	cfg := validConfig()
	cfg.Gifts.Exclusions = []string{"0xTreasury"}
	cfg.Ledger.PairAddress = ""
	assert.Equal(t, []string{"0xTreasury"}, cfg.Exclusions())

	cfg.Ledger.PairAddress = "0x00000000000000000000000000000000000000bb"
	assert.Equal(t, []string{"0xTreasury", "0x00000000000000000000000000000000000000bb"}, cfg.Exclusions())
}

func TestRedacted(t *testing.T) {
	cfg := validConfig()
	cfg.Admin.JWTSecret = "s3cret"
	cfg.Storage.DSN = "postgres://user:pass@db/giftdrop"

	red := cfg.Redacted()
	assert.Equal(t, "******", red.Admin.JWTSecret)
	assert.Equal(t, "******", red.Storage.DSN)
	assert.Equal(t, "https://mainnet.infura.io/******", red.Ledger.Nodes[0].URL)

	// 原配置不变
	assert.Equal(t, "s3cret", cfg.Admin.JWTSecret)
	assert.Equal(t, "https://mainnet.infura.io/v3/test-key", cfg.Ledger.Nodes[0].URL)
}

func BenchmarkGetDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = GetDefaultConfig()
	}
}
