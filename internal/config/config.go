// Package config 服务配置：YAML文件 + GIFTDROP_ 环境变量覆盖
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	gifterrors "giftdrop/internal/errors"
	"giftdrop/internal/logging"
	"giftdrop/internal/output"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "GIFTDROP"

// Config 主配置
type Config struct {
	Calendar  *CalendarConfig    `mapstructure:"calendar"`
	Ledger    *LedgerConfig      `mapstructure:"ledger"`
	Scheduler *SchedulerConfig   `mapstructure:"scheduler"`
	Hourly    *HourlyConfig      `mapstructure:"hourly"`
	Gifts     *GiftsConfig       `mapstructure:"gifts"`
	Storage   *StorageConfig     `mapstructure:"storage"`
	Transfer  *TransferConfig    `mapstructure:"transfer"`
	Output    *output.Config     `mapstructure:"output"`
	Admin     *AdminConfig       `mapstructure:"admin"`
	Logging   *logging.LogConfig `mapstructure:"logging"`
}

// CalendarConfig 活动日历
type CalendarConfig struct {
	Start string `mapstructure:"start"` // RFC3339，第1天0点
}

// LedgerConfig 链上数据源配置
type LedgerConfig struct {
	Nodes            []*NodeConfig `mapstructure:"nodes"`
	TokenAddress     string        `mapstructure:"token_address"`
	PairAddress      string        `mapstructure:"pair_address"`
	StartBlock       uint64        `mapstructure:"start_block"`
	MaxLogRange      uint64        `mapstructure:"max_log_range"`
	Timeout          time.Duration `mapstructure:"timeout"`
	StrictValidation bool          `mapstructure:"strict_validation"` // 零金额转账也视为异常
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`
	RateLimit int    `mapstructure:"rate_limit"`
	Priority  int    `mapstructure:"priority"`
}

// SchedulerConfig 每日调度配置
type SchedulerConfig struct {
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	RunOffset     time.Duration `mapstructure:"run_offset"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PhaseTimeout  time.Duration `mapstructure:"phase_timeout"`
}

// HourlyConfig 小时分发配置
type HourlyConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// GiftsConfig 礼物规则与承诺文件
type GiftsConfig struct {
	SpecFile          string   `mapstructure:"spec_file"`
	PrivateArtifact   string   `mapstructure:"private_artifact"`
	PublicArtifact    string   `mapstructure:"public_artifact"`
	Exclusions        []string `mapstructure:"exclusions"`
	DistributablePool uint64   `mapstructure:"distributable_pool"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // bolt | postgres
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// TransferConfig 转账提案配置
type TransferConfig struct {
	OutboxDir    string `mapstructure:"outbox_dir"`
	MaxPerBatch  int    `mapstructure:"max_per_batch"`
	TokenAddress string `mapstructure:"token_address"`
	Budget       uint64 `mapstructure:"budget"`
}

// AdminConfig 管理接口配置
type AdminConfig struct {
	Port      int    `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// envKeys 可以只通过环境变量设置的键
var envKeys = []string{
	"calendar.start",
	"ledger.token_address",
	"ledger.pair_address",
	"ledger.strict_validation",
	"gifts.spec_file",
	"gifts.private_artifact",
	"gifts.public_artifact",
	"gifts.exclusions",
	"gifts.distributable_pool",
	"storage.driver",
	"storage.path",
	"storage.dsn",
	"transfer.outbox_dir",
	"transfer.token_address",
	"transfer.budget",
	"output.format",
	"admin.port",
	"admin.jwt_secret",
	"admin.issuer",
	"logging.level",
	"logging.output",
}

// LoadConfig 加载配置：默认值 < YAML文件 < 环境变量；path为空时只用默认值和环境变量
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("绑定环境变量 %s 失败: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := GetDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return cfg, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Calendar: &CalendarConfig{},
		Ledger: &LedgerConfig{
			Nodes: []*NodeConfig{
				{
					Name:      "local_node",
					URL:       "", // 需要在YAML配置或环境变量中指定
					RateLimit: 20,
					Priority:  1,
				},
			},
			MaxLogRange: 2000,
			Timeout:     30 * time.Second,
		},
		Scheduler: &SchedulerConfig{
			RetryAttempts: 3,
			RetryDelay:    5 * time.Minute,
			RunOffset:     5 * time.Minute,
			PollInterval:  time.Minute,
			PhaseTimeout:  30 * time.Second,
		},
		Hourly: &HourlyConfig{
			Enabled:      true,
			PollInterval: time.Minute,
		},
		Gifts: &GiftsConfig{
			SpecFile:        "./configs/gifts.yaml",
			PrivateArtifact: "./artifacts/commitment.private.json",
			PublicArtifact:  "./artifacts/commitment.public.json",
		},
		Storage: &StorageConfig{
			Driver: "bolt",
			Path:   "./data/giftdrop.db",
		},
		Transfer: &TransferConfig{
			OutboxDir:   "./outbox",
			MaxPerBatch: 100,
		},
		Output: &output.Config{
			Format:    "none",
			Directory: "./outputs",
			Kafka: output.KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics:  output.DefaultTopics(),
			},
		},
		Admin: &AdminConfig{
			Port:   8080,
			Issuer: "giftdrop",
		},
		Logging: logging.DefaultLogConfig(),
	}
}

// CalendarStart 解析活动开始时间
func (c *Config) CalendarStart() (time.Time, error) {
	if c.Calendar == nil || c.Calendar.Start == "" {
		return time.Time{}, gifterrors.Validationf("CONFIG_INVALID", "calendar.start 未配置")
	}
	start, err := time.Parse(time.RFC3339, c.Calendar.Start)
	if err != nil {
		return time.Time{}, gifterrors.Validationf("CONFIG_INVALID", "calendar.start 不是RFC3339时间: %v", err)
	}
	return start.UTC(), nil
}

// Validate 校验运行服务所需的配置
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := c.CalendarStart(); err != nil {
		add("%v", err)
	}

	if c.Ledger == nil || len(c.Ledger.Nodes) == 0 {
		add("ledger.nodes 至少需要一个节点")
	} else {
		for i, n := range c.Ledger.Nodes {
			if n == nil || n.Name == "" || n.URL == "" {
				add("ledger.nodes[%d] 需要name和url", i)
				continue
			}
			if n.RateLimit < 0 {
				add("ledger.nodes[%d].rate_limit 不能为负", i)
			}
		}
		if !common.IsHexAddress(c.Ledger.TokenAddress) {
			add("ledger.token_address 无效: %q", c.Ledger.TokenAddress)
		}
		if c.Ledger.PairAddress != "" && !common.IsHexAddress(c.Ledger.PairAddress) {
			add("ledger.pair_address 无效: %q", c.Ledger.PairAddress)
		}
	}

	if s := c.Scheduler; s == nil {
		add("scheduler 未配置")
	} else {
		if s.RetryAttempts < 1 {
			add("scheduler.retry_attempts 至少为1")
		}
		if s.PollInterval <= 0 || s.PhaseTimeout <= 0 {
			add("scheduler.poll_interval 和 phase_timeout 必须为正")
		}
		if s.RetryDelay < 0 || s.RunOffset < 0 {
			add("scheduler.retry_delay 和 run_offset 不能为负")
		}
	}

	if h := c.Hourly; h != nil && h.Enabled && h.PollInterval <= 0 {
		add("hourly.poll_interval 必须为正")
	}

	if g := c.Gifts; g == nil || g.PublicArtifact == "" {
		add("gifts.public_artifact 未配置")
	} else {
		for _, w := range g.Exclusions {
			if !common.IsHexAddress(w) {
				add("gifts.exclusions 含无效地址: %q", w)
			}
		}
	}

	if st := c.Storage; st == nil {
		add("storage 未配置")
	} else {
		switch st.Driver {
		case "", "bolt":
			if st.Path == "" {
				add("storage.path 未配置")
			}
		case "postgres":
			if st.DSN == "" {
				add("storage.dsn 未配置")
			}
		default:
			add("storage.driver 不支持: %s", st.Driver)
		}
	}

	if t := c.Transfer; t == nil {
		add("transfer 未配置")
	} else {
		if t.OutboxDir == "" {
			add("transfer.outbox_dir 未配置")
		}
		if t.MaxPerBatch <= 0 {
			add("transfer.max_per_batch 必须为正")
		}
		if t.TokenAddress != "" && !common.IsHexAddress(t.TokenAddress) {
			add("transfer.token_address 无效: %q", t.TokenAddress)
		}
	}

	if o := c.Output; o != nil {
		switch o.Format {
		case "", "none", "file":
		case "kafka":
			if len(o.Kafka.Brokers) == 0 {
				add("output.kafka.brokers 未配置")
			}
		default:
			add("output.format 不支持: %s", o.Format)
		}
	}

	if a := c.Admin; a != nil && (a.Port < 0 || a.Port > 65535) {
		add("admin.port 超出范围: %d", a.Port)
	}

	if len(problems) > 0 {
		return gifterrors.Validationf("CONFIG_INVALID", "配置无效: %s", strings.Join(problems, "; "))
	}
	return nil
}

// TransferToken 转账代币地址，未单独配置时与账本代币相同
func (c *Config) TransferToken() string {
	if c.Transfer != nil && c.Transfer.TokenAddress != "" {
		return c.Transfer.TokenAddress
	}
	if c.Ledger != nil {
		return c.Ledger.TokenAddress
	}
	return ""
}

// Exclusions 引擎排除名单：配置的地址加上交易对合约
func (c *Config) Exclusions() []string {
	var out []string
	if c.Gifts != nil {
		out = append(out, c.Gifts.Exclusions...)
	}
	if c.Ledger != nil && c.Ledger.PairAddress != "" {
		out = append(out, c.Ledger.PairAddress)
	}
	return out
}

// Redacted 隐藏密钥后的副本，用于展示
func (c *Config) Redacted() *Config {
	out := *c
	if c.Admin != nil {
		admin := *c.Admin
		if admin.JWTSecret != "" {
			admin.JWTSecret = "******"
		}
		out.Admin = &admin
	}
	if c.Storage != nil {
		storage := *c.Storage
		if storage.DSN != "" {
			storage.DSN = "******"
		}
		out.Storage = &storage
	}
	if c.Ledger != nil {
		ledger := *c.Ledger
		ledger.Nodes = make([]*NodeConfig, len(c.Ledger.Nodes))
		for i, n := range c.Ledger.Nodes {
			if n == nil {
				continue
			}
			node := *n
			node.URL = redactURL(node.URL)
			ledger.Nodes[i] = &node
		}
		out.Ledger = &ledger
	}
	return &out
}

// redactURL 节点URL常带API key，只保留scheme和host
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return "******"
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host + "/******"
}
