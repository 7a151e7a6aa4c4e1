package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ReliefChain/pkg/logger"
)

// Config 描述 reliefd 在启动阶段需要加载的运行时配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Logging      logger.Config      `json:"logging"`
	Bus          BusConfig          `json:"bus"`
	Storage      StorageConfig      `json:"storage"`
	Analyzer     AnalyzerConfig     `json:"analyzer"`
	Ledger       LedgerConfig       `json:"ledger"`
	Treasurer    TreasurerConfig    `json:"treasurer"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Alerting     AlertingConfig     `json:"alerting"`
	Pipeline     PipelineConfig     `json:"pipeline"`
	PolicyFile   string             `json:"policy_file"`
}

// ServerConfig 控制状态查询与控制命令的 HTTP 服务。
type ServerConfig struct {
	Address           string `json:"address"`
	DetectPerMinute   int    `json:"detect_per_minute"`
	FullTestPerMinute int    `json:"full_test_per_minute"`
}

// BusConfig 选择消息总线驱动。
type BusConfig struct {
	Driver                string         `json:"driver"`
	MaxRedeliveries       int            `json:"max_redeliveries"`
	RedeliveryDelayMillis int            `json:"redelivery_delay_ms"`
	RabbitMQ              RabbitMQConfig `json:"rabbitmq"`
	Redis                 RedisConfig    `json:"redis"`
	MQTT                  MQTTConfig     `json:"mqtt"`
}

// RedeliveryDelay 返回首次重投的等待时间。
func (c BusConfig) RedeliveryDelay() time.Duration {
	return time.Duration(c.RedeliveryDelayMillis) * time.Millisecond
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL            string `json:"url"`
	ExchangePrefix string `json:"exchange_prefix"`
}

// RedisConfig 描述 Redis 连接，总线与账户锁共用。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
	BlockWait int    `json:"block_wait_seconds"`
}

// MQTTConfig 描述 MQTT broker。
type MQTTConfig struct {
	Broker      string `json:"broker"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// StorageConfig 描述各代理私有记录的存储后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// BreakerConfig 是熔断器参数。
type BreakerConfig struct {
	ConsecutiveFailures int `json:"consecutive_failures"`
	OpenSeconds         int `json:"open_seconds"`
	IntervalSeconds     int `json:"interval_seconds"`
}

// AnalyzerConfig 描述外部图像分析能力。
type AnalyzerConfig struct {
	Driver         string        `json:"driver"`
	Endpoint       string        `json:"endpoint"`
	APIKeyEnv      string        `json:"api_key_env"`
	TimeoutSeconds int           `json:"timeout_seconds"`
	Retries        int           `json:"retries"`
	FixturesFile   string        `json:"fixtures_file"`
	Breaker        BreakerConfig `json:"breaker"`
}

// Timeout 返回单次分析调用的超时。
func (c AnalyzerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AccountConfig 描述一个发送账户，私钥从环境变量读取。
type AccountConfig struct {
	Name          string `json:"name"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// LedgerConfig 描述链上交互参数。
type LedgerConfig struct {
	ChainConfig         string          `json:"chain_config"`
	DefaultChain        string          `json:"default_chain"`
	RPCURL              string          `json:"rpc_url"`
	DisbursementAddress string          `json:"disbursement_address"`
	GasLimit            uint64          `json:"gas_limit"`
	Accounts            []AccountConfig `json:"accounts"`
	Breaker             BreakerConfig   `json:"breaker"`
}

// TreasurerConfig 控制交易状态机的重试与并发。
type TreasurerConfig struct {
	MaxAttempts           int    `json:"max_attempts"`
	BaseDelayMillis       int    `json:"base_delay_ms"`
	MaxDelayMillis        int    `json:"max_delay_ms"`
	GasBufferPercent      int    `json:"gas_buffer_percent"`
	PollIntervalMillis    int    `json:"poll_interval_ms"`
	ConfirmTimeoutSeconds int    `json:"confirm_timeout_seconds"`
	Confirmations         uint64 `json:"confirmations"`
	LockDriver            string `json:"lock_driver"`
	LockTTLSeconds        int    `json:"lock_ttl_seconds"`
	BalancePollSeconds    int    `json:"balance_poll_seconds"`
}

// OrchestratorConfig 控制心跳监督与重启预算。
type OrchestratorConfig struct {
	HeartbeatIntervalMillis int `json:"heartbeat_interval_ms"`
	HeartbeatTimeoutSeconds int `json:"heartbeat_timeout_seconds"`
	CheckIntervalMillis     int `json:"check_interval_ms"`
	MaxRestarts             int `json:"max_restarts"`
	RestartWindowSeconds    int `json:"restart_window_seconds"`
	StopGraceSeconds        int `json:"stop_grace_seconds"`
}

// AlertingConfig 描述告警出口。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// PipelineConfig 控制控制命令的等待时间。
type PipelineConfig struct {
	CommandTimeoutSeconds int `json:"command_timeout_seconds"`
	RecentFailures        int `json:"recent_failures"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.ApplyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults 在用户未填写部分字段时设置合理的默认值，相对路径以配置文件所在目录为基准。
func (c *Config) ApplyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.DetectPerMinute <= 0 {
		c.Server.DetectPerMinute = 10
	}
	if c.Server.FullTestPerMinute <= 0 {
		c.Server.FullTestPerMinute = 3
	}

	if c.Bus.Driver == "" {
		c.Bus.Driver = "memory"
	}
	if c.Bus.MaxRedeliveries <= 0 {
		c.Bus.MaxRedeliveries = 5
	}
	if c.Bus.RedeliveryDelayMillis <= 0 {
		c.Bus.RedeliveryDelayMillis = 200
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Analyzer.Driver == "" {
		c.Analyzer.Driver = "static"
	}
	if c.Analyzer.TimeoutSeconds <= 0 {
		c.Analyzer.TimeoutSeconds = 30
	}
	// 未填写时默认重试一次。
	if c.Analyzer.Retries == 0 {
		c.Analyzer.Retries = 1
	} else if c.Analyzer.Retries < 0 {
		c.Analyzer.Retries = 0
	}
	applyBreakerDefaults(&c.Analyzer.Breaker)
	c.Analyzer.FixturesFile = resolve(baseDir, c.Analyzer.FixturesFile)

	if c.Ledger.GasLimit == 0 {
		c.Ledger.GasLimit = 200_000
	}
	c.Ledger.ChainConfig = resolve(baseDir, c.Ledger.ChainConfig)
	applyBreakerDefaults(&c.Ledger.Breaker)

	t := &c.Treasurer
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 5
	}
	if t.BaseDelayMillis <= 0 {
		t.BaseDelayMillis = 500
	}
	if t.MaxDelayMillis <= 0 {
		t.MaxDelayMillis = 60_000
	}
	if t.GasBufferPercent <= 0 {
		t.GasBufferPercent = 10
	}
	if t.PollIntervalMillis <= 0 {
		t.PollIntervalMillis = 1000
	}
	if t.ConfirmTimeoutSeconds <= 0 {
		t.ConfirmTimeoutSeconds = 300
	}
	if t.Confirmations == 0 {
		t.Confirmations = 1
	}
	if t.LockDriver == "" {
		t.LockDriver = "local"
	}
	if t.LockTTLSeconds <= 0 {
		t.LockTTLSeconds = 600
	}
	if t.BalancePollSeconds <= 0 {
		t.BalancePollSeconds = 30
	}

	o := &c.Orchestrator
	if o.HeartbeatIntervalMillis <= 0 {
		o.HeartbeatIntervalMillis = 2000
	}
	if o.HeartbeatTimeoutSeconds <= 0 {
		o.HeartbeatTimeoutSeconds = 10
	}
	if o.CheckIntervalMillis <= 0 {
		o.CheckIntervalMillis = 1000
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 3
	}
	if o.RestartWindowSeconds <= 0 {
		o.RestartWindowSeconds = 300
	}
	if o.StopGraceSeconds <= 0 {
		o.StopGraceSeconds = 5
	}

	if c.Pipeline.CommandTimeoutSeconds <= 0 {
		c.Pipeline.CommandTimeoutSeconds = 300
	}
	if c.Pipeline.RecentFailures <= 0 {
		c.Pipeline.RecentFailures = 50
	}
	c.PolicyFile = resolve(baseDir, c.PolicyFile)
}

// Validate 检查驱动选择与必要字段。
func (c *Config) Validate() error {
	switch c.Bus.Driver {
	case "memory":
	case "rabbitmq":
		if c.Bus.RabbitMQ.URL == "" {
			return errors.New("bus.rabbitmq.url 不能为空")
		}
	case "redis":
		if c.Bus.Redis.Address == "" {
			return errors.New("bus.redis.address 不能为空")
		}
	case "mqtt":
		if c.Bus.MQTT.Broker == "" {
			return errors.New("bus.mqtt.broker 不能为空")
		}
	default:
		return fmt.Errorf("未知的总线驱动: %s", c.Bus.Driver)
	}
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn 不能为空")
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	switch c.Analyzer.Driver {
	case "static":
	case "http":
		if c.Analyzer.Endpoint == "" {
			return errors.New("analyzer.endpoint 不能为空")
		}
	default:
		return fmt.Errorf("未知的分析器驱动: %s", c.Analyzer.Driver)
	}
	switch c.Treasurer.LockDriver {
	case "local":
	case "redis":
		if c.Bus.Redis.Address == "" {
			return errors.New("redis 账户锁需要配置 bus.redis.address")
		}
	default:
		return fmt.Errorf("未知的账户锁驱动: %s", c.Treasurer.LockDriver)
	}
	if err := c.Treasurer.validateBackoff(); err != nil {
		return err
	}
	if len(c.Ledger.Accounts) == 0 {
		return errors.New("ledger.accounts 至少需要一个发送账户")
	}
	seen := make(map[string]struct{}, len(c.Ledger.Accounts))
	for _, a := range c.Ledger.Accounts {
		if a.Name == "" || a.PrivateKeyEnv == "" {
			return errors.New("ledger.accounts 需要 name 与 private_key_env")
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("重复的发送账户 %s", a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}

// HeartbeatInterval 等为毫秒/秒字段提供 time.Duration 视图。
func (o OrchestratorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(o.HeartbeatIntervalMillis) * time.Millisecond
}

func (o OrchestratorConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(o.HeartbeatTimeoutSeconds) * time.Second
}

func (o OrchestratorConfig) CheckInterval() time.Duration {
	return time.Duration(o.CheckIntervalMillis) * time.Millisecond
}

func (o OrchestratorConfig) RestartWindow() time.Duration {
	return time.Duration(o.RestartWindowSeconds) * time.Second
}

func (o OrchestratorConfig) StopGrace() time.Duration {
	return time.Duration(o.StopGraceSeconds) * time.Second
}

func (t TreasurerConfig) BaseDelay() time.Duration {
	return time.Duration(t.BaseDelayMillis) * time.Millisecond
}

func (t TreasurerConfig) MaxDelay() time.Duration {
	return time.Duration(t.MaxDelayMillis) * time.Millisecond
}

func (t TreasurerConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMillis) * time.Millisecond
}

func (t TreasurerConfig) ConfirmTimeout() time.Duration {
	return time.Duration(t.ConfirmTimeoutSeconds) * time.Second
}

// MaxAttemptsLimit 限制单笔交易的尝试次数，保证退避时长不溢出。
const MaxAttemptsLimit = 20

// LongestRetryDelay 返回最后一次重试前的等待时间 base×2^(max_attempts-2)。
func (t TreasurerConfig) LongestRetryDelay() time.Duration {
	if t.MaxAttempts < 2 {
		return 0
	}
	return t.BaseDelay() << (t.MaxAttempts - 2)
}

// validateBackoff 要求每次重试的等待都比上一次更长，max_delay 不能截平退避序列。
func (t TreasurerConfig) validateBackoff() error {
	if t.MaxAttempts > MaxAttemptsLimit {
		return fmt.Errorf("treasurer.max_attempts 不能超过 %d", MaxAttemptsLimit)
	}
	if longest := t.LongestRetryDelay(); longest > t.MaxDelay() {
		return fmt.Errorf("treasurer.max_delay_ms 必须不小于 %d（base_delay_ms×2^(max_attempts-2)）", longest.Milliseconds())
	}
	return nil
}

func (t TreasurerConfig) LockTTL() time.Duration {
	return time.Duration(t.LockTTLSeconds) * time.Second
}

func (t TreasurerConfig) BalancePoll() time.Duration {
	return time.Duration(t.BalancePollSeconds) * time.Second
}

func (p PipelineConfig) CommandTimeout() time.Duration {
	return time.Duration(p.CommandTimeoutSeconds) * time.Second
}

func applyBreakerDefaults(b *BreakerConfig) {
	if b.ConsecutiveFailures <= 0 {
		b.ConsecutiveFailures = 5
	}
	if b.OpenSeconds <= 0 {
		b.OpenSeconds = 30
	}
	if b.IntervalSeconds <= 0 {
		b.IntervalSeconds = 60
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
