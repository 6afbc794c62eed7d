package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 MNEE-Hub 守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Signer   SignerConfig   `json:"signer"`
	Policy   PolicyConfig   `json:"policy"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"task_queue"`
	Advisor  AdvisorConfig  `json:"advisor"`
	Provider ProviderConfig `json:"providers"`
	Verify   VerifyConfig   `json:"verify"`
	Log      LogConfig      `json:"log"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// LogConfig 控制结构化日志与审计日志的输出。
type LogConfig struct {
	Level   string         `json:"level"`
	Format  string         `json:"format"`
	Outputs []string       `json:"outputs"`
	Audit   AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志的落盘与轮转。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// ServerConfig 控制 REST API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// SignerConfig 描述访问隔离签名服务的方式。
// Mode 为 local 时签名器与 Hub 同进程运行（开发环境），
// 为 remote 时通过 HTTP 访问独立部署的 signerd。
type SignerConfig struct {
	Mode           string `json:"mode"`
	URL            string `json:"url"`
	ListenAddress  string `json:"listen_address"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	// Token 是 Hub 与签名服务之间的共享认证令牌。
	Token string `json:"token"`
	// PrivateKeyEnv 指定 local 模式下读取财库私钥的环境变量名。
	PrivateKeyEnv   string  `json:"private_key_env"`
	TreasuryDeposit float64 `json:"treasury_deposit"`
}

// PolicyConfig 指向 Agent 与 Service 的策略配置文件。
type PolicyConfig struct {
	AgentsPath   string `json:"agents_path"`
	ServicesPath string `json:"services_path"`
}

// StorageConfig 描述任务状态存储后端。
type StorageConfig struct {
	Driver  string `json:"driver"`
	DSN     string `json:"dsn"`
	Retries int    `json:"retries"`
}

// QueueConfig 描述任务队列后端。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AdvisorConfig 配置可插拔的 Planner/Guardian 顾问服务。
type AdvisorConfig struct {
	Provider  string `json:"provider"`
	APIKey    string `json:"api_key"`
	APIKeyEnv string `json:"api_key_env"`
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	// TimeoutSeconds 控制单次顾问调用的超时时间。
	TimeoutSeconds int `json:"timeout_seconds"`
}

// ProviderConfig 描述外部服务提供方的访问地址。
type ProviderConfig struct {
	ImageGenURL    string `json:"image_gen_url"`
	PriceOracleURL string `json:"price_oracle_url"`
	BatchURL       string `json:"batch_compute_url"`
	LogArchiveURL  string `json:"log_archive_url"`
	// VerifyNetworkURL 是外部验证网络的仲裁接口，为空时验证漏斗
	// 的网络层退化为启发式评分。
	VerifyNetworkURL string `json:"verify_network_url"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
}

// VerifyConfig 暴露验证漏斗的阈值。两个阈值来源于运行经验而非推导，
// 因此作为配置项而不是常量。
type VerifyConfig struct {
	PassThreshold     float64 `json:"pass_threshold"`
	EscalateThreshold float64 `json:"escalate_threshold"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// SignerTimeout 返回签名服务调用超时。
func (c *Config) SignerTimeout() time.Duration {
	if c.Signer.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Signer.TimeoutSeconds) * time.Second
}

// ProviderTimeout 返回工具提供方调用超时。
func (c *Config) ProviderTimeout() time.Duration {
	if c.Provider.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Signer.Mode == "" {
		c.Signer.Mode = "local"
	}
	if c.Signer.URL == "" {
		c.Signer.URL = "http://localhost:8100"
	}
	if c.Signer.ListenAddress == "" {
		c.Signer.ListenAddress = ":8100"
	}
	if c.Signer.PrivateKeyEnv == "" {
		c.Signer.PrivateKeyEnv = "TREASURY_PRIVATE_KEY"
	}
	if c.Signer.TreasuryDeposit <= 0 {
		c.Signer.TreasuryDeposit = 1000
	}

	if c.Policy.AgentsPath == "" {
		c.Policy.AgentsPath = filepath.Join(baseDir, "agents.yaml")
	} else if !filepath.IsAbs(c.Policy.AgentsPath) {
		c.Policy.AgentsPath = filepath.Join(baseDir, c.Policy.AgentsPath)
	}
	if c.Policy.ServicesPath == "" {
		c.Policy.ServicesPath = filepath.Join(baseDir, "services.yaml")
	} else if !filepath.IsAbs(c.Policy.ServicesPath) {
		c.Policy.ServicesPath = filepath.Join(baseDir, c.Policy.ServicesPath)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Retries <= 0 {
		c.Storage.Retries = 3
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Worker <= 0 {
		c.Queue.Worker = 4
	}

	if c.Verify.PassThreshold <= 0 {
		c.Verify.PassThreshold = 0.7
	}
	if c.Verify.EscalateThreshold <= 0 {
		c.Verify.EscalateThreshold = 0.3
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
