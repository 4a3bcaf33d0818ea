package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"Oracle-Delphi/pkg/logger"
)

const (
	// DefaultPath 是未设置 ORACLE_CONFIG 时读取的配置文件。
	DefaultPath = "configs/oracle.json"
	// DefaultAPIKeyEnv 是默认读取 API Key 的环境变量。
	DefaultAPIKeyEnv = "GROQ_API_KEY"
)

// Config 描述了神谕服务在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	LLM          LLMConfig          `json:"llm" yaml:"llm"`
	Ritual       RitualConfig       `json:"ritual" yaml:"ritual"`
	Memory       MemoryConfig       `json:"memory" yaml:"memory"`
	Consultation ConsultationConfig `json:"consultation" yaml:"consultation"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
	Runtime      RuntimeConfig      `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string   `json:"address" yaml:"address"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider    string   `json:"provider" yaml:"provider"`
	APIKey      string   `json:"api_key" yaml:"api_key"`
	APIKeyEnv   string   `json:"api_key_env" yaml:"api_key_env"`
	BaseURL     string   `json:"base_url" yaml:"base_url"`
	Model       string   `json:"model" yaml:"model"`
	Temperature float64  `json:"temperature" yaml:"temperature"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
}

// RitualConfig 控制仪式节奏与会话状态机。
type RitualConfig struct {
	ContemplationMin Duration `json:"contemplation_min" yaml:"contemplation_min"`
	ContemplationMax Duration `json:"contemplation_max" yaml:"contemplation_max"`
	CompleteToIdle   Duration `json:"complete_to_idle" yaml:"complete_to_idle"`
	LLMTimeout       Duration `json:"llm_timeout" yaml:"llm_timeout"`
	HistoryLimit     int      `json:"history_limit" yaml:"history_limit"`
	SettleInterval   Duration `json:"settle_interval" yaml:"settle_interval"`
}

// MemoryConfig 选择对话记忆的存储后端。
type MemoryConfig struct {
	Driver       string   `json:"driver" yaml:"driver"`
	HistoryDepth int      `json:"history_depth" yaml:"history_depth"`
	MaxPerThread int      `json:"max_per_thread" yaml:"max_per_thread"`
	KeyPrefix    string   `json:"key_prefix" yaml:"key_prefix"`
	TTL          Duration `json:"ttl" yaml:"ttl"`
}

// ConsultationConfig 控制异步问询的存储、队列与工作协程。
type ConsultationConfig struct {
	Enabled    bool           `json:"enabled" yaml:"enabled"`
	Store      string         `json:"store" yaml:"store"`
	Queue      string         `json:"queue" yaml:"queue"`
	Workers    int            `json:"workers" yaml:"workers"`
	MaxRetries int            `json:"max_retries" yaml:"max_retries"`
	QueueSize  int            `json:"queue_size" yaml:"queue_size"`
	RedisQueue string         `json:"redis_queue" yaml:"redis_queue"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`

	// FallbackReply 非空时，最终失败的问询以该回复降级完成。
	FallbackReply string `json:"fallback_reply" yaml:"fallback_reply"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	MySQL MySQLConfig `json:"mysql" yaml:"mysql"`
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string   `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `json:"auto_migrate" yaml:"auto_migrate"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	AddSource   bool        `json:"add_source" yaml:"add_source"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制仪式审计日志。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// MetricsConfig 控制 Prometheus 指标暴露方式，Address 为空时挂在 API 路由上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load 解析指定路径的配置文件，按扩展名选择 JSON 或 YAML。
// 文件不存在时返回默认配置，环境变量覆盖在默认值之前生效。
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

// LoadFromEnv 读取 ORACLE_CONFIG 指向的配置文件。
func LoadFromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv("ORACLE_CONFIG"))
	if path == "" {
		path = DefaultPath
	}
	return Load(path)
}

func load(path string, getenv func(string) string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	cfg := defaults()
	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	default:
		if err := decode(path, content, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv(getenv)
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("解析配置失败: %w", err)
		}
	}
	return nil
}

// applyEnv 使用环境变量覆盖关键字段。
func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("ORACLE_ADDR")); v != "" {
		c.Server.Address = v
	}
	if v := strings.TrimSpace(getenv("ORACLE_LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
	envName := strings.TrimSpace(c.LLM.APIKeyEnv)
	if envName == "" {
		envName = DefaultAPIKeyEnv
	}
	if v := strings.TrimSpace(getenv(envName)); v != "" {
		c.LLM.APIKey = v
	}
}

// defaults 返回解码前的基础配置，文件中显式写出的零值会覆盖这些默认值。
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ReadTimeout:     seconds(15),
			WriteTimeout:    seconds(60),
			ShutdownTimeout: seconds(10),
		},
		LLM: LLMConfig{
			Temperature: 0.7,
			Timeout:     seconds(60),
		},
		Ritual: RitualConfig{
			ContemplationMin: Duration{1500 * time.Millisecond},
			ContemplationMax: seconds(4),
			CompleteToIdle:   seconds(2),
			LLMTimeout:       seconds(30),
			HistoryLimit:     256,
			SettleInterval:   Duration{500 * time.Millisecond},
		},
		Memory: MemoryConfig{HistoryDepth: 20},
		Consultation: ConsultationConfig{
			Enabled:    true,
			MaxRetries: 3,
		},
		Storage: StorageConfig{
			MySQL: MySQLConfig{ConnMaxLifetime: Duration{10 * time.Minute}},
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// applyDefaults 补齐空字符串与无意义的非正数，并解析相对路径。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8000"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "groq"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = DefaultAPIKeyEnv
	}
	if c.LLM.Temperature < 0 {
		c.LLM.Temperature = 0.7
	}

	// 负的时长归零，0 保留各自的语义（不限制或不等待）。
	clampDuration(&c.Ritual.ContemplationMin)
	clampDuration(&c.Ritual.ContemplationMax)
	clampDuration(&c.Ritual.CompleteToIdle)
	clampDuration(&c.Ritual.LLMTimeout)
	if c.Ritual.HistoryLimit < 0 {
		c.Ritual.HistoryLimit = 256
	}
	if c.Ritual.SettleInterval.Duration <= 0 {
		c.Ritual.SettleInterval = Duration{500 * time.Millisecond}
	}

	if c.Memory.Driver == "" {
		c.Memory.Driver = "memory"
	}
	if c.Memory.HistoryDepth < 0 {
		c.Memory.HistoryDepth = 20
	}
	if c.Memory.MaxPerThread < 0 {
		c.Memory.MaxPerThread = 0
	}
	if c.Memory.KeyPrefix == "" {
		c.Memory.KeyPrefix = "oracle:thread:"
	}

	if c.Consultation.Store == "" {
		c.Consultation.Store = "memory"
	}
	if c.Consultation.Queue == "" {
		c.Consultation.Queue = "memory"
	}
	if c.Consultation.Workers <= 0 {
		c.Consultation.Workers = 4
	}
	if c.Consultation.MaxRetries < 0 {
		c.Consultation.MaxRetries = 3
	}
	if c.Consultation.QueueSize <= 0 {
		c.Consultation.QueueSize = 256
	}
	if c.Consultation.RedisQueue == "" {
		c.Consultation.RedisQueue = "oracle:consultations"
	}
	if c.Consultation.RabbitMQ.Queue == "" {
		c.Consultation.RabbitMQ.Queue = "oracle.consultations"
	}

	if c.Storage.MySQL.MaxOpenConns <= 0 {
		c.Storage.MySQL.MaxOpenConns = 20
	}
	if c.Storage.MySQL.MaxIdleConns <= 0 {
		c.Storage.MySQL.MaxIdleConns = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// Validate 检查驱动名称与依赖的连接参数。
func (c *Config) Validate() error {
	var errs []error
	if c.Ritual.ContemplationMax.Duration < c.Ritual.ContemplationMin.Duration {
		errs = append(errs, errors.New("ritual.contemplation_max 不能小于 contemplation_min"))
	}
	switch c.Memory.Driver {
	case "memory":
	case "redis":
		if c.Storage.Redis.Address == "" {
			errs = append(errs, errors.New("memory.driver=redis 需要 storage.redis.address"))
		}
	case "mysql":
		if c.Storage.MySQL.DSN == "" {
			errs = append(errs, errors.New("memory.driver=mysql 需要 storage.mysql.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 memory.driver: %s", c.Memory.Driver))
	}
	switch c.Consultation.Store {
	case "memory":
	case "mysql":
		if c.Storage.MySQL.DSN == "" {
			errs = append(errs, errors.New("consultation.store=mysql 需要 storage.mysql.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 consultation.store: %s", c.Consultation.Store))
	}
	switch c.Consultation.Queue {
	case "memory":
	case "redis":
		if c.Storage.Redis.Address == "" {
			errs = append(errs, errors.New("consultation.queue=redis 需要 storage.redis.address"))
		}
	case "rabbitmq":
		if c.Consultation.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("consultation.queue=rabbitmq 需要 consultation.rabbitmq.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 consultation.queue: %s", c.Consultation.Queue))
	}
	return errors.Join(errs...)
}

// LoggerConfig 转换为 pkg/logger 的配置。
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:       c.Logging.Level,
		Format:      c.Logging.Format,
		OutputPaths: append([]string(nil), c.Logging.OutputPaths...),
		AddSource:   c.Logging.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    c.Logging.Audit.Enabled,
			Path:       c.Logging.Audit.Path,
			MaxSizeMB:  c.Logging.Audit.MaxSizeMB,
			MaxBackups: c.Logging.Audit.MaxBackups,
			MaxAgeDays: c.Logging.Audit.MaxAgeDays,
		},
	}
}

// NeedsMySQL 表示是否有组件使用 MySQL。
func (c *Config) NeedsMySQL() bool {
	return c.Memory.Driver == "mysql" || (c.Consultation.Enabled && c.Consultation.Store == "mysql")
}

// NeedsRedis 表示是否有组件使用 Redis。
func (c *Config) NeedsRedis() bool {
	return c.Memory.Driver == "redis" || (c.Consultation.Enabled && c.Consultation.Queue == "redis")
}
