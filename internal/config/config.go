package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"job-agent-go/internal/constants"
	"job-agent-go/internal/logger"
)

// MySQLConfig MySQL配置结构
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	// 连接池设置
	MaxIdleConns int `yaml:"max_idle_conns"`
	MaxOpenConns int `yaml:"max_open_conns"`
	// 连接生命周期
	ConnMaxLifetimeMinutes int `yaml:"conn_max_lifetime_minutes"`
	ConnMaxIdleTimeMinutes int `yaml:"conn_max_idle_time_minutes"`
	// 超时设置
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds   int `yaml:"write_timeout_seconds"`
	// GORM日志级别(1=Silent 2=Error 3=Warn 4=Info)
	LogLevel int `yaml:"log_level"`
}

// RedisConfig Redis配置结构
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// 连接池设置
	PoolSize     int `yaml:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns"`
	// 超时设置
	DialTimeoutSeconds  int `yaml:"dial_timeout_seconds"`
	ReadTimeoutSeconds  int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
	// 评估结果热缓存TTL(分钟)，0表示使用默认值
	ResultCacheTTLMinutes int `yaml:"result_cache_ttl_minutes"`
}

// RabbitMQConfig RabbitMQ配置结构，URL为空时摄取队列被禁用，仅保留HTTP摄取入口
type RabbitMQConfig struct {
	URL           string `yaml:"url"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// MinIOConfig MinIO对象存储配置，Endpoint为空时关闭原始批次归档
type MinIOConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyID"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	UseSSL          bool   `yaml:"useSSL"`
	Location        string `yaml:"location"`
	// RawBucket 原始岗位批次归档桶(bronze层)
	RawBucket string `yaml:"rawBucket"`
	// ResumeBucket 上传简历原始文件桶
	ResumeBucket string `yaml:"resumeBucket"`
	// 原始批次过期天数，0表示不过期
	RawExpireDays int `yaml:"raw_expire_days"`
}

// ServerConfig HTTP服务器配置
type ServerConfig struct {
	Address string `yaml:"address"` // 例如 ":8080"
	// APIKey 非空时启用keyauth中间件
	APIKey string `yaml:"api_key"`
}

// IngestConfig 摄取与去重管线配置
type IngestConfig struct {
	// FingerprintPrefixLen 参与指纹的描述前缀长度。过短会把共享样板开头的
	// 不同岗位误合并，按误合并率调参后再固化
	FingerprintPrefixLen int `yaml:"fingerprint_prefix_len"`
	// MinDescriptionLen 描述最短长度，低于该值按抓取残片拒绝
	MinDescriptionLen int `yaml:"min_description_len"`
	// ArchiveAfterDays 岗位多少天未再被抓取命中后归档
	ArchiveAfterDays int `yaml:"archive_after_days"`
}

// EvaluatorConfig 外部评估能力配置
type EvaluatorConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// Version 评估能力版本号，参与EvaluationKey，升级后旧缓存自然失效
	Version string `yaml:"version"`
	// TimeoutSeconds 单次评估调用超时(秒)
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// QPM 令牌桶限流：每分钟允许的评估调用数
	QPM int `yaml:"qpm"`
}

// SchedulerConfig 批量评估任务调度配置
type SchedulerConfig struct {
	DefaultConcurrency int `yaml:"default_concurrency"`
	MaxConcurrency     int `yaml:"max_concurrency"`
}

// TracingConfig OpenTelemetry配置，Endpoint为空时不导出
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"` // OTLP gRPC端点，如 localhost:4317
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Config 应用程序配置
type Config struct {
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Server    ServerConfig    `yaml:"server"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Logger    logger.Config   `yaml:"logger"`
}

// LoadConfig 从YAML文件加载配置，文件不存在时返回默认配置。
// 敏感字段允许用环境变量覆盖，避免把密钥写进配置文件。
func LoadConfig(configPath string) (*Config, error) {
	cfg := createDefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides 环境变量覆盖敏感配置
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EVALUATOR_API_KEY"); v != "" {
		cfg.Evaluator.APIKey = v
	}
	if v := os.Getenv("MYSQL_PASSWORD"); v != "" {
		cfg.MySQL.Password = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretAccessKey = v
	}
	if v := os.Getenv("SERVER_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
}

func (c *Config) validate() error {
	if c.Ingest.FingerprintPrefixLen <= 0 {
		return fmt.Errorf("ingest.fingerprint_prefix_len 必须为正数")
	}
	if c.Ingest.MinDescriptionLen < 0 {
		return fmt.Errorf("ingest.min_description_len 不能为负数")
	}
	if c.Scheduler.MaxConcurrency < c.Scheduler.DefaultConcurrency {
		return fmt.Errorf("scheduler.max_concurrency 不能小于 default_concurrency")
	}
	if c.Evaluator.Version == "" {
		return fmt.Errorf("evaluator.version 不能为空")
	}
	return nil
}

// createDefaultConfig 返回带合理默认值的配置
func createDefaultConfig() *Config {
	return &Config{
		MySQL: MySQLConfig{
			Host:                   "localhost",
			Port:                   3306,
			Username:               "root",
			Database:               "job_agent",
			MaxIdleConns:           10,
			MaxOpenConns:           50,
			ConnMaxLifetimeMinutes: 60,
			ConnMaxIdleTimeMinutes: 10,
			ConnectTimeoutSeconds:  10,
			ReadTimeoutSeconds:     30,
			WriteTimeoutSeconds:    30,
			LogLevel:               3,
		},
		Redis: RedisConfig{
			PoolSize:            10,
			MinIdleConns:        2,
			DialTimeoutSeconds:  5,
			ReadTimeoutSeconds:  3,
			WriteTimeoutSeconds: 3,
		},
		RabbitMQ: RabbitMQConfig{
			PrefetchCount: 10,
		},
		MinIO: MinIOConfig{
			RawBucket:    "job-raw-batches",
			ResumeBucket: "resume-files",
		},
		Server: ServerConfig{
			Address: ":8080",
		},
		Ingest: IngestConfig{
			FingerprintPrefixLen: constants.DefaultFingerprintPrefixLen,
			MinDescriptionLen:    constants.DefaultMinDescriptionLen,
			ArchiveAfterDays:     int(constants.DefaultArchiveAfter / (24 * time.Hour)),
		},
		Evaluator: EvaluatorConfig{
			Model:          "qwen-plus",
			Version:        "v1",
			TimeoutSeconds: int(constants.DefaultEvaluateTimeout / time.Second),
			QPM:            30,
		},
		Scheduler: SchedulerConfig{
			DefaultConcurrency: constants.DefaultBatchConcurrency,
			MaxConcurrency:     constants.MaxBatchConcurrency,
		},
		Tracing: TracingConfig{
			ServiceName: "job-agent-go",
			SampleRatio: 0.1,
		},
		Logger: logger.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// EvaluateTimeout 返回评估调用超时
func (c *Config) EvaluateTimeout() time.Duration {
	if c.Evaluator.TimeoutSeconds <= 0 {
		return constants.DefaultEvaluateTimeout
	}
	return time.Duration(c.Evaluator.TimeoutSeconds) * time.Second
}

// ArchiveAfter 返回岗位归档时间窗
func (c *Config) ArchiveAfter() time.Duration {
	if c.Ingest.ArchiveAfterDays <= 0 {
		return constants.DefaultArchiveAfter
	}
	return time.Duration(c.Ingest.ArchiveAfterDays) * 24 * time.Hour
}

// ResultCacheTTL 返回评估结果热缓存TTL
func (r *RedisConfig) ResultCacheTTL() time.Duration {
	if r.ResultCacheTTLMinutes <= 0 {
		return constants.DefaultResultCacheTTL
	}
	return time.Duration(r.ResultCacheTTLMinutes) * time.Minute
}

// DialTimeout 返回Redis连接超时
func (r *RedisConfig) DialTimeout() time.Duration {
	if r.DialTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.DialTimeoutSeconds) * time.Second
}

// ReadTimeout 返回Redis读超时
func (r *RedisConfig) ReadTimeout() time.Duration {
	if r.ReadTimeoutSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(r.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout 返回Redis写超时
func (r *RedisConfig) WriteTimeout() time.Duration {
	if r.WriteTimeoutSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(r.WriteTimeoutSeconds) * time.Second
}
