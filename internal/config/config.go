package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"

	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
	"github.com/tierstore/tierstore/pkg/utils"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "TIERSTORE_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global    GlobalConfig    `yaml:"global" envPrefix:"GLOBAL_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Codec     CodecConfig     `yaml:"codec" envPrefix:"CODEC_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Remote    RemoteConfig    `yaml:"remote" envPrefix:"REMOTE_"`
	Chunking  ChunkingConfig  `yaml:"chunking" envPrefix:"CHUNKING_"`
	Sync      SyncConfig      `yaml:"sync" envPrefix:"SYNC_"`
	Memory    MemoryConfig    `yaml:"memory" envPrefix:"MEMORY_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
	Benchmark BenchmarkConfig `yaml:"benchmark" envPrefix:"BENCHMARK_"`
	API       APIConfig       `yaml:"api" envPrefix:"API_"`
	Tracing   TracingConfig   `yaml:"tracing" envPrefix:"TRACING_"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel         string        `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat        string        `yaml:"log_format" env:"LOG_FORMAT"`
	DefaultTier      string        `yaml:"default_tier" env:"DEFAULT_TIER"`
	OperationTimeout time.Duration `yaml:"operation_timeout" env:"OPERATION_TIMEOUT"`
}

// StorageConfig configures the durable-local tier
type StorageConfig struct {
	LocalPath string `yaml:"local_path" env:"LOCAL_PATH"`
}

// CodecConfig is the process-wide encode policy
type CodecConfig struct {
	Encrypt     bool   `yaml:"encrypt" env:"ENCRYPT"`
	Compress    bool   `yaml:"compress" env:"COMPRESS"`
	Compression string `yaml:"compression" env:"COMPRESSION"`
	Passphrase  string `yaml:"passphrase" env:"PASSPHRASE"`
	Salt        string `yaml:"salt" env:"SALT"`
}

// CacheConfig configures the in-memory tier
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries" env:"MAX_ENTRIES"`
	MaxSize    string        `yaml:"max_size" env:"MAX_SIZE"`
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
}

// RemoteConfig configures the remote tier and its transport
type RemoteConfig struct {
	Backend        string               `yaml:"backend" env:"BACKEND"`
	Timeout        time.Duration        `yaml:"timeout" env:"TIMEOUT"`
	S3             S3Config             `yaml:"s3" envPrefix:"S3_"`
	Retry          RetryConfig          `yaml:"retry" envPrefix:"RETRY_"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"BREAKER_"`
}

// S3Config represents the S3 transport settings
type S3Config struct {
	Bucket             string `yaml:"bucket" env:"BUCKET"`
	Region             string `yaml:"region" env:"REGION"`
	Endpoint           string `yaml:"endpoint" env:"ENDPOINT"`
	Prefix             string `yaml:"prefix" env:"PREFIX"`
	AccessKeyID        string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey    string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	ForcePathStyle     bool   `yaml:"force_path_style" env:"FORCE_PATH_STYLE"`
	PoolSize           int    `yaml:"pool_size" env:"POOL_SIZE"`
	MultipartThreshold string `yaml:"multipart_threshold" env:"MULTIPART_THRESHOLD"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ChunkingConfig configures large payload handling
type ChunkingConfig struct {
	Threshold string `yaml:"threshold" env:"THRESHOLD"`
	ChunkSize string `yaml:"chunk_size" env:"CHUNK_SIZE"`
	Compress  bool   `yaml:"compress" env:"COMPRESS"`
}

// SyncConfig configures the change queue flush
type SyncConfig struct {
	Enabled    bool          `yaml:"enabled" env:"ENABLED"`
	Interval   time.Duration `yaml:"interval" env:"INTERVAL"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
}

// MemoryConfig configures the memory monitor and cleanup thresholds
type MemoryConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	SampleInterval   time.Duration `yaml:"sample_interval" env:"SAMPLE_INTERVAL"`
	MaxSamples       int           `yaml:"max_samples" env:"MAX_SAMPLES"`
	TrendWindow      int           `yaml:"trend_window" env:"TREND_WINDOW"`
	LeakThreshold    float64       `yaml:"leak_threshold" env:"LEAK_THRESHOLD"`
	HighUsage        string        `yaml:"high_usage" env:"HIGH_USAGE"`
	HighUsagePercent float64       `yaml:"high_usage_percent" env:"HIGH_USAGE_PERCENT"`
	WarningThreshold string        `yaml:"warning_threshold" env:"WARNING_THRESHOLD"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled    bool          `yaml:"enabled" env:"ENABLED"`
	Window     time.Duration `yaml:"window" env:"WINDOW"`
	MaxRecords int           `yaml:"max_records" env:"MAX_RECORDS"`
	Namespace  string        `yaml:"namespace" env:"NAMESPACE"`
}

// BenchmarkConfig controls the startup benchmark
type BenchmarkConfig struct {
	RunOnStartup bool `yaml:"run_on_startup" env:"RUN_ON_STARTUP"`
	Iterations   int  `yaml:"iterations" env:"ITERATIONS"`
	DataSize     int  `yaml:"data_size" env:"DATA_SIZE"`
	Concurrency  int  `yaml:"concurrency" env:"CONCURRENCY"`
}

// APIConfig configures the HTTP surface
type APIConfig struct {
	Address       string        `yaml:"address" env:"ADDRESS"`
	ReadTimeout   time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	EnableMetrics bool          `yaml:"enable_metrics" env:"ENABLE_METRICS"`
	MaxBodySize   int64         `yaml:"max_body_size" env:"MAX_BODY_SIZE"`
}

// TracingConfig configures OTLP span export
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	Insecure    bool   `yaml:"insecure" env:"INSECURE"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:         "INFO",
			LogFormat:        "json",
			DefaultTier:      string(types.TierLocal),
			OperationTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			LocalPath: "tierstore.db",
		},
		Codec: CodecConfig{
			Encrypt:     false,
			Compress:    true,
			Compression: "zstd",
		},
		Cache: CacheConfig{
			MaxEntries: 10000,
			MaxSize:    "256MB",
			DefaultTTL: 0,
		},
		Remote: RemoteConfig{
			Backend: "memory",
			Timeout: 30 * time.Second,
			S3: S3Config{
				Region:             "us-east-1",
				PoolSize:           4,
				MultipartThreshold: "32MB",
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Chunking: ChunkingConfig{
			Threshold: "1MB",
			ChunkSize: "1MB",
			Compress:  true,
		},
		Sync: SyncConfig{
			Enabled:    true,
			Interval:   30 * time.Second,
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
		Memory: MemoryConfig{
			Enabled:          true,
			SampleInterval:   10 * time.Second,
			MaxSamples:       100,
			TrendWindow:      10,
			LeakThreshold:    0.20,
			HighUsage:        "1GB",
			HighUsagePercent: 90,
			WarningThreshold: "128MB",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			Window:     time.Second,
			MaxRecords: 1000,
			Namespace:  "tierstore",
		},
		Benchmark: BenchmarkConfig{
			RunOnStartup: false,
			Iterations:   10,
			DataSize:     1024,
			Concurrency:  1,
		},
		API: APIConfig{
			Address:       ":8080",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  30 * time.Second,
			EnableMetrics: true,
			MaxBodySize:   64 << 20,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "tierstore",
			Insecure:    true,
		},
	}
}

// Load builds the effective configuration: defaults, then the optional file, then the environment.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to read config file").
			WithContext("file", filename).
			WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to parse config file").
			WithContext("file", filename).
			WithCause(err)
	}

	return nil
}

// LoadFromEnv overrides fields from TIERSTORE_* environment variables
func (c *Configuration) LoadFromEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to parse environment").WithCause(err)
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to write config file").
			WithContext("file", filename).
			WithCause(err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(msg string) error {
		return errors.NewError(errors.ErrCodeConfigValidation, msg)
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid(fmt.Sprintf("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel))
	}
	if f := strings.ToLower(c.Global.LogFormat); f != "json" && f != "text" {
		return invalid(fmt.Sprintf("invalid log_format: %s", c.Global.LogFormat))
	}
	if _, err := types.ParseTier(c.Global.DefaultTier); err != nil {
		return invalid(err.Error())
	}
	if c.Global.OperationTimeout < 0 {
		return invalid("operation_timeout cannot be negative")
	}
	if c.Storage.LocalPath == "" {
		return invalid("storage.local_path is required")
	}

	switch c.Codec.Compression {
	case "zstd", "gzip":
	default:
		return invalid(fmt.Sprintf("unsupported compression: %s", c.Codec.Compression))
	}
	if c.Codec.Encrypt && c.Codec.Passphrase == "" {
		return invalid("codec.passphrase is required when encryption is enabled")
	}

	if c.Cache.MaxEntries <= 0 {
		return invalid("cache.max_entries must be greater than 0")
	}

	switch c.Remote.Backend {
	case "memory":
	case "s3":
		if c.Remote.S3.Bucket == "" {
			return invalid("remote.s3.bucket is required for the s3 backend")
		}
	default:
		return invalid(fmt.Sprintf("unsupported remote backend: %s", c.Remote.Backend))
	}
	if c.Remote.Retry.MaxAttempts <= 0 {
		return invalid("remote.retry.max_attempts must be greater than 0")
	}

	for name, size := range map[string]string{
		"cache.max_size":             c.Cache.MaxSize,
		"chunking.threshold":         c.Chunking.Threshold,
		"chunking.chunk_size":        c.Chunking.ChunkSize,
		"memory.high_usage":          c.Memory.HighUsage,
		"memory.warning_threshold":   c.Memory.WarningThreshold,
		"remote.multipart_threshold": c.Remote.S3.MultipartThreshold,
	} {
		if size == "" {
			continue
		}
		if _, err := utils.ParseBytes(size); err != nil {
			return invalid(fmt.Sprintf("invalid %s: %v", name, err))
		}
	}
	if n, _ := utils.ParseBytes(c.Chunking.ChunkSize); n <= 0 {
		return invalid("chunking.chunk_size must be greater than 0")
	}

	if c.Sync.Enabled && c.Sync.Interval <= 0 {
		return invalid("sync.interval must be greater than 0 when sync is enabled")
	}
	if c.Sync.MaxRetries < 0 {
		return invalid("sync.max_retries cannot be negative")
	}

	if c.Memory.Enabled {
		if c.Memory.SampleInterval <= 0 {
			return invalid("memory.sample_interval must be greater than 0")
		}
		if c.Memory.TrendWindow < 2 || c.Memory.TrendWindow > c.Memory.MaxSamples {
			return invalid("memory.trend_window must be between 2 and max_samples")
		}
		if c.Memory.HighUsagePercent < 0 || c.Memory.HighUsagePercent > 100 {
			return invalid("memory.high_usage_percent must be between 0 and 100")
		}
	}

	if c.Metrics.Enabled && c.Metrics.MaxRecords <= 0 {
		return invalid("metrics.max_records must be greater than 0")
	}

	return nil
}

// Bytes parses a size field, returning 0 for an empty or malformed value.
// Validate rejects malformed sizes before this is reached.
func Bytes(size string) int64 {
	n, err := utils.ParseBytes(size)
	if err != nil {
		return 0
	}
	return n
}

// Tier returns the configured default tier.
func (c *Configuration) Tier() types.TierType {
	t, err := types.ParseTier(c.Global.DefaultTier)
	if err != nil {
		return types.TierLocal
	}
	return t
}
