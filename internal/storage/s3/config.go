package s3

import (
	"fmt"
	"strings"
	"time"
)

// Storage classes accepted in Config.StorageClass.
const (
	ClassStandard           = "STANDARD"
	ClassStandardIA         = "STANDARD_IA"
	ClassIntelligentTiering = "INTELLIGENT_TIERING"
)

// Config represents the S3 remote store configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Performance settings
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`

	// Envelopes at or above MultipartThreshold bytes go through the CargoShip transporter
	EnableCargoShip    bool   `yaml:"enable_cargoship"`
	MultipartThreshold int64  `yaml:"multipart_threshold"`
	StorageClass       string `yaml:"storage_class"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:             "us-east-1",
		MaxRetries:         3,
		RequestTimeout:     30 * time.Second,
		PoolSize:           4,
		EnableCargoShip:    true,
		MultipartThreshold: 32 * 1024 * 1024,
		StorageClass:       ClassStandard,
	}
}

// applyDefaults fills zero values from NewDefaultConfig.
func (c *Config) applyDefaults() {
	def := NewDefaultConfig()
	if c.Region == "" {
		c.Region = def.Region
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = def.MultipartThreshold
	}
	if c.StorageClass == "" {
		c.StorageClass = def.StorageClass
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("bucket name cannot be empty")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("access_key_id and secret_access_key must be set together")
	}
	switch c.StorageClass {
	case "", ClassStandard, ClassStandardIA, ClassIntelligentTiering:
	default:
		return fmt.Errorf("unsupported storage class: %s", c.StorageClass)
	}
	return nil
}
