package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/tierstore/tierstore/pkg/utils"
)

// Part sizing handed to the CargoShip transporter.
const (
	cargoMultipartThreshold = 32 * 1024 * 1024
	cargoMultipartChunkSize = 16 * 1024 * 1024
)

// ClientManager handles S3 client creation and management
type ClientManager struct {
	client      *s3.Client
	pool        *ConnectionPool
	transporter *cargoships3.Transporter
	config      *Config
	logger      *utils.StructuredLogger
}

// NewClientManager loads the AWS configuration and builds the client, pool and
// optional CargoShip transporter.
func NewClientManager(ctx context.Context, cfg *Config, logger *utils.StructuredLogger) (*ClientManager, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	newClient := func() (*s3.Client, error) {
		return s3.NewFromConfig(awsCfg, clientOptions(cfg)), nil
	}
	client, _ := newClient()

	pool, err := NewConnectionPool(cfg.PoolSize, newClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	var transporter *cargoships3.Transporter
	if cfg.EnableCargoShip {
		transporter = cargoships3.NewTransporter(client, awsconfig.S3Config{
			Bucket:             cfg.Bucket,
			StorageClass:       cargoStorageClass(cfg.StorageClass),
			MultipartThreshold: cargoMultipartThreshold,
			MultipartChunkSize: cargoMultipartChunkSize,
			Concurrency:        cfg.PoolSize,
		})
		logger.Info("CargoShip transporter enabled", map[string]interface{}{
			"threshold":   utils.FormatBytes(cfg.MultipartThreshold),
			"chunk_size":  utils.FormatBytes(cargoMultipartChunkSize),
			"concurrency": cfg.PoolSize,
		})
	}

	return &ClientManager{
		client:      client,
		pool:        pool,
		transporter: transporter,
		config:      cfg,
		logger:      logger,
	}, nil
}

func clientOptions(cfg *Config) func(*s3.Options) {
	return func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}
}

func cargoStorageClass(class string) awsconfig.StorageClass {
	switch class {
	case ClassStandardIA:
		return awsconfig.StorageClassStandardIA
	case ClassIntelligentTiering:
		return awsconfig.StorageClassIntelligentTiering
	default:
		return awsconfig.StorageClassStandard
	}
}

// Acquire checks a client out of the pool. The returned release func must be
// called once the request finishes.
func (cm *ClientManager) Acquire(ctx context.Context) (*s3.Client, func(), error) {
	c, err := cm.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { cm.pool.Release(c) }, nil
}

// GetTransporter returns the CargoShip transporter, or nil when disabled
func (cm *ClientManager) GetTransporter() *cargoships3.Transporter {
	return cm.transporter
}

// HealthCheck heads the configured bucket
func (cm *ClientManager) HealthCheck(ctx context.Context) error {
	client, release, err := cm.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cm.config.Bucket)})
	if err != nil {
		return fmt.Errorf("S3 health check failed: %w", err)
	}
	return nil
}

// Close closes all client resources
func (cm *ClientManager) Close() error {
	return cm.pool.Close()
}

// GetStats returns connection pool statistics
func (cm *ClientManager) GetStats() PoolStats {
	return cm.pool.Stats()
}
