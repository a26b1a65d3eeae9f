package adapter

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tierstore/tierstore/internal/backend"
	"github.com/tierstore/tierstore/internal/bench"
	"github.com/tierstore/tierstore/internal/cache"
	"github.com/tierstore/tierstore/internal/circuit"
	"github.com/tierstore/tierstore/internal/codec"
	"github.com/tierstore/tierstore/internal/config"
	"github.com/tierstore/tierstore/internal/manager"
	"github.com/tierstore/tierstore/internal/metrics"
	"github.com/tierstore/tierstore/internal/storage/s3"
	"github.com/tierstore/tierstore/internal/syncer"
	"github.com/tierstore/tierstore/pkg/health"
	"github.com/tierstore/tierstore/pkg/memmon"
	"github.com/tierstore/tierstore/pkg/types"
	"github.com/tierstore/tierstore/pkg/utils"
)

// Adapter owns the storage manager built from a configuration
type Adapter struct {
	config  *config.Configuration
	logger  *utils.StructuredLogger
	manager *manager.Manager

	shutdownTracing func(context.Context) error
	benchDone       chan struct{}
}

// New builds every component named by cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Configuration, logger *utils.StructuredLogger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	shutdown, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:    cfg.Metrics.Enabled,
		Namespace:  cfg.Metrics.Namespace,
		Window:     cfg.Metrics.Window,
		MaxRecords: cfg.Metrics.MaxRecords,
	})
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	c, err := NewCodec(cfg.Codec)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	tiers, err := OpenTiers(ctx, cfg, logger)
	if err != nil {
		_ = c.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	opts := []manager.Option{
		manager.WithLogger(logger),
		manager.WithCollector(collector),
		manager.WithHealth(health.NewTracker(health.DefaultConfig())),
	}
	if cfg.Memory.Enabled {
		opts = append(opts, manager.WithMemoryMonitor(memmon.MonitorConfig{
			SampleInterval:   cfg.Memory.SampleInterval,
			MaxSamples:       cfg.Memory.MaxSamples,
			TrendWindow:      cfg.Memory.TrendWindow,
			LeakThreshold:    cfg.Memory.LeakThreshold,
			HighUsage:        uint64(config.Bytes(cfg.Memory.HighUsage)),
			HighUsagePercent: cfg.Memory.HighUsagePercent,
			Logger:           logger,
		}))
	}

	m, err := manager.New(manager.Config{
		DefaultTier:         cfg.Tier(),
		OperationTimeout:    cfg.Global.OperationTimeout,
		ChunkThreshold:      config.Bytes(cfg.Chunking.Threshold),
		ChunkSize:           int(config.Bytes(cfg.Chunking.ChunkSize)),
		ChunkCompress:       cfg.Chunking.Compress,
		WarningThreshold:    config.Bytes(cfg.Memory.WarningThreshold),
		HealthCheckInterval: health.DefaultConfig().HealthCheckInterval,
		Sync: syncer.Config{
			Enabled:    cfg.Sync.Enabled,
			Interval:   cfg.Sync.Interval,
			MaxRetries: cfg.Sync.MaxRetries,
			RetryDelay: cfg.Sync.RetryDelay,
		},
	}, tiers, c, opts...)
	if err != nil {
		_ = tiers.Close()
		_ = c.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	return &Adapter{
		config:          cfg,
		logger:          logger.WithComponent("adapter"),
		manager:         m,
		shutdownTracing: shutdown,
	}, nil
}

// Manager returns the storage manager.
func (a *Adapter) Manager() *manager.Manager { return a.manager }

// Start starts the manager's background work. The startup benchmark, when
// enabled, runs in the background and only logs its result.
func (a *Adapter) Start(ctx context.Context) error {
	a.logger.Info("Starting tierstore", map[string]interface{}{
		"default_tier": a.config.Global.DefaultTier,
		"local_path":   a.config.Storage.LocalPath,
		"remote":       a.config.Remote.Backend,
		"cache_size":   a.config.Cache.MaxSize,
	})

	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start storage manager: %w", err)
	}

	if a.config.Benchmark.RunOnStartup {
		a.benchDone = make(chan struct{})
		go func() {
			defer close(a.benchDone)
			a.runStartupBenchmark(ctx)
		}()
	}
	return nil
}

func (a *Adapter) runStartupBenchmark(ctx context.Context) {
	res, err := a.manager.RunBenchmark(ctx, types.BenchmarkOptions{
		Iterations:  a.config.Benchmark.Iterations,
		DataSize:    a.config.Benchmark.DataSize,
		Concurrency: a.config.Benchmark.Concurrency,
	})
	if err != nil {
		a.logger.Warn("startup benchmark failed", map[string]interface{}{"error": err.Error()})
		return
	}
	fields := map[string]interface{}{"run_id": res.RunID, "duration": res.Duration.String()}
	for _, name := range []string{bench.CategoryWrite, bench.CategoryRead, bench.CategoryCompress, bench.CategoryEncrypt} {
		if s, ok := res.Categories[name]; ok {
			fields[name+"_mean"] = s.Mean.String()
		}
	}
	a.logger.Info("startup benchmark", fields)
}

// Stop closes the manager and flushes pending spans.
func (a *Adapter) Stop(ctx context.Context) error {
	a.logger.Info("Stopping tierstore", nil)

	if a.benchDone != nil {
		select {
		case <-a.benchDone:
		case <-ctx.Done():
		}
	}

	err := a.manager.Close()
	if terr := a.shutdownTracing(ctx); err == nil {
		err = terr
	}
	return err
}

// NewCodec builds the codec from the process-wide encode policy.
func NewCodec(cfg config.CodecConfig) (*codec.Codec, error) {
	return codec.New(codec.Config{
		Policy:      codec.Policy{Encrypt: cfg.Encrypt, Compress: cfg.Compress},
		Compression: codec.Algorithm(cfg.Compression),
		Passphrase:  cfg.Passphrase,
		Salt:        []byte(cfg.Salt),
	})
}

// OpenTiers opens all four tiers. The remote tier is backed by S3 or by an
// in-process store, per remote.backend.
func OpenTiers(ctx context.Context, cfg *config.Configuration, logger *utils.StructuredLogger) (backend.Set, error) {
	local, err := backend.OpenLocal(cfg.Storage.LocalPath)
	if err != nil {
		return nil, err
	}

	var store types.RemoteStore
	switch cfg.Remote.Backend {
	case "s3":
		s3cfg := &s3.Config{
			Bucket:             cfg.Remote.S3.Bucket,
			Prefix:             cfg.Remote.S3.Prefix,
			Region:             cfg.Remote.S3.Region,
			Endpoint:           cfg.Remote.S3.Endpoint,
			AccessKeyID:        cfg.Remote.S3.AccessKeyID,
			SecretAccessKey:    cfg.Remote.S3.SecretAccessKey,
			ForcePathStyle:     cfg.Remote.S3.ForcePathStyle,
			PoolSize:           cfg.Remote.S3.PoolSize,
			RequestTimeout:     cfg.Remote.Timeout,
			EnableCargoShip:    true,
			MultipartThreshold: config.Bytes(cfg.Remote.S3.MultipartThreshold),
		}
		s3store, err := s3.NewStore(ctx, s3cfg, logger)
		if err != nil {
			_ = local.Close()
			return nil, fmt.Errorf("failed to open s3 remote: %w", err)
		}
		store = s3store
	default:
		store = backend.NewMemoryRemote()
	}

	retryCfg := backend.DefaultRemoteRetry()
	retryCfg.MaxAttempts = cfg.Remote.Retry.MaxAttempts
	if cfg.Remote.Retry.BaseDelay > 0 {
		retryCfg.InitialDelay = cfg.Remote.Retry.BaseDelay
	}
	if cfg.Remote.Retry.MaxDelay > 0 {
		retryCfg.MaxDelay = cfg.Remote.Retry.MaxDelay
	}

	return backend.Set{
		types.TierLocal:   local,
		types.TierSession: backend.NewSession(),
		types.TierMemory: backend.NewMemory(&cache.CacheConfig{
			MaxSize:         config.Bytes(cfg.Cache.MaxSize),
			MaxEntries:      cfg.Cache.MaxEntries,
			TTL:             cfg.Cache.DefaultTTL,
			CleanupInterval: time.Minute,
		}),
		types.TierRemote: backend.NewRemote(store, backend.RemoteConfig{
			Timeout:        cfg.Remote.Timeout,
			Retry:          retryCfg,
			BreakerEnabled: cfg.Remote.CircuitBreaker.Enabled,
			Breaker: circuit.Config{
				FailureThreshold: uint32(cfg.Remote.CircuitBreaker.FailureThreshold),
				Timeout:          cfg.Remote.CircuitBreaker.Timeout,
			},
			Logger: logger,
		}),
	}, nil
}

// ApplyRemoteURI points the remote tier at uri: s3://bucket[/prefix] or
// memory://.
func ApplyRemoteURI(uri string, cfg *config.RemoteConfig) error {
	parsed, err := validateRemoteURI(uri)
	if err != nil {
		return fmt.Errorf("invalid remote URI: %w", err)
	}
	switch parsed.Scheme {
	case "s3":
		cfg.Backend = "s3"
		cfg.S3.Bucket = parsed.Host
		cfg.S3.Prefix = strings.Trim(parsed.Path, "/")
	case "memory":
		cfg.Backend = "memory"
	}
	return nil
}

// validateRemoteURI validates the remote URI format
func validateRemoteURI(uri string) (*url.URL, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URI: %w", err)
	}

	switch parsed.Scheme {
	case "s3":
		if parsed.Host == "" {
			return nil, fmt.Errorf("S3 URI must include bucket name")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported remote scheme: %q (s3:// and memory:// supported)", parsed.Scheme)
	}

	return parsed, nil
}

// setupTracing installs an OTLP/HTTP tracer provider when tracing is
// enabled. The returned shutdown flushes pending spans.
func setupTracing(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Endpoint == "" {
		return noop, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
