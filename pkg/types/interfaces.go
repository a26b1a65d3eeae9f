package types

import (
	"context"
	"time"
)

// Backend is the uniform contract shared by every storage tier.
// Read returns an ITEM_NOT_FOUND store error when the key is absent.
type Backend interface {
	Name() TierType
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, raw []byte) error
	Delete(ctx context.Context, key string) error
	ClearAll(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// TTLWriter is implemented by tiers that support per-item expiry.
type TTLWriter interface {
	WriteTTL(ctx context.Context, key string, raw []byte, ttl time.Duration) error
}

// RemoteStore is the network transport behind the remote tier.
// Every method must be idempotent so the tier can retry it.
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// Cache defines the capacity and TTL bounded cache behind the memory tier
type Cache interface {
	Get(key string) []byte
	Put(key string, data []byte)
	PutWithTTL(key string, data []byte, ttl time.Duration)
	Delete(key string)
	Keys() []string
	Clear()
	Size() int64
	Stats() CacheStats
}

// MetricsRecorder is the generic metric sink: recordMetric(category, op, duration, tags).
type MetricsRecorder interface {
	RecordMetric(category, operation string, duration time.Duration, tags map[string]string)
}

// MetricsCollector defines the metrics collection interface
type MetricsCollector interface {
	MetricsRecorder
	RecordOperation(record OperationRecord)
	Snapshot(window time.Duration, key string) Metrics
}
