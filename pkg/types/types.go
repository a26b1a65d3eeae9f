package types

import (
	"fmt"
	"strings"
	"time"
)

// TierType names one of the interchangeable storage destinations.
type TierType string

const (
	TierLocal   TierType = "local"
	TierSession TierType = "session"
	TierMemory  TierType = "memory"
	TierRemote  TierType = "remote"
)

// AllTiers lists every tier in the order they are opened.
var AllTiers = []TierType{TierLocal, TierSession, TierMemory, TierRemote}

// ParseTier parses a tier name. An empty name selects TierLocal.
func ParseTier(s string) (TierType, error) {
	switch t := TierType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TierLocal, nil
	case TierLocal, TierSession, TierMemory, TierRemote:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tier: %q", s)
	}
}

// OrDefault returns t, or TierLocal when t is empty.
func (t TierType) OrDefault() TierType {
	if t == "" {
		return TierLocal
	}
	return t
}

// StorageItem is the envelope persisted for every key. Value holds the encoded
// payload while stored and the plain serialized value once decoded.
type StorageItem struct {
	Key         string                 `json:"key"`
	Value       []byte                 `json:"value"`
	Timestamp   int64                  `json:"timestamp"`
	Version     int                    `json:"version"`
	Checksum    string                 `json:"checksum"`
	Encrypted   bool                   `json:"encrypted"`
	Compressed  bool                   `json:"compressed"`
	Compression string                 `json:"compression,omitempty"`
	Chunks      int                    `json:"chunks,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the envelope, metadata values excepted.
func (i *StorageItem) Clone() *StorageItem {
	if i == nil {
		return nil
	}
	c := *i
	c.Value = append([]byte(nil), i.Value...)
	if i.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// MetadataInt64 reads a numeric metadata field, tolerating JSON-decoded floats.
func (i *StorageItem) MetadataInt64(name string) (int64, bool) {
	if i == nil || i.Metadata == nil {
		return 0, false
	}
	return toInt64(i.Metadata[name])
}

// MetadataBool reads a boolean metadata field.
func (i *StorageItem) MetadataBool(name string) bool {
	if i == nil || i.Metadata == nil {
		return false
	}
	b, _ := i.Metadata[name].(bool)
	return b
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

// ChangeKind distinguishes the two mutation types recorded for sync.
type ChangeKind string

const (
	ChangeSet    ChangeKind = "set"
	ChangeDelete ChangeKind = "delete"
)

// ChangeRecord is appended once per completed mutation and consumed by the sync engine.
type ChangeRecord struct {
	Kind      ChangeKind   `json:"kind"`
	Key       string       `json:"key"`
	Tier      TierType     `json:"tier"`
	Item      *StorageItem `json:"item,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// SyncStatus is the sync engine state machine position.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

// SyncState reports sync health. Only the sync engine mutates it.
type SyncState struct {
	LastSync       int64      `json:"last_sync"`
	PendingChanges int        `json:"pending_changes"`
	SyncErrors     int        `json:"sync_errors"`
	LastError      string     `json:"last_error,omitempty"`
	Status         SyncStatus `json:"status"`
	CycleID        string     `json:"cycle_id,omitempty"`
}

// Conflict is produced during a sync pass when local and remote disagree on a key.
type Conflict struct {
	Key            string       `json:"key"`
	Local          *StorageItem `json:"local,omitempty"`
	Remote         *StorageItem `json:"remote,omitempty"`
	LocalModified  int64        `json:"local_modified"`
	RemoteModified int64        `json:"remote_modified"`
	Resolved       *StorageItem `json:"resolved,omitempty"`
	Winner         string       `json:"winner"`
}

// SyncResult is returned by every sync call, including no-op ones.
type SyncResult struct {
	Success   bool       `json:"success"`
	Timestamp int64      `json:"timestamp"`
	Changes   int        `json:"changes"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	Skipped   bool       `json:"skipped,omitempty"`
	Error     error      `json:"-"`
}

// MemorySnapshot is one heap sample. Sizes are bytes.
type MemorySnapshot struct {
	Timestamp int64  `json:"timestamp"`
	HeapUsed  uint64 `json:"heap_used"`
	HeapTotal uint64 `json:"heap_total"`
	External  uint64 `json:"external"`
}

// OperationType names a storage operation for metrics.
type OperationType string

const (
	OpSet    OperationType = "set"
	OpGet    OperationType = "get"
	OpRemove OperationType = "remove"
	OpClear  OperationType = "clear"
	OpSync   OperationType = "sync"
)

// OperationRecord is appended for every storage operation.
type OperationRecord struct {
	Timestamp int64         `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Type      OperationType `json:"type"`
	Key       string        `json:"key,omitempty"`
	Tier      TierType      `json:"tier,omitempty"`
	Success   bool          `json:"success"`
	Hit       bool          `json:"hit,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Size      int64         `json:"size"`
}

// Metrics aggregates operation records over a rolling window.
type Metrics struct {
	Window      time.Duration `json:"window"`
	Count       int           `json:"count"`
	Successes   int           `json:"successes"`
	Errors      int           `json:"errors"`
	AvgLatency  time.Duration `json:"avg_latency"`
	P50         time.Duration `json:"p50"`
	P90         time.Duration `json:"p90"`
	P99         time.Duration `json:"p99"`
	Hits        int           `json:"hits"`
	Misses      int           `json:"misses"`
	HitRate     float64       `json:"hit_rate"`
	OpsPerSec   float64       `json:"ops_per_sec"`
	BytesPerSec float64       `json:"bytes_per_sec"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expired     uint64  `json:"expired"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// BenchmarkOptions controls a benchmark run.
type BenchmarkOptions struct {
	Iterations  int `json:"iterations" yaml:"iterations"`
	DataSize    int `json:"data_size" yaml:"data_size"`
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// BenchmarkStats summarizes one benchmark category.
type BenchmarkStats struct {
	Operations int           `json:"operations"`
	Errors     int           `json:"errors"`
	Mean       time.Duration `json:"mean"`
	Min        time.Duration `json:"min"`
	Max        time.Duration `json:"max"`
}

// BenchmarkResult is the outcome of a benchmark run.
type BenchmarkResult struct {
	RunID      string                    `json:"run_id"`
	StartedAt  time.Time                 `json:"started_at"`
	Duration   time.Duration             `json:"duration"`
	Options    BenchmarkOptions          `json:"options"`
	Categories map[string]BenchmarkStats `json:"categories"`
}
