// Package manager is the tiered storage service: it routes keyed values to a
// storage tier through the codec, orders operations per key, records every
// mutation for sync and runs the sync engine, memory monitor and metrics
// collector for the lifetime of the process.
//
// A Manager is constructed explicitly and owns its background work; Close
// stops every ticker before returning.
package manager

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tierstore/tierstore/internal/backend"
	"github.com/tierstore/tierstore/internal/chunk"
	"github.com/tierstore/tierstore/internal/codec"
	"github.com/tierstore/tierstore/internal/metrics"
	"github.com/tierstore/tierstore/internal/serializer"
	"github.com/tierstore/tierstore/internal/syncer"
	"github.com/tierstore/tierstore/pkg/health"
	"github.com/tierstore/tierstore/pkg/memmon"
	"github.com/tierstore/tierstore/pkg/types"
	"github.com/tierstore/tierstore/pkg/utils"
)

// Metadata fields the manager maintains on every envelope.
const (
	MetaLastModified = "lastModified"
	MetaExpiresAt    = "expiresAt"
	MetaPinned       = "pinned"
	MetaChunkSize    = chunk.MetaChunkSize
	MetaSize         = chunk.MetaSize
	MetaChunkGen     = chunk.MetaGeneration
)

// Config controls the manager. Zero values take the defaults noted per field.
type Config struct {
	// DefaultTier services operations that name no tier (local).
	DefaultTier types.TierType
	// OperationTimeout bounds how long a caller waits; 0 waits for ctx only.
	OperationTimeout time.Duration
	// ChunkThreshold is the serialized size above which values are chunked;
	// 0 disables automatic chunking.
	ChunkThreshold int64
	// ChunkSize is the slice size for chunked values (1 MiB).
	ChunkSize int
	// ChunkCompress compresses chunk slices unless the caller opts out.
	ChunkCompress bool
	// WarningThreshold is the stored byte count a pressure cleanup evicts
	// down to; 0 limits pressure cleanup to expired items.
	WarningThreshold int64
	// HealthCheckInterval drives active tier probes; 0 disables them.
	HealthCheckInterval time.Duration
	Sync                syncer.Config
}

type entry struct {
	item       *types.StorageItem
	size       int64
	lastAccess time.Time
	expiresAt  time.Time
	pinned     bool
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Manager is the storage service.
type Manager struct {
	cfg       Config
	tiers     backend.Set
	codec     *codec.Codec
	chunks    *chunk.Handler
	ser       *serializer.Serializer
	queue     *syncer.Queue
	engine    *syncer.Engine
	monitor   *memmon.MemoryMonitor
	collector *metrics.Collector
	health    *health.Tracker
	logger    *utils.StructuredLogger
	tracer    trace.Tracer
	now       func() time.Time

	// mu guards entries and used
	mu      sync.Mutex
	entries map[types.TierType]map[string]*entry
	used    int64

	cleanupMu sync.Mutex

	runMu     sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type settings struct {
	logger    *utils.StructuredLogger
	collector *metrics.Collector
	monitor   *memmon.MonitorConfig
	health    *health.Tracker
	now       func() time.Time
}

// Option customizes a Manager.
type Option func(*settings)

// WithLogger sets the logger shared by the manager and its components.
func WithLogger(l *utils.StructuredLogger) Option {
	return func(s *settings) { s.logger = l }
}

// WithCollector sets the metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(s *settings) { s.collector = c }
}

// WithMemoryMonitor enables the memory monitor. The leak and high-usage
// hooks are replaced by the manager's cleanup trigger.
func WithMemoryMonitor(cfg memmon.MonitorConfig) Option {
	return func(s *settings) { s.monitor = &cfg }
}

// WithHealth sets the tier health tracker.
func WithHealth(t *health.Tracker) Option {
	return func(s *settings) { s.health = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// New creates a manager over an open set of tiers. The manager takes
// ownership of tiers and c and closes them on Close.
func New(cfg Config, tiers backend.Set, c *codec.Codec, opts ...Option) (*Manager, error) {
	if c == nil {
		return nil, fmt.Errorf("manager: codec is required")
	}
	cfg.DefaultTier = cfg.DefaultTier.OrDefault()
	if _, err := tiers.Get(cfg.DefaultTier); err != nil {
		return nil, err
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunk.DefaultChunkSize
	}

	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = utils.NewNopLogger()
	}
	if s.collector == nil {
		collector, err := metrics.NewCollector(metrics.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		s.collector = collector
	}
	if s.health == nil {
		s.health = health.NewTracker(health.TrackerConfig{HealthCheckInterval: cfg.HealthCheckInterval})
	}

	m := &Manager{
		cfg:       cfg,
		tiers:     tiers,
		codec:     c,
		chunks:    chunk.NewHandler(c),
		ser:       serializer.New(),
		queue:     syncer.NewQueue(),
		collector: s.collector,
		health:    s.health,
		logger:    s.logger.WithComponent("manager"),
		tracer:    otel.Tracer("github.com/tierstore/tierstore/internal/manager"),
		now:       s.now,
		entries:   make(map[types.TierType]map[string]*entry),
	}
	for _, tier := range types.AllTiers {
		b, ok := tiers[tier]
		if !ok {
			continue
		}
		m.health.RegisterComponent(string(tier))
		if n, ok := b.(backend.EvictionNotifier); ok {
			n.OnEvict(func(key string) { m.evicted(tier, key) })
		}
	}

	if remote, ok := tiers[types.TierRemote]; ok {
		m.engine = syncer.New(cfg.Sync, m.queue, localState{m}, remote,
			syncer.WithLogger(s.logger),
			syncer.WithRecorder(m.collector),
			syncer.WithWaiter(m.ser),
			syncer.WithClock(s.now),
		)
	} else if cfg.Sync.Enabled {
		m.logger.Warn("sync enabled without a remote tier, disabling", nil)
	}

	if s.monitor != nil {
		mc := *s.monitor
		sampler := mc.Sampler
		if sampler == nil {
			sampler = memmon.RuntimeSampler
		}
		mc.Sampler = func() types.MemorySnapshot {
			snap := sampler()
			m.collector.UpdateMemory(snap)
			return snap
		}
		mc.OnLeak = func(a memmon.Analysis) { m.pressureCleanup("leak") }
		mc.OnHighUsage = func(types.MemorySnapshot) { m.pressureCleanup("high_usage") }
		if mc.Logger == nil {
			mc.Logger = s.logger
		}
		m.monitor = memmon.NewMemoryMonitor(mc)
	}

	return m, nil
}

// Start loads the index of the durable tier and launches the sync ticker,
// the memory monitor and the tier health probes.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.hydrate(ctx, types.TierLocal); err != nil {
		return err
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	if m.engine != nil && m.cfg.Sync.Enabled {
		m.engine.Start(runCtx)
	}
	if m.monitor != nil {
		if err := m.monitor.Start(runCtx); err != nil {
			m.logger.Warn("memory monitor not started", map[string]interface{}{"error": err.Error()})
		}
	}
	if m.cfg.HealthCheckInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.health.StartHealthChecks(runCtx, m.probe)
		}()
	}

	m.logger.Info("storage manager started", map[string]interface{}{
		"default_tier": string(m.cfg.DefaultTier),
		"tiers":        len(m.tiers),
		"sync":         m.engine != nil && m.cfg.Sync.Enabled,
		"monitor":      m.monitor != nil,
	})
	return nil
}

// Close stops every background task, waits for queued operations and
// closes the tiers and codec.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.runMu.Lock()
		if m.cancel != nil {
			m.cancel()
		}
		m.runMu.Unlock()

		if m.engine != nil {
			m.engine.Stop()
		}
		if m.monitor != nil {
			m.monitor.Stop()
		}
		m.wg.Wait()
		m.ser.Close()

		err = m.tiers.Close()
		if cerr := m.codec.Close(); err == nil {
			err = cerr
		}
		m.logger.Info("storage manager closed", nil)
	})
	return err
}

// Collector exposes the metrics collector.
func (m *Manager) Collector() *metrics.Collector { return m.collector }

// Health exposes the tier health tracker.
func (m *Manager) Health() *health.Tracker { return m.health }

// DefaultTier is the tier used when an operation names none.
func (m *Manager) DefaultTier() types.TierType { return m.cfg.DefaultTier }

// Monitor exposes the memory monitor, nil when disabled.
func (m *Manager) Monitor() *memmon.MemoryMonitor { return m.monitor }

// Usage reports the number of tracked items and their stored bytes.
func (m *Manager) Usage() (items int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, byKey := range m.entries {
		items += len(byKey)
	}
	return items, m.used
}

func (m *Manager) probe(ctx context.Context, component string) error {
	b, err := m.tiers.Get(types.TierType(component))
	if err != nil {
		return err
	}
	if r, ok := b.(*backend.Remote); ok {
		return r.HealthCheck(ctx)
	}
	_, err = b.Keys(ctx)
	return err
}

func (m *Manager) pressureCleanup(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := m.Cleanup(ctx, CleanupOptions{})
	if err != nil {
		m.logger.Error("pressure cleanup failed", map[string]interface{}{"reason": reason, "error": err.Error()})
		return
	}
	m.logger.Info("pressure cleanup finished", map[string]interface{}{
		"reason":  reason,
		"expired": res.Expired,
		"evicted": res.Evicted,
		"freed":   utils.FormatBytes(res.Freed),
	})
}

// index bookkeeping

func (m *Manager) track(tier types.TierType, key string, item *types.StorageItem, size int64) {
	e := &entry{item: item, size: size, lastAccess: m.now(), pinned: item.MetadataBool(MetaPinned)}
	if exp, ok := item.MetadataInt64(MetaExpiresAt); ok && exp > 0 {
		e.expiresAt = time.UnixMilli(exp)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	byKey := m.entries[tier]
	if byKey == nil {
		byKey = make(map[string]*entry)
		m.entries[tier] = byKey
	}
	if old, ok := byKey[key]; ok {
		m.used -= old.size
	}
	byKey[key] = e
	m.used += size
}

func (m *Manager) forget(tier types.TierType, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[tier][key]; ok {
		m.used -= e.size
		delete(m.entries[tier], key)
	}
}

// evicted handles a key the tier dropped on its own. Losing any chunk loses
// the item, so the envelope and its remaining chunks go with it.
func (m *Manager) evicted(tier types.TierType, key string) {
	parent, isChunk := key, false
	if i := strings.Index(key, chunkSeparator); i >= 0 {
		parent, isChunk = key[:i], true
	}
	e, ok := m.lookup(tier, parent)
	if !ok {
		return
	}
	keys := chunk.Keys(e.item)
	if isChunk && !slices.Contains(keys, key) {
		return
	}
	m.forget(tier, parent)

	b, ok := m.tiers[tier]
	if !ok {
		return
	}
	ctx := context.Background()
	if isChunk {
		if err := b.Delete(ctx, parent); err != nil {
			m.logger.Warn("evicted item not removed", map[string]interface{}{"key": parent, "error": err.Error()})
		}
	}
	m.purgeChunks(ctx, b, parent, keys)
	m.logger.Debug("tier evicted item", map[string]interface{}{"tier": string(tier), "key": parent, "via": key})
}

func (m *Manager) touch(tier types.TierType, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[tier][key]; ok {
		e.lastAccess = m.now()
	}
}

func (m *Manager) lookup(tier types.TierType, key string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[tier][key]
	if !ok {
		return nil, false
	}
	c := *e
	return &c, true
}

func (m *Manager) dropTier(tier types.TierType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries[tier] {
		m.used -= e.size
	}
	delete(m.entries, tier)
}

func (m *Manager) recordChange(kind types.ChangeKind, tier types.TierType, key string, item *types.StorageItem) {
	if tier == types.TierRemote {
		return
	}
	m.queue.Append(types.ChangeRecord{
		Kind:      kind,
		Key:       key,
		Tier:      tier,
		Item:      item,
		Timestamp: m.now().UnixMilli(),
	})
	m.collector.UpdatePendingChanges(m.queue.Len())
}
