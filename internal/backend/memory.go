package backend

import (
	"context"
	"sync"
	"time"

	"github.com/tierstore/tierstore/internal/cache"
	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
)

// EvictionNotifier is implemented by tiers that drop keys on their own.
type EvictionNotifier interface {
	// OnEvict registers fn to receive each key the tier discards. It replaces
	// any earlier registration.
	OnEvict(fn func(key string))
}

// Memory is the in-memory cache tier. Capacity and expiry are enforced by the
// underlying cache; an evicted or expired key reads as not found.
type Memory struct {
	cache types.Cache
	owned *cache.LRUCache

	mu      sync.RWMutex
	onEvict func(key string)
}

// NewMemory creates a memory tier over its own LRU cache.
func NewMemory(cfg *cache.CacheConfig) *Memory {
	if cfg == nil {
		cfg = cache.DefaultCacheConfig()
	}
	m := &Memory{}
	c := *cfg
	chained := c.OnEvict
	c.OnEvict = func(key string) {
		if chained != nil {
			chained(key)
		}
		m.evicted(key)
	}
	m.owned = cache.NewLRUCache(&c)
	m.cache = m.owned
	return m
}

// NewMemoryWithCache wraps a caller supplied cache; Close leaves it running.
func NewMemoryWithCache(c types.Cache) *Memory {
	return &Memory{cache: c}
}

func (m *Memory) Name() types.TierType { return types.TierMemory }

func (m *Memory) OnEvict(fn func(key string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = fn
}

func (m *Memory) evicted(key string) {
	m.mu.RLock()
	fn := m.onEvict
	m.mu.RUnlock()
	if fn != nil {
		fn(key)
	}
}

func (m *Memory) Read(ctx context.Context, key string) ([]byte, error) {
	if err := checkContext(ctx, types.TierMemory, "read"); err != nil {
		return nil, err
	}
	v := m.cache.Get(key)
	if v == nil {
		return nil, errors.NewNotFoundError(string(types.TierMemory), key)
	}
	return v, nil
}

func (m *Memory) Write(ctx context.Context, key string, raw []byte) error {
	if err := checkContext(ctx, types.TierMemory, "write"); err != nil {
		return err
	}
	m.cache.Put(key, raw)
	return nil
}

// WriteTTL stores raw so that it expires after ttl.
func (m *Memory) WriteTTL(ctx context.Context, key string, raw []byte, ttl time.Duration) error {
	if err := checkContext(ctx, types.TierMemory, "write"); err != nil {
		return err
	}
	m.cache.PutWithTTL(key, raw, ttl)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := checkContext(ctx, types.TierMemory, "delete"); err != nil {
		return err
	}
	m.cache.Delete(key)
	return nil
}

func (m *Memory) ClearAll(ctx context.Context) error {
	if err := checkContext(ctx, types.TierMemory, "clear"); err != nil {
		return err
	}
	m.cache.Clear()
	return nil
}

func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	return m.cache.Keys(), nil
}

// Stats exposes the cache statistics.
func (m *Memory) Stats() types.CacheStats {
	return m.cache.Stats()
}

func (m *Memory) Close() error {
	if m.owned != nil {
		m.owned.Close()
	}
	return nil
}
