package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/tierstore/tierstore/pkg/types"
)

// CacheConfig represents cache configuration
type CacheConfig struct {
	MaxSize         int64         `yaml:"max_size"`
	MaxEntries      int           `yaml:"max_entries"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// OnEvict receives every key dropped to stay within bounds or purged as
	// expired. It runs after the cache lock is released.
	OnEvict func(key string) `yaml:"-"`
}

// DefaultCacheConfig is used when NewLRUCache is given nil.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MaxSize:         256 << 20,
		MaxEntries:      10000,
		CleanupInterval: time.Minute,
	}
}

// entry lives in the recency list; the front is the most recently used.
type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// LRUCache is a mutex-guarded LRU bounded by total bytes and entry count.
type LRUCache struct {
	cfg CacheConfig
	now func() time.Time

	mu      sync.Mutex
	index   map[string]*list.Element
	recency *list.List
	bytes   int64
	stats   types.CacheStats

	done      chan struct{}
	closeOnce sync.Once
}

// NewLRUCache builds a cache and starts its expiry sweep. Call Close to stop it.
func NewLRUCache(config *CacheConfig) *LRUCache {
	if config == nil {
		config = DefaultCacheConfig()
	}
	c := &LRUCache{
		cfg:     *config,
		now:     time.Now,
		index:   make(map[string]*list.Element),
		recency: list.New(),
		stats:   types.CacheStats{Capacity: config.MaxSize},
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns a copy of the value, or nil when the key is absent or expired.
func (c *LRUCache) Get(key string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if ok {
		if e := el.Value.(*entry); e.expired(c.now()) {
			c.unlink(el)
			c.stats.Expired++
			ok = false
		}
	}
	if !ok {
		c.record(false)
		return nil
	}

	c.recency.MoveToFront(el)
	c.record(true)
	return append([]byte(nil), el.Value.(*entry).value...)
}

// Put stores data in the cache using the configured default TTL
func (c *LRUCache) Put(key string, data []byte) {
	c.PutWithTTL(key, data, c.cfg.TTL)
}

// PutWithTTL stores a copy of data. A zero ttl never expires.
func (c *LRUCache) PutWithTTL(key string, data []byte, ttl time.Duration) {
	e := &entry{key: key, value: append([]byte(nil), data...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		c.bytes -= int64(len(el.Value.(*entry).value))
		el.Value = e
		c.recency.MoveToFront(el)
	} else {
		c.index[key] = c.recency.PushFront(e)
	}
	c.bytes += int64(len(e.value))
	evicted := c.shrink()
	c.mu.Unlock()

	c.notify(evicted)
}

// Delete removes an item from the cache
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.unlink(el)
	}
}

// Size returns the stored bytes.
func (c *LRUCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Len returns the number of entries, expired ones included until swept.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *LRUCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = c.bytes
	if c.cfg.MaxSize > 0 {
		s.Utilization = float64(c.bytes) / float64(c.cfg.MaxSize)
	}
	return s
}

// Clear drops every entry. Dropped entries count as evictions.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Evictions += uint64(len(c.index))
	c.index = make(map[string]*list.Element)
	c.recency.Init()
	c.bytes = 0
}

// Keys lists live keys, most recently used first.
func (c *LRUCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	keys := make([]string, 0, len(c.index))
	for el := c.recency.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*entry); !e.expired(now) {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// PurgeExpired unlinks expired entries and reports how many went.
func (c *LRUCache) PurgeExpired() int {
	c.mu.Lock()
	now := c.now()
	var purged []string
	for el := c.recency.Front(); el != nil; {
		next := el.Next()
		if e := el.Value.(*entry); e.expired(now) {
			c.unlink(el)
			purged = append(purged, e.key)
		}
		el = next
	}
	c.stats.Expired += uint64(len(purged))
	c.mu.Unlock()

	c.notify(purged)
	return len(purged)
}

// Close stops the expiry sweep. It is safe to call more than once.
func (c *LRUCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *LRUCache) unlink(el *list.Element) {
	e := c.recency.Remove(el).(*entry)
	delete(c.index, e.key)
	c.bytes -= int64(len(e.value))
}

// shrink evicts from the back until both bounds hold and returns the keys
// it dropped.
func (c *LRUCache) shrink() []string {
	over := func() bool {
		if c.cfg.MaxSize > 0 && c.bytes > c.cfg.MaxSize {
			return true
		}
		return c.cfg.MaxEntries > 0 && len(c.index) > c.cfg.MaxEntries
	}
	var evicted []string
	for over() {
		back := c.recency.Back()
		if back == nil {
			break
		}
		evicted = append(evicted, back.Value.(*entry).key)
		c.unlink(back)
		c.stats.Evictions++
	}
	return evicted
}

func (c *LRUCache) notify(keys []string) {
	if c.cfg.OnEvict == nil {
		return
	}
	for _, k := range keys {
		c.cfg.OnEvict(k)
	}
}

func (c *LRUCache) record(hit bool) {
	if hit {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.stats.HitRate = float64(c.stats.Hits) / float64(c.stats.Hits+c.stats.Misses)
}

func (c *LRUCache) sweep() {
	every := c.cfg.CleanupInterval
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.PurgeExpired()
		}
	}
}
