package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tierstore/tierstore/pkg/types"
)

// Collector records every storage operation twice: into Prometheus series
// for scraping, and into a bounded ring of OperationRecords from which
// rolling-window aggregates are computed.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	now      func() time.Time

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	cacheHitCounter   *prometheus.CounterVec
	recordedDuration  *prometheus.HistogramVec
	heapGauge         *prometheus.GaugeVec
	pendingChanges    prometheus.Gauge

	records []types.OperationRecord
	next    int
	full    bool
}

// Config represents metrics configuration
type Config struct {
	Enabled    bool          `yaml:"enabled"`
	Namespace  string        `yaml:"namespace"`
	Subsystem  string        `yaml:"subsystem"`
	Window     time.Duration `yaml:"window"`
	MaxRecords int           `yaml:"max_records"`
}

// DefaultConfig returns the collector defaults: a one second window over
// the last 1000 operations.
func DefaultConfig() *Config {
	return &Config{
		Enabled:    true,
		Namespace:  "tierstore",
		Window:     time.Second,
		MaxRecords: 1000,
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Window <= 0 {
		config.Window = time.Second
	}
	if config.MaxRecords <= 0 {
		config.MaxRecords = 1000
	}

	collector := &Collector{
		config:  config,
		now:     time.Now,
		records: make([]types.OperationRecord, config.MaxRecords),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, err
	}
	return collector, nil
}

// Enabled reports whether the collector records anything.
func (c *Collector) Enabled() bool { return c.config.Enabled }

// Registry exposes the Prometheus registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordOperation appends rec to the ring and updates the Prometheus series.
func (c *Collector) RecordOperation(rec types.OperationRecord) {
	if !c.config.Enabled {
		return
	}
	if rec.EndTime.IsZero() {
		rec.EndTime = c.now()
	}
	if rec.StartTime.IsZero() {
		rec.StartTime = rec.EndTime.Add(-rec.Duration)
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = rec.EndTime.UnixMilli()
	}

	c.mu.Lock()
	c.records[c.next] = rec
	c.next = (c.next + 1) % len(c.records)
	if c.next == 0 {
		c.full = true
	}
	c.mu.Unlock()

	op := string(rec.Type)
	tier := string(rec.Tier)
	c.operationCounter.With(prometheus.Labels{
		"operation": op,
		"tier":      tier,
		"status":    status(rec.Success),
	}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": op}).Observe(rec.Duration.Seconds())
	if rec.Size > 0 {
		c.operationSize.With(prometheus.Labels{"operation": op}).Observe(float64(rec.Size))
	}
	if rec.Type == types.OpGet && rec.Success {
		result := "miss"
		if rec.Hit {
			result = "hit"
		}
		c.cacheHitCounter.With(prometheus.Labels{"type": result, "tier": tier}).Inc()
	}
}

// RecordMetric is the generic category/operation timing sink used by
// subsystems that do not produce OperationRecords.
func (c *Collector) RecordMetric(category, operation string, duration time.Duration, tags map[string]string) {
	if !c.config.Enabled {
		return
	}
	st := "success"
	if v, ok := tags["success"]; ok && v != "true" {
		st = "error"
	}
	c.recordedDuration.With(prometheus.Labels{
		"category":  category,
		"operation": operation,
		"status":    st,
	}).Observe(duration.Seconds())
}

// UpdateMemory publishes the latest heap snapshot.
func (c *Collector) UpdateMemory(s types.MemorySnapshot) {
	if !c.config.Enabled {
		return
	}
	c.heapGauge.With(prometheus.Labels{"kind": "heap_used"}).Set(float64(s.HeapUsed))
	c.heapGauge.With(prometheus.Labels{"kind": "heap_total"}).Set(float64(s.HeapTotal))
	c.heapGauge.With(prometheus.Labels{"kind": "external"}).Set(float64(s.External))
}

// UpdatePendingChanges publishes the change queue length.
func (c *Collector) UpdatePendingChanges(n int) {
	if !c.config.Enabled {
		return
	}
	c.pendingChanges.Set(float64(n))
}

// Records returns the buffered operation records, oldest first.
func (c *Collector) Records() []types.OperationRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ordered()
}

func (c *Collector) ordered() []types.OperationRecord {
	if !c.full {
		out := make([]types.OperationRecord, c.next)
		copy(out, c.records[:c.next])
		return out
	}
	out := make([]types.OperationRecord, 0, len(c.records))
	out = append(out, c.records[c.next:]...)
	return append(out, c.records[:c.next]...)
}

// Snapshot aggregates the records that ended within window of now, limited
// to key when it is non-empty. A zero window uses the configured one.
func (c *Collector) Snapshot(window time.Duration, key string) types.Metrics {
	if window <= 0 {
		window = c.config.Window
	}
	m := types.Metrics{Window: window}
	if !c.config.Enabled {
		return m
	}

	cutoff := c.now().Add(-window)
	c.mu.RLock()
	all := c.ordered()
	c.mu.RUnlock()

	var (
		total     time.Duration
		bytes     int64
		durations []time.Duration
	)
	for _, r := range all {
		if r.EndTime.Before(cutoff) {
			continue
		}
		if key != "" && r.Key != key {
			continue
		}
		m.Count++
		if r.Success {
			m.Successes++
		} else {
			m.Errors++
		}
		if r.Type == types.OpGet && r.Success {
			if r.Hit {
				m.Hits++
			} else {
				m.Misses++
			}
		}
		total += r.Duration
		bytes += r.Size
		durations = append(durations, r.Duration)
	}
	if m.Count == 0 {
		return m
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	m.AvgLatency = total / time.Duration(m.Count)
	m.P50 = percentile(durations, 50)
	m.P90 = percentile(durations, 90)
	m.P99 = percentile(durations, 99)
	if lookups := m.Hits + m.Misses; lookups > 0 {
		m.HitRate = float64(m.Hits) / float64(lookups)
	}
	secs := window.Seconds()
	m.OpsPerSec = float64(m.Count) / secs
	m.BytesPerSec = float64(bytes) / secs
	return m
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// Reset drops every buffered record. Prometheus series are cumulative and
// are not reset.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make([]types.OperationRecord, len(c.records))
	c.next = 0
	c.full = false
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func (c *Collector) initMetrics() {
	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "operations_total",
			Help:      "Total number of storage operations",
		},
		[]string{"operation", "tier", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Duration of storage operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18), // 100us to ~13s
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "operation_size_bytes",
			Help:      "Serialized payload size in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 12), // 64B to ~268MB
		},
		[]string{"operation"},
	)

	c.cacheHitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "lookups_total",
			Help:      "Get lookups by result",
		},
		[]string{"type", "tier"},
	)

	c.recordedDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "recorded_duration_seconds",
			Help:      "Durations reported through the generic metric sink",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
		},
		[]string{"category", "operation", "status"},
	)

	c.heapGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "memory_bytes",
			Help:      "Latest memory monitor snapshot",
		},
		[]string{"kind"},
	)

	c.pendingChanges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "sync_pending_changes",
			Help:      "Change records waiting for the next sync pass",
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.cacheHitCounter,
		c.recordedDuration,
		c.heapGauge,
		c.pendingChanges,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}
