// Package memmon samples heap usage on a fixed interval, classifies the trend
// over a trailing window and reports suspected leaks and high usage.
//
// Findings are observational: the monitor logs them and hands them to the
// OnLeak and OnHighUsage hooks, it never returns them as errors.
package memmon

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
	"github.com/tierstore/tierstore/pkg/utils"
)

// Trend is the direction of heap usage across the trend window.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// Sampler takes one heap snapshot.
type Sampler func() types.MemorySnapshot

// RuntimeSampler reads the Go runtime's memory statistics.
func RuntimeSampler() types.MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var external uint64
	if ms.Sys > ms.HeapSys {
		external = ms.Sys - ms.HeapSys
	}
	return types.MemorySnapshot{
		Timestamp: time.Now().UnixMilli(),
		HeapUsed:  ms.HeapAlloc,
		HeapTotal: ms.HeapSys,
		External:  external,
	}
}

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	// SampleInterval is how often to take a snapshot
	SampleInterval time.Duration

	// MaxSamples bounds the snapshot ring buffer
	MaxSamples int

	// TrendWindow is how many trailing snapshots the trend is computed over
	TrendWindow int

	// LeakThreshold is the growth, as a fraction of the window's first
	// sample, above which an increasing trend is flagged as a leak
	LeakThreshold float64

	// HighUsage is an absolute heap ceiling in bytes, 0 disables it
	HighUsage uint64

	// HighUsagePercent is a ceiling on HeapUsed/HeapTotal, 0 disables it
	HighUsagePercent float64

	Sampler     Sampler
	OnLeak      func(Analysis)
	OnHighUsage func(types.MemorySnapshot)
	Logger      *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval:   10 * time.Second,
		MaxSamples:       100,
		TrendWindow:      10,
		LeakThreshold:    0.20,
		HighUsagePercent: 90,
	}
}

// Analysis is the result of one trend evaluation.
type Analysis struct {
	Trend     Trend                `json:"trend"`
	Samples   int                  `json:"samples"`
	Oldest    types.MemorySnapshot `json:"oldest"`
	Newest    types.MemorySnapshot `json:"newest"`
	Delta     int64                `json:"delta"`
	GrowthPct float64              `json:"growth_pct"`
	// Rising is the fraction of sample-to-sample steps in the window that grew.
	Rising float64 `json:"rising"`
	Leak   bool    `json:"leak"`
}

// minRising is the share of growing steps that makes growth sustained rather
// than an oscillation that happens to end high.
const minRising = 2.0 / 3.0

// AlertType represents the type of memory alert
type AlertType int

const (
	AlertTypeLeak AlertType = iota
	AlertTypeHighUsage
)

// String returns the string representation of alert type
func (t AlertType) String() string {
	switch t {
	case AlertTypeLeak:
		return "leak"
	case AlertTypeHighUsage:
		return "high_usage"
	default:
		return "unknown"
	}
}

// MemoryAlert represents a memory alert
type MemoryAlert struct {
	Timestamp time.Time
	AlertType AlertType
	Message   string
	HeapUsed  uint64
}

// MemoryMonitor tracks heap usage and detects potential leaks
type MemoryMonitor struct {
	config MonitorConfig
	logger *utils.StructuredLogger

	mu      sync.RWMutex
	samples *ring
	alerts  []MemoryAlert
	last    Analysis

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewMemoryMonitor creates a new memory monitor
func NewMemoryMonitor(config MonitorConfig) *MemoryMonitor {
	def := DefaultMonitorConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = def.SampleInterval
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = def.MaxSamples
	}
	if config.TrendWindow < 2 {
		config.TrendWindow = def.TrendWindow
	}
	if config.TrendWindow > config.MaxSamples {
		config.TrendWindow = config.MaxSamples
	}
	if config.LeakThreshold <= 0 {
		config.LeakThreshold = def.LeakThreshold
	}
	if config.Sampler == nil {
		config.Sampler = RuntimeSampler
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}

	return &MemoryMonitor{
		config:  config,
		logger:  config.Logger.WithComponent("memmon"),
		samples: newRing(config.MaxSamples),
		last:    Analysis{Trend: TrendStable},
	}
}

// Start begins memory monitoring
func (mm *MemoryMonitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&mm.active, 0, 1) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "monitor already running").WithComponent("memmon")
	}

	mm.logger.Info("Starting memory monitor", map[string]interface{}{
		"sample_interval": mm.config.SampleInterval.String(),
		"trend_window":    mm.config.TrendWindow,
	})

	mm.stopCh = make(chan struct{})
	mm.wg.Add(1)
	go mm.monitorLoop(ctx, mm.stopCh)

	return nil
}

// Stop stops memory monitoring and waits for the loop to exit
func (mm *MemoryMonitor) Stop() {
	if !atomic.CompareAndSwapInt32(&mm.active, 1, 0) {
		return
	}
	close(mm.stopCh)
	mm.wg.Wait()
}

func (mm *MemoryMonitor) monitorLoop(ctx context.Context, stopCh chan struct{}) {
	defer mm.wg.Done()

	ticker := time.NewTicker(mm.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			mm.Tick()
		}
	}
}

// Tick takes one snapshot, checks the high-usage ceiling and evaluates the
// trend. Hooks run on the calling goroutine after the monitor lock is released.
func (mm *MemoryMonitor) Tick() Analysis {
	snap := mm.config.Sampler()

	mm.mu.Lock()
	mm.samples.push(snap)
	analysis := mm.analyzeLocked()
	mm.last = analysis

	high := mm.isHighUsage(snap)
	if high {
		mm.alertLocked(AlertTypeHighUsage, fmt.Sprintf("heap usage %s exceeds ceiling", utils.FormatBytes(int64(snap.HeapUsed))), snap.HeapUsed)
	}
	if analysis.Leak {
		mm.alertLocked(AlertTypeLeak, fmt.Sprintf("heap grew %.1f%% over %d samples", analysis.GrowthPct, analysis.Samples), snap.HeapUsed)
	}
	mm.mu.Unlock()

	if high {
		err := errors.NewMemoryPressureError("heap usage above ceiling").
			WithDetail("heap_used", snap.HeapUsed).
			WithDetail("heap_total", snap.HeapTotal)
		mm.logger.Warn("High memory usage", map[string]interface{}{
			"heap_used":  snap.HeapUsed,
			"heap_total": snap.HeapTotal,
			"error":      err.Error(),
		})
		if mm.config.OnHighUsage != nil {
			mm.config.OnHighUsage(snap)
		}
	}

	if analysis.Leak {
		mm.logger.Warn("Possible memory leak", map[string]interface{}{
			"growth_pct": analysis.GrowthPct,
			"from":       analysis.Oldest.HeapUsed,
			"to":         analysis.Newest.HeapUsed,
			"samples":    analysis.Samples,
		})
		if mm.config.OnLeak != nil {
			mm.config.OnLeak(analysis)
		}
	}

	return analysis
}

func (mm *MemoryMonitor) isHighUsage(s types.MemorySnapshot) bool {
	if mm.config.HighUsage > 0 && s.HeapUsed > mm.config.HighUsage {
		return true
	}
	if mm.config.HighUsagePercent > 0 && s.HeapTotal > 0 {
		pct := float64(s.HeapUsed) / float64(s.HeapTotal) * 100
		return pct > mm.config.HighUsagePercent
	}
	return false
}

// AnalyzeTrend evaluates the trend over the current window without sampling.
func (mm *MemoryMonitor) AnalyzeTrend() Analysis {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.analyzeLocked()
}

// analyzeLocked labels the trend by comparing the oldest and newest snapshot
// of the trailing window. A leak additionally needs a full window, growth
// above the threshold and sustained growth: at least minRising of the steps
// rising and a positive least-squares slope.
func (mm *MemoryMonitor) analyzeLocked() Analysis {
	window := mm.samples.tail(mm.config.TrendWindow)
	a := Analysis{Trend: TrendStable, Samples: len(window)}
	if len(window) < 2 {
		return a
	}

	a.Oldest = window[0]
	a.Newest = window[len(window)-1]
	a.Delta = int64(a.Newest.HeapUsed) - int64(a.Oldest.HeapUsed)

	switch {
	case a.Delta > 0:
		a.Trend = TrendIncreasing
	case a.Delta < 0:
		a.Trend = TrendDecreasing
	}

	rising := 0
	for i := 1; i < len(window); i++ {
		if window[i].HeapUsed > window[i-1].HeapUsed {
			rising++
		}
	}
	a.Rising = float64(rising) / float64(len(window)-1)

	if a.Oldest.HeapUsed > 0 {
		a.GrowthPct = float64(a.Delta) / float64(a.Oldest.HeapUsed) * 100
		a.Leak = a.Trend == TrendIncreasing &&
			len(window) >= mm.config.TrendWindow &&
			a.GrowthPct > mm.config.LeakThreshold*100 &&
			a.Rising >= minRising &&
			slope(window) > 0
	}
	return a
}

// slope is the least-squares gradient of HeapUsed over sample index.
func slope(window []types.MemorySnapshot) float64 {
	n := float64(len(window))
	var sx, sy, sxy, sxx float64
	for i, s := range window {
		x, y := float64(i), float64(s.HeapUsed)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

func (mm *MemoryMonitor) alertLocked(t AlertType, message string, heapUsed uint64) {
	mm.alerts = append(mm.alerts, MemoryAlert{
		Timestamp: time.Now(),
		AlertType: t,
		Message:   message,
		HeapUsed:  heapUsed,
	})
	if len(mm.alerts) > mm.config.MaxSamples {
		mm.alerts = mm.alerts[1:]
	}
}

// GetSamples returns memory sample history, oldest first
func (mm *MemoryMonitor) GetSamples() []types.MemorySnapshot {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.samples.tail(mm.samples.len())
}

// Latest returns the newest snapshot, if any.
func (mm *MemoryMonitor) Latest() (types.MemorySnapshot, bool) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	s := mm.samples.tail(1)
	if len(s) == 0 {
		return types.MemorySnapshot{}, false
	}
	return s[0], true
}

// GetAlerts returns all memory alerts
func (mm *MemoryMonitor) GetAlerts() []MemoryAlert {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	alerts := make([]MemoryAlert, len(mm.alerts))
	copy(alerts, mm.alerts)
	return alerts
}

// MemoryStats provides memory statistics
type MemoryStats struct {
	Current     types.MemorySnapshot `json:"current"`
	SampleCount int                  `json:"sample_count"`
	AlertCount  int                  `json:"alert_count"`
	Trend       Analysis             `json:"trend"`
}

// GetStats returns current memory statistics
func (mm *MemoryMonitor) GetStats() MemoryStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	stats := MemoryStats{
		SampleCount: mm.samples.len(),
		AlertCount:  len(mm.alerts),
		Trend:       mm.last,
	}
	if s := mm.samples.tail(1); len(s) == 1 {
		stats.Current = s[0]
	}
	return stats
}

// ring is a fixed-capacity snapshot buffer that drops the oldest entry.
type ring struct {
	buf   []types.MemorySnapshot
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]types.MemorySnapshot, capacity)}
}

func (r *ring) push(s types.MemorySnapshot) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int { return r.n }

// tail returns up to k of the newest entries, oldest first.
func (r *ring) tail(k int) []types.MemorySnapshot {
	if k > r.n {
		k = r.n
	}
	out := make([]types.MemorySnapshot, k)
	first := r.n - k
	for i := 0; i < k; i++ {
		out[i] = r.buf[(r.start+first+i)%len(r.buf)]
	}
	return out
}
