package memmon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tierstore/tierstore/pkg/types"
)

const mb = 1 << 20

// sequence returns a sampler that replays heap values in MB, then repeats the last one.
func sequence(values ...uint64) Sampler {
	i := 0
	return func() types.MemorySnapshot {
		v := values[len(values)-1]
		if i < len(values) {
			v = values[i]
			i++
		}
		return types.MemorySnapshot{
			Timestamp: int64(i),
			HeapUsed:  v * mb,
			HeapTotal: 1024 * mb,
		}
	}
}

func TestNewMemoryMonitorDefaults(t *testing.T) {
	monitor := NewMemoryMonitor(MonitorConfig{})

	if monitor.config.SampleInterval != 10*time.Second {
		t.Errorf("Expected default sample interval, got %v", monitor.config.SampleInterval)
	}
	if monitor.config.LeakThreshold != 0.20 {
		t.Errorf("Expected default leak threshold 0.20, got %v", monitor.config.LeakThreshold)
	}
	if monitor.config.Sampler == nil {
		t.Error("Expected runtime sampler")
	}
}

func TestLeakDetectedOnSteadyGrowth(t *testing.T) {
	var leaks int32
	monitor := NewMemoryMonitor(MonitorConfig{
		TrendWindow: 5,
		Sampler:     sequence(50, 68, 85, 103, 120),
		OnLeak:      func(Analysis) { atomic.AddInt32(&leaks, 1) },
	})

	var a Analysis
	for i := 0; i < 5; i++ {
		a = monitor.Tick()
	}

	if a.Trend != TrendIncreasing {
		t.Errorf("Expected increasing trend, got %s", a.Trend)
	}
	if !a.Leak {
		t.Errorf("Expected leak for 50MB -> 120MB, got growth %.1f%%", a.GrowthPct)
	}
	if a.Oldest.HeapUsed != 50*mb || a.Newest.HeapUsed != 120*mb {
		t.Errorf("Unexpected window bounds: %d -> %d", a.Oldest.HeapUsed, a.Newest.HeapUsed)
	}
	if atomic.LoadInt32(&leaks) == 0 {
		t.Error("Expected OnLeak to fire")
	}
}

func TestNoLeakOnSinusoid(t *testing.T) {
	var leaks int32
	monitor := NewMemoryMonitor(MonitorConfig{
		TrendWindow: 5,
		Sampler:     sequence(85, 120, 85, 50, 85),
		OnLeak:      func(Analysis) { atomic.AddInt32(&leaks, 1) },
	})

	var a Analysis
	for i := 0; i < 5; i++ {
		a = monitor.Tick()
	}

	if a.Leak {
		t.Errorf("Sinusoid flagged as leak: %+v", a)
	}
	if a.Trend != TrendStable {
		t.Errorf("Expected stable trend, got %s", a.Trend)
	}
	// 85 -> 120 on tick 2 is partial-window growth
	if n := atomic.LoadInt32(&leaks); n != 0 {
		t.Errorf("Expected no OnLeak calls within a full window, got %d", n)
	}
}

// cycle returns a sampler that repeats heap values in MB forever, starting at
// offset into the pattern.
func cycle(offset int, values ...uint64) Sampler {
	i := offset
	return func() types.MemorySnapshot {
		v := values[i%len(values)]
		i++
		return types.MemorySnapshot{
			Timestamp: int64(i),
			HeapUsed:  v * mb,
			HeapTotal: 1024 * mb,
		}
	}
}

func TestNoLeakOnSinusoidWithDefaultWindow(t *testing.T) {
	patterns := [][]uint64{
		{85, 120, 85, 50},
		{85, 103, 120, 103, 85, 68, 50, 68},
	}
	for _, pattern := range patterns {
		for phase := range pattern {
			var leaks int32
			monitor := NewMemoryMonitor(MonitorConfig{
				Sampler: cycle(phase, pattern...),
				OnLeak:  func(Analysis) { atomic.AddInt32(&leaks, 1) },
			})
			for i := 0; i < 48; i++ {
				if a := monitor.Tick(); a.Leak {
					t.Errorf("pattern %v phase %d tick %d: flagged leak %.1f%% rising %.2f",
						pattern, phase, i, a.GrowthPct, a.Rising)
				}
			}
			if n := atomic.LoadInt32(&leaks); n != 0 {
				t.Errorf("pattern %v phase %d: OnLeak fired %d times", pattern, phase, n)
			}
		}
	}
}

func TestLeakDetectedThroughCollectionDips(t *testing.T) {
	monitor := NewMemoryMonitor(MonitorConfig{
		Sampler: sequence(50, 60, 58, 70, 80, 78, 90, 100, 98, 110),
	})

	var a Analysis
	for i := 0; i < 10; i++ {
		a = monitor.Tick()
	}
	if !a.Leak {
		t.Errorf("Expected leak for 50MB -> 110MB with dips, got %+v", a)
	}
	if a.Rising < minRising {
		t.Errorf("rising = %.2f, want at least %.2f", a.Rising, minRising)
	}
}

func TestGrowthBelowThreshold(t *testing.T) {
	monitor := NewMemoryMonitor(MonitorConfig{
		TrendWindow: 3,
		Sampler:     sequence(100, 105, 110),
	})
	var a Analysis
	for i := 0; i < 3; i++ {
		a = monitor.Tick()
	}
	if a.Trend != TrendIncreasing || a.Leak {
		t.Errorf("Expected increasing without leak, got %+v", a)
	}

	monitor = NewMemoryMonitor(MonitorConfig{
		TrendWindow: 3,
		Sampler:     sequence(120, 100, 80),
	})
	for i := 0; i < 3; i++ {
		a = monitor.Tick()
	}
	if a.Trend != TrendDecreasing {
		t.Errorf("Expected decreasing, got %s", a.Trend)
	}
}

func TestRingBufferDropsOldest(t *testing.T) {
	monitor := NewMemoryMonitor(MonitorConfig{
		MaxSamples:  3,
		TrendWindow: 3,
		Sampler:     sequence(1, 2, 3, 4, 5),
	})
	for i := 0; i < 5; i++ {
		monitor.Tick()
	}

	samples := monitor.GetSamples()
	if len(samples) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(samples))
	}
	for i, want := range []uint64{3, 4, 5} {
		if samples[i].HeapUsed != want*mb {
			t.Errorf("sample %d = %d, want %d", i, samples[i].HeapUsed/mb, want)
		}
	}
}

func TestHighUsageFiresImmediately(t *testing.T) {
	var high int32
	monitor := NewMemoryMonitor(MonitorConfig{
		HighUsage:   100 * mb,
		Sampler:     sequence(150),
		OnHighUsage: func(types.MemorySnapshot) { atomic.AddInt32(&high, 1) },
	})

	monitor.Tick()

	if atomic.LoadInt32(&high) != 1 {
		t.Error("Expected high-usage hook on the first tick")
	}
	alerts := monitor.GetAlerts()
	if len(alerts) != 1 || alerts[0].AlertType != AlertTypeHighUsage {
		t.Errorf("Expected one high usage alert, got %+v", alerts)
	}
}

func TestHighUsagePercent(t *testing.T) {
	monitor := NewMemoryMonitor(MonitorConfig{HighUsagePercent: 50})

	if monitor.isHighUsage(types.MemorySnapshot{HeapUsed: 40, HeapTotal: 100}) {
		t.Error("40% should not be high usage")
	}
	if !monitor.isHighUsage(types.MemorySnapshot{HeapUsed: 60, HeapTotal: 100}) {
		t.Error("60% should be high usage")
	}
}

func TestMemoryMonitor_StartStop(t *testing.T) {
	var ticks int32
	monitor := NewMemoryMonitor(MonitorConfig{
		SampleInterval: 5 * time.Millisecond,
		Sampler: func() types.MemorySnapshot {
			atomic.AddInt32(&ticks, 1)
			return RuntimeSampler()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := monitor.Start(ctx); err != nil {
		t.Fatalf("Failed to start monitor: %v", err)
	}
	if err := monitor.Start(ctx); err == nil {
		t.Error("Expected error starting twice")
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&ticks) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	monitor.Stop()
	monitor.Stop()

	stats := monitor.GetStats()
	if stats.SampleCount < 2 {
		t.Errorf("Expected at least 2 samples, got %d", stats.SampleCount)
	}
	if stats.Current.HeapUsed == 0 {
		t.Error("Expected non-zero heap usage from runtime sampler")
	}
}
