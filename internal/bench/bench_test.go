package bench

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierstore/tierstore/internal/codec"
	"github.com/tierstore/tierstore/pkg/types"
)

type memStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	inFlight int32
	peak     int32
	failRead bool
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (m *memStore) track() func() {
	n := atomic.AddInt32(&m.inFlight, 1)
	for {
		p := atomic.LoadInt32(&m.peak)
		if n <= p || atomic.CompareAndSwapInt32(&m.peak, p, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return func() { atomic.AddInt32(&m.inFlight, -1) }
}

func (m *memStore) Write(ctx context.Context, key string, data []byte) error {
	defer m.track()()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}

func (m *memStore) Read(ctx context.Context, key string) error {
	defer m.track()()
	if m.failRead {
		return fmt.Errorf("read failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return fmt.Errorf("missing %s", key)
	}
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) RecordMetric(category, operation string, d time.Duration, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, category+"/"+operation)
}

func newCodec(t *testing.T, withKey bool) *codec.Codec {
	t.Helper()
	cfg := codec.Config{}
	if withKey {
		cfg.Key = bytes.Repeat([]byte{1}, 32)
	}
	c, err := codec.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRunAllCategories(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	r := NewRunner(store, newCodec(t, true), rec, nil)

	res, err := r.Run(context.Background(), types.BenchmarkOptions{Iterations: 5, DataSize: 256, Concurrency: 1})
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	for _, name := range []string{CategoryWrite, CategoryRead, CategoryCompress, CategoryEncrypt} {
		stats, ok := res.Categories[name]
		require.True(t, ok, name)
		assert.Equal(t, 5, stats.Operations, name)
		assert.Zero(t, stats.Errors, name)
		assert.LessOrEqual(t, stats.Min, stats.Mean, name)
		assert.LessOrEqual(t, stats.Mean, stats.Max, name)
	}
	assert.Len(t, rec.calls, 4)
	assert.Empty(t, store.data, "benchmark keys are removed")
}

func TestRunSkipsEncryptWithoutKey(t *testing.T) {
	r := NewRunner(newMemStore(), newCodec(t, false), nil, nil)

	res, err := r.Run(context.Background(), types.BenchmarkOptions{Iterations: 2})
	require.NoError(t, err)
	_, ok := res.Categories[CategoryEncrypt]
	assert.False(t, ok)
	assert.Equal(t, DefaultOptions().DataSize, res.Options.DataSize)
}

func TestRunRespectsConcurrency(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store, newCodec(t, false), nil, nil)

	_, err := r.Run(context.Background(), types.BenchmarkOptions{Iterations: 20, DataSize: 64, Concurrency: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&store.peak), int32(3))
}

func TestRunCountsFailures(t *testing.T) {
	store := newMemStore()
	store.failRead = true
	r := NewRunner(store, newCodec(t, false), nil, nil)

	res, err := r.Run(context.Background(), types.BenchmarkOptions{Iterations: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Categories[CategoryRead].Errors)
	assert.Zero(t, res.Categories[CategoryRead].Operations)
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRunner(newMemStore(), newCodec(t, false), nil, nil)

	_, err := r.Run(ctx, types.BenchmarkOptions{Iterations: 4})
	assert.ErrorIs(t, err, context.Canceled)
}
