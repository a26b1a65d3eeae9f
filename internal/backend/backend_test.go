package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierstore/tierstore/internal/cache"
	"github.com/tierstore/tierstore/internal/circuit"
	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/retry"
	"github.com/tierstore/tierstore/pkg/types"
)

func fastRetry() retry.Config {
	cfg := DefaultRemoteRetry()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

func newTestSet(t *testing.T) Set {
	t.Helper()
	local, err := OpenLocal(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)

	set := Set{
		types.TierLocal:   local,
		types.TierSession: NewSession(),
		types.TierMemory:  NewMemory(&cache.CacheConfig{MaxSize: 1 << 20, MaxEntries: 100}),
		types.TierRemote:  NewRemote(NewMemoryRemote(), RemoteConfig{Retry: fastRetry()}),
	}
	t.Cleanup(func() { _ = set.Close() })
	return set
}

func TestBackendContract(t *testing.T) {
	set := newTestSet(t)
	ctx := context.Background()

	for _, tier := range types.AllTiers {
		t.Run(string(tier), func(t *testing.T) {
			b, err := set.Get(tier)
			require.NoError(t, err)
			assert.Equal(t, tier, b.Name())

			_, err = b.Read(ctx, "missing")
			assert.True(t, errors.IsNotFound(err), "got %v", err)

			require.NoError(t, b.Write(ctx, "a", []byte("one")))
			require.NoError(t, b.Write(ctx, "b", []byte("two")))
			require.NoError(t, b.Write(ctx, "a", []byte("uno")))

			got, err := b.Read(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "uno", string(got))

			keys, err := b.Keys(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a", "b"}, keys)

			require.NoError(t, b.Delete(ctx, "a"))
			require.NoError(t, b.Delete(ctx, "a"), "deleting a missing key is not an error")
			_, err = b.Read(ctx, "a")
			assert.True(t, errors.IsNotFound(err))

			require.NoError(t, b.ClearAll(ctx))
			keys, err = b.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestSetDefaultsToLocal(t *testing.T) {
	set := newTestSet(t)

	b, err := set.Get("")
	require.NoError(t, err)
	assert.Equal(t, types.TierLocal, b.Name())

	_, err = Set{}.Get(types.TierRemote)
	assert.True(t, errors.HasCode(err, errors.ErrCodeTierUnknown))
}

func TestLocalPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	l, err := OpenLocal(path)
	require.NoError(t, err)
	require.NoError(t, l.Write(ctx, "k", []byte("durable")))
	require.NoError(t, l.Close())

	l, err = OpenLocal(path)
	require.NoError(t, err)
	defer l.Close()

	got, err := l.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "durable", string(got))
}

func TestLocalRequiresPath(t *testing.T) {
	_, err := OpenLocal("  ")
	assert.True(t, errors.HasCode(err, errors.ErrCodeMissingConfig))
}

func TestLocalInMemory(t *testing.T) {
	l, err := OpenLocal(MemoryDSN)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Write(context.Background(), "k", []byte("v")))
	got, err := l.Read(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestSessionClosedDropsData(t *testing.T) {
	s := NewSession()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	_, err := s.Read(ctx, "k")
	assert.True(t, errors.IsNotFound(err))
}

func TestMemoryTTL(t *testing.T) {
	m := NewMemory(&cache.CacheConfig{MaxSize: 1024})
	defer m.Close()
	ctx := context.Background()

	var _ types.TTLWriter = m
	require.NoError(t, m.WriteTTL(ctx, "k", []byte("v"), 10*time.Millisecond))

	_, err := m.Read(ctx, "k")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := m.Read(ctx, "k")
		return errors.IsNotFound(err)
	}, time.Second, 5*time.Millisecond)
}

func TestContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSession()
	err := s.Write(ctx, "k", []byte("v"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationCanceled))
}

func TestRemoteRetriesTransportErrors(t *testing.T) {
	store := NewMemoryRemote()
	r := NewRemote(store, RemoteConfig{Retry: fastRetry()})
	ctx := context.Background()

	store.FailNext(2, errors.NewError(errors.ErrCodeNetworkError, "connection reset"))
	require.NoError(t, r.Write(ctx, "k", []byte("v")))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestRemoteGivesUpAfterBudget(t *testing.T) {
	store := NewMemoryRemote()
	r := NewRemote(store, RemoteConfig{Retry: fastRetry()})

	store.FailNext(10, errors.NewError(errors.ErrCodeNetworkError, "connection reset"))
	err := r.Write(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retry attempts (3) exceeded")
}

func TestRemoteNotFoundIsNotRetried(t *testing.T) {
	store := NewMemoryRemote()
	calls := 0
	cfg := fastRetry()
	r := NewRemote(store, RemoteConfig{Retry: cfg})
	r.retryer = r.retryer.WithOnRetry(func(int, error, time.Duration) { calls++ })

	_, err := r.Read(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
	assert.Zero(t, calls)
}

func TestRemoteBreakerOpens(t *testing.T) {
	store := NewMemoryRemote()
	cfg := fastRetry()
	cfg.MaxAttempts = 1
	r := NewRemote(store, RemoteConfig{
		Retry:          cfg,
		BreakerEnabled: true,
		Breaker:        circuit.Config{FailureThreshold: 2, Timeout: time.Hour},
	})
	ctx := context.Background()

	store.FailNext(2, errors.NewError(errors.ErrCodeNetworkError, "down"))
	_ = r.Write(ctx, "k", []byte("v"))
	_ = r.Write(ctx, "k", []byte("v"))
	assert.Equal(t, circuit.StateOpen, r.BreakerState())

	err := r.Write(ctx, "k", []byte("v"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeServiceUnavailable))
}

func TestMemoryReportsEvictions(t *testing.T) {
	m := NewMemory(&cache.CacheConfig{MaxEntries: 2})
	defer m.Close()
	ctx := context.Background()

	var _ EvictionNotifier = m
	var evicted []string
	m.OnEvict(func(key string) { evicted = append(evicted, key) })

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.Write(ctx, k, []byte(k)))
	}
	assert.Equal(t, []string{"a"}, evicted)

	_, err := m.Read(ctx, "a")
	assert.True(t, errors.IsNotFound(err))
}
