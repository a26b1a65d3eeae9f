package backend

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tierstore/tierstore/internal/circuit"
	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/retry"
	"github.com/tierstore/tierstore/pkg/types"
	"github.com/tierstore/tierstore/pkg/utils"
)

// RemoteConfig tunes the remote tier's failure handling.
type RemoteConfig struct {
	Timeout        time.Duration
	Retry          retry.Config
	BreakerEnabled bool
	Breaker        circuit.Config
	Logger         *utils.StructuredLogger
}

// Remote is the remote tier. Each call is bounded by Timeout, retried per the
// retry policy and short-circuited while the breaker is open. The transport
// contract requires every RemoteStore call to be idempotent.
type Remote struct {
	store   types.RemoteStore
	timeout time.Duration
	retryer *retry.Retryer
	breaker *circuit.CircuitBreaker
	logger  *utils.StructuredLogger
}

// NewRemote wraps store.
func NewRemote(store types.RemoteStore, cfg RemoteConfig) *Remote {
	logger := cfg.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger = logger.WithComponent("remote")

	rcfg := cfg.Retry
	rcfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("retrying remote call", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	}

	r := &Remote{
		store:   store,
		timeout: cfg.Timeout,
		retryer: retry.New(rcfg),
		logger:  logger,
	}

	if cfg.BreakerEnabled {
		bcfg := cfg.Breaker
		bcfg.OnStateChange = func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state change", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		}
		r.breaker = circuit.NewCircuitBreaker("remote", bcfg)
	}
	return r
}

// DefaultRemoteRetry retries transport failures with exponential backoff.
func DefaultRemoteRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.InitialDelay = 200 * time.Millisecond
	cfg.MaxDelay = 5 * time.Second
	cfg.RetryableErrors = append(cfg.RetryableErrors,
		errors.ErrCodeStorageRead,
		errors.ErrCodeStorageWrite,
		errors.ErrCodeStorageDelete,
	)
	return cfg
}

// Store returns the wrapped transport.
func (r *Remote) Store() types.RemoteStore { return r.store }

// BreakerState reports the breaker position, or CLOSED when disabled.
func (r *Remote) BreakerState() circuit.State {
	if r.breaker == nil {
		return circuit.StateClosed
	}
	return r.breaker.GetState()
}

func (r *Remote) call(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := func(ctx context.Context) error {
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		if r.breaker != nil {
			return r.breaker.Execute(ctx, fn)
		}
		return fn(ctx)
	}

	err := r.retryer.DoWithContext(ctx, attempt)
	if err != nil && !errors.IsNotFound(err) {
		r.logger.Debug("remote call failed", map[string]interface{}{"op": op, "error": err.Error()})
	}
	return err
}

func (r *Remote) Name() types.TierType { return types.TierRemote }

func (r *Remote) Read(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.call(ctx, "read", func(ctx context.Context) error {
		v, err := r.store.Get(ctx, key)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (r *Remote) Write(ctx context.Context, key string, raw []byte) error {
	return r.call(ctx, "write", func(ctx context.Context) error {
		return r.store.Put(ctx, key, raw)
	})
}

func (r *Remote) Delete(ctx context.Context, key string) error {
	return r.call(ctx, "delete", func(ctx context.Context) error {
		return r.store.Delete(ctx, key)
	})
}

func (r *Remote) ClearAll(ctx context.Context) error {
	return r.call(ctx, "clear", func(ctx context.Context) error {
		return r.store.Clear(ctx)
	})
}

func (r *Remote) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := r.call(ctx, "list", func(ctx context.Context) error {
		k, err := r.store.List(ctx)
		if err != nil {
			return err
		}
		keys = k
		return nil
	})
	return keys, err
}

// HealthCheck probes the transport once, bypassing retries.
func (r *Remote) HealthCheck(ctx context.Context) error {
	return r.store.HealthCheck(ctx)
}

func (r *Remote) Close() error {
	if c, ok := r.store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// MemoryRemote is an in-process RemoteStore, used when no network transport
// is configured and in tests. Failures can be injected with FailNext.
type MemoryRemote struct {
	mu       sync.RWMutex
	data     map[string][]byte
	failNext int
	failErr  error
}

// NewMemoryRemote creates an empty in-process remote.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{data: make(map[string][]byte)}
}

// FailNext makes the next n calls return err.
func (m *MemoryRemote) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

func (m *MemoryRemote) injected() error {
	if m.failNext > 0 {
		m.failNext--
		return m.failErr
	}
	return nil
}

func (m *MemoryRemote) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	v, ok := m.data[key]
	if !ok {
		return nil, errors.NewNotFoundError(string(types.TierRemote), key)
	}
	return copyBytes(v), nil
}

func (m *MemoryRemote) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	m.data[key] = copyBytes(data)
	return nil
}

func (m *MemoryRemote) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	delete(m.data, key)
	return nil
}

func (m *MemoryRemote) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryRemote) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	m.data = make(map[string][]byte)
	return nil
}

func (m *MemoryRemote) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.injected()
}
