// Package retry retries storage calls with exponential or linear backoff.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"time"

	"github.com/tierstore/tierstore/pkg/errors"
)

// Backoff selects how the delay grows between attempts.
type Backoff string

const (
	// BackoffExponential waits InitialDelay * Multiplier^(attempt-1).
	BackoffExponential Backoff = "exponential"
	// BackoffLinear waits InitialDelay * attempt.
	BackoffLinear Backoff = "linear"
)

// Config controls attempts, backoff and which errors are worth retrying.
type Config struct {
	// MaxAttempts counts the first call.
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	// Multiplier applies to exponential backoff only.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	Backoff    Backoff `yaml:"backoff" json:"backoff"`
	// Jitter spreads each delay by up to 20% either way.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryAll retries anything except integrity and codec failures.
	RetryAll        bool               `yaml:"retry_all" json:"retry_all"`
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig retries transient connection and timeout failures five times.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Backoff:      BackoffExponential,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeConnectionTimeout,
			errors.ErrCodeConnectionFailed,
			errors.ErrCodeNetworkError,
			errors.ErrCodeOperationTimeout,
			errors.ErrCodeServiceUnavailable,
		},
	}
}

// LinearConfig returns a configuration that waits delay*attempt between attempts
// and retries anything that is not an integrity or codec failure.
func LinearConfig(attempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		MaxDelay:     time.Duration(attempts) * delay,
		Backoff:      BackoffLinear,
		RetryAll:     true,
	}
}

// Retryer runs an operation until it succeeds, fails permanently, or runs out
// of attempts.
type Retryer struct {
	cfg Config
}

// New fills zero fields of config with the defaults and returns a Retryer.
func New(config Config) *Retryer {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}
	if config.Backoff == "" {
		config.Backoff = def.Backoff
	}
	return &Retryer{cfg: config}
}

// Do is DoWithContext without a deadline.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error { return fn() })
}

// DoWithContext calls fn until it returns nil or a non-retryable error, the
// attempts are used up, or ctx is done. Exhaustion wraps the last error.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("operation canceled: %w", ctxErr)
		}

		if err = fn(ctx); err == nil || !r.shouldRetry(err) {
			return err
		}
		if attempt >= r.cfg.MaxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		wait := r.Delay(attempt)
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(attempt, err, wait)
		}
		if sleepErr := sleep(ctx, wait); sleepErr != nil {
			return fmt.Errorf("operation canceled after %d attempts: %w", attempt, sleepErr)
		}
	}
}

// Delay returns the wait that follows the given failed attempt.
func (r *Retryer) Delay(attempt int) time.Duration {
	base := float64(r.cfg.InitialDelay)
	var d float64
	if r.cfg.Backoff == BackoffLinear {
		d = base * float64(attempt)
	} else {
		d = base * math.Pow(r.cfg.Multiplier, float64(attempt-1))
	}
	d = math.Min(d, float64(r.cfg.MaxDelay))

	if r.cfg.Jitter {
		d *= 0.8 + 0.4*rand.Float64()
	}
	return time.Duration(d)
}

// WithOnRetry returns a copy of r that reports each retry to callback.
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	cfg := r.cfg
	cfg.OnRetry = callback
	return &Retryer{cfg: cfg}
}

// shouldRetry never retries integrity or codec failures. Otherwise RetryAll
// retries everything; without it only retryable StoreErrors are retried.
func (r *Retryer) shouldRetry(err error) bool {
	if errors.IsIntegrity(err) || errors.IsCodec(err) {
		return false
	}
	if r.cfg.RetryAll {
		return true
	}

	var se *errors.StoreError
	if !stderr.As(err, &se) {
		return false
	}
	return se.Retryable || slices.Contains(r.cfg.RetryableErrors, se.Code)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
