package retry

import (
	"context"
	stderr "errors"
	"testing"
	"time"

	"github.com/tierstore/tierstore/pkg/errors"
)

func TestRetryer_Success(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 5 * time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeConnectionTimeout, "connection timeout")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = time.Millisecond
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeValidationFailed, "bad input")
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_IntegrityNeverRetried(t *testing.T) {
	retryer := New(LinearConfig(4, time.Millisecond))

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.NewIntegrityError("k", "checksum mismatch")
	})

	if !errors.IsIntegrity(err) {
		t.Errorf("Expected integrity error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_Exhausted(t *testing.T) {
	retryer := New(LinearConfig(3, time.Millisecond))

	attempts := 0
	plain := stderr.New("remote down")
	err := retryer.Do(func() error {
		attempts++
		return plain
	})

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if !stderr.Is(err, plain) {
		t.Errorf("Expected exhausted error to wrap the last error, got %v", err)
	}
}

func TestRetryer_LinearDelay(t *testing.T) {
	retryer := New(Config{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Backoff:      BackoffLinear,
	})

	for attempt, want := range map[int]time.Duration{
		1: 10 * time.Millisecond,
		2: 20 * time.Millisecond,
		3: 30 * time.Millisecond,
	} {
		if got := retryer.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestRetryer_ExponentialDelayCapped(t *testing.T) {
	retryer := New(Config{
		MaxAttempts:  10,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
	})

	if got := retryer.Delay(2); got != 20*time.Millisecond {
		t.Errorf("Delay(2) = %v, want 20ms", got)
	}
	if got := retryer.Delay(8); got != 50*time.Millisecond {
		t.Errorf("Delay(8) = %v, want cap of 50ms", got)
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	var seen []int
	retryer := New(LinearConfig(3, time.Millisecond)).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		seen = append(seen, attempt)
	})

	_ = retryer.Do(func() error { return stderr.New("fail") })

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", seen)
	}
}

func TestRetryer_ContextCanceled(t *testing.T) {
	retryer := New(LinearConfig(5, 50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++
		cancel()
		return stderr.New("fail")
	})

	if !stderr.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}
