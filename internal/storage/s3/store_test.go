package s3

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierstore/tierstore/pkg/errors"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{Bucket: "b", Prefix: "/items/"}
	cfg.applyDefaults()

	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, int64(32*1024*1024), cfg.MultipartThreshold)
	assert.Equal(t, ClassStandard, cfg.StorageClass)
	assert.Equal(t, "items", cfg.Prefix)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"valid", Config{Bucket: "b"}, ""},
		{"empty bucket", Config{}, "bucket name cannot be empty"},
		{"half credentials", Config{Bucket: "b", AccessKeyID: "id"}, "must be set together"},
		{"bad class", Config{Bucket: "b", StorageClass: "GLACIER"}, "unsupported storage class"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewStore_EmptyBucket(t *testing.T) {
	_, err := NewStore(context.Background(), &Config{Region: "us-east-1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket name cannot be empty")

	_, err = NewStore(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestObjectKeyMapping(t *testing.T) {
	s := &Store{config: &Config{Prefix: "app"}}
	assert.Equal(t, "app/user::1", s.objectKey("user::1"))
	assert.Equal(t, "user::1", s.itemKey("app/user::1"))

	s = &Store{config: &Config{}}
	assert.Equal(t, "k", s.objectKey("k"))
	assert.Equal(t, "k", s.itemKey("k"))
}

func TestTranslateError(t *testing.T) {
	s := &Store{config: &Config{Bucket: "b"}}

	tests := []struct {
		name string
		err  error
		want errors.ErrorCode
	}{
		{"no such key", &s3types.NoSuchKey{}, errors.ErrCodeItemNotFound},
		{"head not found", &smithy.GenericAPIError{Code: "NotFound"}, errors.ErrCodeItemNotFound},
		{"no such bucket", &s3types.NoSuchBucket{}, errors.ErrCodeBucketNotFound},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, errors.ErrCodeAccessDenied},
		{"deadline", fmt.Errorf("op: %w", context.DeadlineExceeded), errors.ErrCodeConnectionTimeout},
		{"other api error", &smithy.GenericAPIError{Code: "SlowDown"}, errors.ErrCodeStorageWrite},
		{"transport", fmt.Errorf("dial tcp: connection refused"), errors.ErrCodeNetworkError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.translateError(tt.err, "PutObject", "k")
			assert.Equal(t, tt.want, errors.CodeOf(err))
		})
	}

	assert.True(t, errors.IsRetryable(s.translateError(fmt.Errorf("reset"), "GetObject", "k")))
	assert.False(t, errors.IsRetryable(s.translateError(&s3types.NoSuchKey{}, "GetObject", "k")))
}

func TestStorageClassMapping(t *testing.T) {
	assert.Equal(t, s3types.StorageClassStandardIa, storageClass(ClassStandardIA))
	assert.Equal(t, s3types.StorageClassIntelligentTiering, storageClass(ClassIntelligentTiering))
	assert.Equal(t, s3types.StorageClassStandard, storageClass(""))
}

func TestRecordMetrics(t *testing.T) {
	s := &Store{config: &Config{}}
	s.recordMetrics(10*time.Millisecond, nil)
	s.recordMetrics(20*time.Millisecond, fmt.Errorf("boom"))
	s.recordMetrics(time.Millisecond, &s3types.NoSuchKey{})

	m := s.GetMetrics()
	assert.Equal(t, int64(3), m.Requests)
	assert.Equal(t, int64(1), m.Errors)
	assert.Equal(t, "boom", m.LastError)
}

func newTestPool(t *testing.T, size int) *ConnectionPool {
	t.Helper()
	pool, err := NewConnectionPool(size, func() (*s3.Client, error) {
		return s3.New(s3.Options{Region: "us-east-1"}), nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestConnectionPool_Reuse(t *testing.T) {
	pool := newTestPool(t, 2)
	ctx := context.Background()

	a, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(a)

	b, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, a, b)

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Created)
	assert.Equal(t, int64(1), stats.Reused)
	assert.Equal(t, 1, stats.InUse)
}

func TestConnectionPool_WaitHonoursContext(t *testing.T) {
	pool := newTestPool(t, 1)

	a, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConnectionTimeout, errors.CodeOf(err))

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Waits)
	assert.Equal(t, int64(1), stats.Cancelled)

	pool.Release(a)
	b, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestConnectionPool_ReleaseUnblocksWaiter(t *testing.T) {
	pool := newTestPool(t, 1)
	a, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		got <- err
	}()

	time.Sleep(10 * time.Millisecond)
	pool.Release(a)
	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestConnectionPool_Closed(t *testing.T) {
	pool := newTestPool(t, 1)
	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	_, err := pool.Acquire(context.Background())
	assert.Equal(t, errors.ErrCodeComponentStopped, errors.CodeOf(err))
	pool.Release(s3.New(s3.Options{}))
	assert.Equal(t, 0, pool.Stats().Idle)
}

func TestConnectionPool_ConstructorError(t *testing.T) {
	pool, err := NewConnectionPool(1, func() (*s3.Client, error) {
		return nil, fmt.Errorf("no credentials")
	})
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	require.Error(t, err)
	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, "no credentials", stats.LastError)
	assert.Equal(t, 0, stats.InUse)
}

func TestConnectionPool_NilFactory(t *testing.T) {
	_, err := NewConnectionPool(1, nil)
	assert.Error(t, err)
}
