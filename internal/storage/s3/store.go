package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
	"github.com/tierstore/tierstore/pkg/utils"
)

const (
	contentType    = "application/json"
	deleteBatchMax = 1000
)

// StoreMetrics tracks remote store request counters
type StoreMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

// Store is a types.RemoteStore over an S3 bucket. Each item key maps to one
// object under the configured prefix holding the encoded envelope.
type Store struct {
	clients *ClientManager
	config  *Config
	logger  *utils.StructuredLogger

	mu      sync.RWMutex
	metrics StoreMetrics
}

var _ types.RemoteStore = (*Store)(nil)

// NewStore connects to the configured bucket and verifies it with HeadBucket.
func NewStore(ctx context.Context, cfg *Config, logger *utils.StructuredLogger) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("s3 config is required")
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger = logger.WithComponent("s3").WithField("bucket", cfg.Bucket)

	clients, err := NewClientManager(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Store{clients: clients, config: clients.config, logger: logger}
	if err := clients.HealthCheck(ctx); err != nil {
		_ = clients.Close()
		return nil, s.translateError(err, "HeadBucket", "")
	}

	logger.Info("S3 remote store ready", map[string]interface{}{
		"region":        s.config.Region,
		"prefix":        s.config.Prefix,
		"storage_class": s.config.StorageClass,
	})
	return s, nil
}

// objectKey maps an item key to its object key.
func (s *Store) objectKey(key string) string {
	if s.config.Prefix == "" {
		return key
	}
	return s.config.Prefix + "/" + key
}

// itemKey reverses objectKey.
func (s *Store) itemKey(objectKey string) string {
	if s.config.Prefix == "" {
		return objectKey
	}
	return strings.TrimPrefix(objectKey, s.config.Prefix+"/")
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.config.RequestTimeout)
	}
	return ctx, func() {}
}

// Get implements types.RemoteStore.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	client, release, err := s.clients.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		s.recordMetrics(time.Since(start), err)
		return nil, s.translateError(err, "GetObject", key)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	s.recordMetrics(time.Since(start), err)
	if err != nil {
		return nil, s.translateError(err, "GetObject", key)
	}

	s.mu.Lock()
	s.metrics.BytesDownloaded += int64(len(data))
	s.mu.Unlock()
	return data, nil
}

// Put implements types.RemoteStore. Large envelopes use the CargoShip
// transporter and fall back to a plain PutObject if it fails.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if t := s.clients.GetTransporter(); t != nil && int64(len(data)) >= s.config.MultipartThreshold {
		result, err := t.Upload(ctx, cargoships3.Archive{
			Key:          s.objectKey(key),
			Reader:       bytes.NewReader(data),
			Size:         int64(len(data)),
			StorageClass: cargoStorageClass(s.config.StorageClass),
			Metadata: map[string]string{
				"tierstore-key": key,
				"content-type":  contentType,
			},
		})
		if err == nil {
			s.recordMetrics(time.Since(start), nil)
			s.addUploaded(len(data))
			s.logger.Debug("CargoShip upload completed", map[string]interface{}{
				"key":        key,
				"size":       len(data),
				"throughput": result.Throughput,
				"duration":   result.Duration,
			})
			return nil
		}
		s.logger.Warn("CargoShip upload failed, falling back to PutObject", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}

	client, release, err := s.clients.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.config.Bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		StorageClass:  storageClass(s.config.StorageClass),
	})
	s.recordMetrics(time.Since(start), err)
	if err != nil {
		return s.translateError(err, "PutObject", key)
	}
	s.addUploaded(len(data))
	return nil
}

// Delete implements types.RemoteStore. S3 deletes are idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	client, release, err := s.clients.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	s.recordMetrics(time.Since(start), err)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return s.translateError(err, "DeleteObject", key)
	}
	return nil
}

// List implements types.RemoteStore.
func (s *Store) List(ctx context.Context) ([]string, error) {
	objects, err := s.listObjectKeys(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, k := range objects {
		keys = append(keys, s.itemKey(k))
	}
	return keys, nil
}

func (s *Store) listObjectKeys(ctx context.Context) ([]string, error) {
	client, release, err := s.clients.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.config.Bucket)}
	if s.config.Prefix != "" {
		input.Prefix = aws.String(s.config.Prefix + "/")
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(client, input)
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		s.recordMetrics(time.Since(start), err)
		if err != nil {
			return nil, s.translateError(err, "ListObjectsV2", s.config.Prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Clear implements types.RemoteStore by deleting every object under the prefix.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.listObjectKeys(ctx)
	if err != nil {
		return err
	}

	client, release, err := s.clients.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	for len(keys) > 0 {
		n := min(len(keys), deleteBatchMax)
		batch := keys[:n]
		keys = keys[n:]

		ids := make([]s3types.ObjectIdentifier, 0, len(batch))
		for _, k := range batch {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(k)})
		}

		start := time.Now()
		out, err := client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.config.Bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		s.recordMetrics(time.Since(start), err)
		if err != nil {
			return s.translateError(err, "DeleteObjects", "")
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return errors.NewError(errors.ErrCodeStorageDelete,
				fmt.Sprintf("failed to delete %d objects", len(out.Errors))).
				WithComponent("s3").
				WithOperation("DeleteObjects").
				WithKey(aws.ToString(first.Key)).
				WithDetail("s3_code", aws.ToString(first.Code))
		}
	}
	return nil
}

// HealthCheck implements types.RemoteStore.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.clients.HealthCheck(ctx); err != nil {
		return s.translateError(err, "HeadBucket", "")
	}
	return nil
}

// GetMetrics returns the request counters.
func (s *Store) GetMetrics() StoreMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// PoolStats returns the client pool statistics.
func (s *Store) PoolStats() PoolStats {
	return s.clients.GetStats()
}

// Close releases the client pool.
func (s *Store) Close() error {
	return s.clients.Close()
}

func (s *Store) addUploaded(n int) {
	s.mu.Lock()
	s.metrics.BytesUploaded += int64(n)
	s.mu.Unlock()
}

func (s *Store) recordMetrics(duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.Requests++
	if err != nil && !isNotFound(err) {
		s.metrics.Errors++
		s.metrics.LastError = err.Error()
		s.metrics.LastErrorTime = time.Now()
	}

	if s.metrics.Requests == 1 {
		s.metrics.AverageLatency = duration
	} else {
		s.metrics.AverageLatency = time.Duration((int64(s.metrics.AverageLatency)*9 + int64(duration)) / 10)
	}
}

// translateError maps SDK errors onto store error codes so the remote tier's
// retry policy and circuit breaker can classify them.
func (s *Store) translateError(err error, operation, key string) error {
	var code errors.ErrorCode
	switch {
	case isNotFound(err):
		code = errors.ErrCodeItemNotFound
	case isErrorType[*s3types.NoSuchBucket](err):
		code = errors.ErrCodeBucketNotFound
	case apiErrorCode(err) == "AccessDenied" || apiErrorCode(err) == "Forbidden":
		code = errors.ErrCodeAccessDenied
	case stderrors.Is(err, context.DeadlineExceeded):
		code = errors.ErrCodeConnectionTimeout
	case stderrors.Is(err, context.Canceled):
		code = errors.ErrCodeOperationCanceled
	case apiErrorCode(err) != "":
		code = storageCode(operation)
	default:
		code = errors.ErrCodeNetworkError
	}

	return errors.NewError(code, fmt.Sprintf("%s failed", operation)).
		WithComponent("s3").
		WithOperation(operation).
		WithKey(key).
		WithContext("bucket", s.config.Bucket).
		WithCause(err)
}

func storageCode(operation string) errors.ErrorCode {
	switch operation {
	case "PutObject":
		return errors.ErrCodeStorageWrite
	case "DeleteObject", "DeleteObjects":
		return errors.ErrCodeStorageDelete
	default:
		return errors.ErrCodeStorageRead
	}
}

func isNotFound(err error) bool {
	if isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err) {
		return true
	}
	return apiErrorCode(err) == "NotFound"
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}

func storageClass(class string) s3types.StorageClass {
	switch class {
	case ClassStandardIA:
		return s3types.StorageClassStandardIa
	case ClassIntelligentTiering:
		return s3types.StorageClassIntelligentTiering
	default:
		return s3types.StorageClassStandard
	}
}
