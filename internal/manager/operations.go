package manager

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tierstore/tierstore/internal/bench"
	"github.com/tierstore/tierstore/internal/chunk"
	"github.com/tierstore/tierstore/internal/codec"
	"github.com/tierstore/tierstore/internal/serializer"
	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
)

// SetOptions control a single Set.
type SetOptions struct {
	Tier types.TierType
	// TTL expires the item; tiers implementing types.TTLWriter also expire
	// it natively.
	TTL      time.Duration
	Encrypt  *bool
	Compress *bool
	// ChunkSize forces chunking for values larger than it.
	ChunkSize  int
	OnProgress func(progress float64)
	Metadata   map[string]interface{}
	// Pinned items are never evicted by cleanup, only expired.
	Pinned bool
}

// GetOptions control a single Get.
type GetOptions struct {
	Tier types.TierType
}

// RemoveOptions control a single Remove.
type RemoveOptions struct {
	Tier types.TierType
}

// ClearOptions control a Clear.
type ClearOptions struct {
	Tier types.TierType
}

// Set stores value under key and waits for it to settle.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, opts SetOptions) error {
	return m.await(ctx, "set", m.SetAsync(ctx, key, value, opts))
}

// SetAsync queues a Set behind any in-flight operation on key. The value is
// serialized before SetAsync returns.
func (m *Manager) SetAsync(ctx context.Context, key string, value interface{}, opts SetOptions) *serializer.Future {
	tier := m.tierOf(opts.Tier)
	data, serr := codec.Serialize(value)

	return m.ser.Submit(ctx, key, func(ctx context.Context) error {
		start := m.now()
		ctx, span := m.startSpan(ctx, "set", key, tier)
		defer span.End()

		var size int64
		err := validateKey(key)
		if err == nil {
			err = serr
		}
		if err == nil {
			size, err = m.set(ctx, key, tier, data, opts)
		}
		m.finish(span, types.OperationRecord{Type: types.OpSet, Key: key, Tier: tier, Size: size}, start, err)
		return err
	})
}

func (m *Manager) set(ctx context.Context, key string, tier types.TierType, data []byte, opts SetOptions) (int64, error) {
	b, err := m.tiers.Get(tier)
	if err != nil {
		return 0, err
	}
	prev := m.current(ctx, b, tier, key)

	item, chunkBytes, err := m.encode(ctx, b, key, data, opts)
	if err != nil {
		m.health.Record(string(tier), storageFault(err))
		return 0, err
	}

	now := m.now()
	meta := make(map[string]interface{}, len(opts.Metadata)+len(item.Metadata)+3)
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	for k, v := range item.Metadata {
		meta[k] = v
	}
	if _, ok := meta[MetaLastModified]; !ok {
		meta[MetaLastModified] = now.UnixMilli()
	}
	if opts.TTL > 0 {
		meta[MetaExpiresAt] = now.Add(opts.TTL).UnixMilli()
	}
	if opts.Pinned {
		meta[MetaPinned] = true
	}
	item.Metadata = meta

	raw, err := codec.MarshalEnvelope(item)
	if err == nil {
		if ttlw, ok := b.(types.TTLWriter); ok && opts.TTL > 0 {
			err = ttlw.WriteTTL(ctx, key, raw, opts.TTL)
		} else {
			err = b.Write(ctx, key, raw)
		}
		m.health.Record(string(tier), err)
	}
	if err != nil {
		// the previous envelope still stands; drop the orphaned generation
		m.purgeChunks(ctx, b, key, chunk.StaleKeys(item, prev))
		return 0, err
	}

	m.purgeChunks(ctx, b, key, chunk.StaleKeys(prev, item))

	size := int64(len(raw)) + chunkBytes
	m.track(tier, key, item, size)
	m.recordChange(types.ChangeSet, tier, key, item)
	return size, nil
}

// encode builds the envelope for data, writing chunk blobs to b first when
// the value is chunked. Each chunked write uses a fresh generation of chunk
// keys so the envelope it replaces stays readable until it is overwritten.
func (m *Manager) encode(ctx context.Context, b types.Backend, key string, data []byte, opts SetOptions) (*types.StorageItem, int64, error) {
	copts := codec.Options{Encrypt: opts.Encrypt, Compress: opts.Compress}
	encrypt, compress := m.codec.Resolve(copts)

	chunkSize := m.cfg.ChunkSize
	chunked := m.cfg.ChunkThreshold > 0 && int64(len(data)) > m.cfg.ChunkThreshold
	if opts.ChunkSize > 0 {
		chunkSize = opts.ChunkSize
		chunked = chunked || len(data) > opts.ChunkSize
	}

	if !chunked {
		item, err := m.codec.EncodeSerialized(key, data, copts)
		if err != nil {
			return nil, 0, err
		}
		if opts.OnProgress != nil {
			opts.OnProgress(1)
		}
		return item, 0, nil
	}

	if opts.Compress == nil && m.cfg.ChunkCompress {
		compress = true
	}

	gen := uuid.NewString()
	var (
		written int64
		keys    []string
	)
	res, err := m.chunks.Split(ctx, data, chunk.Options{
		ChunkSize:  chunkSize,
		Compress:   compress,
		OnProgress: opts.OnProgress,
		ProcessChunk: func(ctx context.Context, i int, blob []byte) error {
			if encrypt {
				sealed, err := m.codec.Seal(blob)
				if err != nil {
					return err
				}
				blob = sealed
			}
			ckey := chunk.GenKey(key, gen, i)
			if err := b.Write(ctx, ckey, blob); err != nil {
				return err
			}
			written += int64(len(blob))
			keys = append(keys, ckey)
			return nil
		},
	})
	if err != nil {
		m.purgeChunks(ctx, b, key, keys)
		return nil, 0, err
	}

	item := &types.StorageItem{
		Key:        key,
		Timestamp:  m.now().UnixMilli(),
		Version:    codec.EnvelopeVersion,
		Checksum:   res.Manifest.Checksum,
		Encrypted:  encrypt,
		Compressed: compress,
		Chunks:     res.Manifest.TotalChunks,
		Metadata: map[string]interface{}{
			MetaChunkSize: res.Manifest.ChunkSize,
			MetaSize:      res.Manifest.Size,
			MetaChunkGen:  gen,
		},
	}
	if compress {
		item.Compression = string(m.codec.Algorithm())
	}
	return item, written, nil
}

// Get returns the decoded item under key. Value holds the serialized JSON
// value. A missing or expired key yields an ITEM_NOT_FOUND error.
func (m *Manager) Get(ctx context.Context, key string, opts GetOptions) (*types.StorageItem, error) {
	tier := m.tierOf(opts.Tier)
	var out *types.StorageItem

	f := m.ser.Submit(ctx, key, func(ctx context.Context) error {
		start := m.now()
		ctx, span := m.startSpan(ctx, "get", key, tier)
		defer span.End()

		rec := types.OperationRecord{Type: types.OpGet, Key: key, Tier: tier}
		item, err := m.get(ctx, key, tier)
		if err == nil {
			out = item
			rec.Hit = true
			rec.Size = int64(len(item.Value))
		}
		if errors.IsNotFound(err) {
			// a miss is a successful lookup
			m.finish(span, rec, start, nil)
			return err
		}
		m.finish(span, rec, start, err)
		return err
	})

	if err := m.await(ctx, "get", f); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) get(ctx context.Context, key string, tier types.TierType) (*types.StorageItem, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	b, err := m.tiers.Get(tier)
	if err != nil {
		return nil, err
	}

	raw, err := b.Read(ctx, key)
	m.health.Record(string(tier), storageFault(err))
	if err != nil {
		if errors.IsNotFound(err) {
			m.forget(tier, key)
		}
		return nil, err
	}
	item, err := codec.UnmarshalEnvelope(raw)
	if err != nil {
		return nil, err
	}

	if exp, ok := item.MetadataInt64(MetaExpiresAt); ok && exp > 0 && m.now().UnixMilli() >= exp {
		if derr := b.Delete(ctx, key); derr != nil {
			m.logger.Warn("expired item not removed", map[string]interface{}{"key": key, "error": derr.Error()})
		}
		m.purgeChunks(ctx, b, key, chunk.Keys(item))
		m.forget(tier, key)
		return nil, errors.NewNotFoundError(string(tier), key).WithDetail("expired", true)
	}

	data, err := m.decode(ctx, b, item)
	if err != nil {
		return nil, err
	}

	if _, tracked := m.lookup(tier, key); !tracked {
		m.track(tier, key, item, int64(len(raw)))
	}
	m.touch(tier, key)

	out := item.Clone()
	out.Value = data
	return out, nil
}

// decode verifies and unwraps an envelope read from b.
func (m *Manager) decode(ctx context.Context, b types.Backend, item *types.StorageItem) ([]byte, error) {
	if item.Chunks == 0 {
		return m.codec.Decode(item)
	}

	blobs, err := readChunks(ctx, b, item)
	if err != nil {
		return nil, err
	}
	for i, blob := range blobs {
		if item.Encrypted {
			opened, err := m.codec.Open(blob)
			if err != nil {
				return nil, withKey(err, item.Key)
			}
			blobs[i] = opened
		}
	}

	data, err := m.chunks.Reassemble(chunk.ManifestOf(item), blobs)
	if err != nil {
		return nil, withKey(err, item.Key)
	}
	return data, nil
}

// readChunks validates the manifest of item before reading its chunks, so a
// corrupt envelope cannot size an allocation.
func readChunks(ctx context.Context, b types.Backend, item *types.StorageItem) ([][]byte, error) {
	if err := chunk.ManifestOf(item).Validate(); err != nil {
		return nil, withKey(err, item.Key)
	}
	keys := chunk.Keys(item)
	blobs := make([][]byte, len(keys))
	for i, ckey := range keys {
		blob, err := b.Read(ctx, ckey)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, errors.NewIntegrityError(item.Key, fmt.Sprintf("chunk %d of %d missing", i, item.Chunks))
			}
			return nil, err
		}
		blobs[i] = blob
	}
	return blobs, nil
}

// GetAs decodes the value under key into T.
func GetAs[T any](ctx context.Context, m *Manager, key string, opts GetOptions) (T, error) {
	var v T
	item, err := m.Get(ctx, key, opts)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(item.Value, &v); err != nil {
		return v, errors.NewCodecError("deserialize", err).WithKey(key)
	}
	return v, nil
}

// Remove deletes key and waits for it to settle. Removing a missing key is
// not an error.
func (m *Manager) Remove(ctx context.Context, key string, opts RemoveOptions) error {
	return m.await(ctx, "remove", m.RemoveAsync(ctx, key, opts))
}

// RemoveAsync queues a Remove behind any in-flight operation on key.
func (m *Manager) RemoveAsync(ctx context.Context, key string, opts RemoveOptions) *serializer.Future {
	tier := m.tierOf(opts.Tier)
	return m.ser.Submit(ctx, key, func(ctx context.Context) error {
		start := m.now()
		ctx, span := m.startSpan(ctx, "remove", key, tier)
		defer span.End()

		err := validateKey(key)
		if err == nil {
			err = m.remove(ctx, key, tier)
		}
		m.finish(span, types.OperationRecord{Type: types.OpRemove, Key: key, Tier: tier}, start, err)
		return err
	})
}

func (m *Manager) remove(ctx context.Context, key string, tier types.TierType) error {
	b, err := m.tiers.Get(tier)
	if err != nil {
		return err
	}

	prev := m.current(ctx, b, tier, key)

	err = b.Delete(ctx, key)
	m.health.Record(string(tier), storageFault(err))
	if err != nil {
		return err
	}
	m.purgeChunks(ctx, b, key, chunk.Keys(prev))
	m.forget(tier, key)
	m.recordChange(types.ChangeDelete, tier, key, nil)
	return nil
}

// current returns the envelope stored under key, from the index when it is
// tracked and from b otherwise. It is nil when there is none.
func (m *Manager) current(ctx context.Context, b types.Backend, tier types.TierType, key string) *types.StorageItem {
	if e, ok := m.lookup(tier, key); ok {
		return e.item
	}
	raw, err := b.Read(ctx, key)
	if err != nil {
		return nil
	}
	item, err := codec.UnmarshalEnvelope(raw)
	if err != nil {
		return nil
	}
	return item
}

// purgeChunks deletes the given chunk blobs of key, logging failures.
func (m *Manager) purgeChunks(ctx context.Context, b types.Backend, key string, keys []string) {
	for _, ckey := range keys {
		if err := b.Delete(ctx, ckey); err != nil && !errors.IsNotFound(err) {
			m.logger.Warn("chunk delete failed", map[string]interface{}{"key": key, "chunk": ckey, "error": err.Error()})
		}
	}
}

// Clear empties a tier after every in-flight operation settles. Every
// removed key is recorded as a delete for sync.
func (m *Manager) Clear(ctx context.Context, opts ClearOptions) error {
	tier := m.tierOf(opts.Tier)
	start := m.now()
	ctx, span := m.startSpan(ctx, "clear", "", tier)
	defer span.End()

	err := m.clear(ctx, tier)
	m.finish(span, types.OperationRecord{Type: types.OpClear, Tier: tier}, start, err)
	return err
}

func (m *Manager) clear(ctx context.Context, tier types.TierType) error {
	b, err := m.tiers.Get(tier)
	if err != nil {
		return err
	}
	if err := m.ser.WaitIdle(ctx); err != nil {
		return m.ctxError("clear", err)
	}

	keys, err := b.Keys(ctx)
	if err != nil {
		m.health.Record(string(tier), err)
		return err
	}
	err = b.ClearAll(ctx)
	m.health.Record(string(tier), err)
	if err != nil {
		return err
	}

	m.dropTier(tier)
	for _, key := range keys {
		if !strings.Contains(key, chunkSeparator) {
			m.recordChange(types.ChangeDelete, tier, key, nil)
		}
	}
	return nil
}

// Sync runs a sync pass now. With no remote tier the result is skipped.
func (m *Manager) Sync(ctx context.Context) types.SyncResult {
	if m.engine == nil {
		return types.SyncResult{
			Success:   true,
			Skipped:   true,
			Timestamp: m.now().UnixMilli(),
			Error:     errors.NewError(errors.ErrCodeSyncDisabled, "no remote tier configured"),
		}
	}
	start := m.now()
	res := m.engine.Sync(ctx)
	end := m.now()
	m.collector.RecordOperation(types.OperationRecord{
		Timestamp: start.UnixMilli(),
		Type:      types.OpSync,
		Tier:      types.TierRemote,
		Success:   res.Success,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
	})
	m.collector.UpdatePendingChanges(m.queue.Len())
	return res
}

// GetSyncState reports the sync engine state.
func (m *Manager) GetSyncState() types.SyncState {
	if m.engine == nil {
		return types.SyncState{Status: types.SyncIdle, PendingChanges: m.queue.Len()}
	}
	state := m.engine.State()
	m.collector.UpdatePendingChanges(state.PendingChanges)
	return state
}

// NotifySettingsChanged lets the next sync tick run regardless of interval.
func (m *Manager) NotifySettingsChanged() {
	if m.engine != nil {
		m.engine.NotifySettingsChanged()
	}
}

// GetMetrics aggregates the operation records of the current window,
// restricted to key when non-empty.
func (m *Manager) GetMetrics(key string) types.Metrics {
	return m.collector.Snapshot(0, key)
}

// RunBenchmark runs the micro-benchmark suite against the default tier.
// Benchmark keys bypass the index and the change queue.
func (m *Manager) RunBenchmark(ctx context.Context, opts types.BenchmarkOptions) (*types.BenchmarkResult, error) {
	b, err := m.tiers.Get(m.cfg.DefaultTier)
	if err != nil {
		return nil, err
	}
	runner := bench.NewRunner(benchStore{m: m, b: b}, m.codec, m.collector, m.logger)
	return runner.Run(ctx, opts)
}

type benchStore struct {
	m *Manager
	b types.Backend
}

func (s benchStore) Write(ctx context.Context, key string, data []byte) error {
	item, err := s.m.codec.EncodeSerialized(key, data, codec.Options{})
	if err != nil {
		return err
	}
	raw, err := codec.MarshalEnvelope(item)
	if err != nil {
		return err
	}
	return s.b.Write(ctx, key, raw)
}

func (s benchStore) Read(ctx context.Context, key string) error {
	raw, err := s.b.Read(ctx, key)
	if err != nil {
		return err
	}
	item, err := codec.UnmarshalEnvelope(raw)
	if err != nil {
		return err
	}
	_, err = s.m.codec.Decode(item)
	return err
}

func (s benchStore) Delete(ctx context.Context, key string) error {
	return s.b.Delete(ctx, key)
}

// helpers

const chunkSeparator = "::chunk::"

func validateKey(key string) error {
	if key == "" {
		return errors.NewError(errors.ErrCodeValidationFailed, "key must not be empty")
	}
	if strings.Contains(key, chunkSeparator) {
		return errors.NewError(errors.ErrCodeValidationFailed, "key must not contain "+chunkSeparator).WithKey(key)
	}
	return nil
}

func (m *Manager) tierOf(t types.TierType) types.TierType {
	if t == "" {
		return m.cfg.DefaultTier
	}
	return t
}

// await waits for f within the operation timeout. The operation keeps
// running when the caller stops waiting.
func (m *Manager) await(ctx context.Context, op string, f *serializer.Future) error {
	if m.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.OperationTimeout)
		defer cancel()
	}
	select {
	case <-f.Done():
		return f.Err()
	case <-ctx.Done():
		return m.ctxError(op, ctx.Err())
	}
}

func (m *Manager) ctxError(op string, err error) error {
	if stderr.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError(op, m.cfg.OperationTimeout).WithCause(err)
	}
	return errors.NewError(errors.ErrCodeOperationCanceled, op+" canceled").WithOperation(op).WithCause(err)
}

func (m *Manager) startSpan(ctx context.Context, op, key string, tier types.TierType) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "tierstore."+op, trace.WithAttributes(
		attribute.String("tierstore.key", key),
		attribute.String("tierstore.tier", string(tier)),
	))
}

func (m *Manager) finish(span trace.Span, rec types.OperationRecord, start time.Time, err error) {
	end := m.now()
	rec.Timestamp = start.UnixMilli()
	rec.StartTime = start
	rec.EndTime = end
	rec.Duration = end.Sub(start)
	rec.Success = err == nil
	m.collector.RecordOperation(rec)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Debug("operation failed", map[string]interface{}{
			"op":    string(rec.Type),
			"key":   rec.Key,
			"tier":  string(rec.Tier),
			"error": err.Error(),
		})
	}
}

// storageFault drops errors that say nothing about tier health.
func storageFault(err error) error {
	switch {
	case err == nil, errors.IsNotFound(err), errors.IsIntegrity(err), errors.IsCodec(err):
		return nil
	}
	return err
}

func withKey(err error, key string) error {
	var se *errors.StoreError
	if stderr.As(err, &se) && se.Key == "" {
		se.WithKey(key)
	}
	return err
}
