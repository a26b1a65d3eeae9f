// Package syncer reconciles the authoritative in-process state with the
// remote tier.
//
// Mutations are appended to a Queue. A pass drains the queue, fetches the
// remote snapshot, resolves every disagreement last-writer-wins on the
// items' lastModified stamps and applies the outcome on both sides. Failed
// passes are retried with linear backoff; once the budget is spent the
// drained changes go back on the queue and the state ends in error until a
// later pass succeeds.
package syncer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tierstore/tierstore/internal/chunk"
	"github.com/tierstore/tierstore/internal/codec"
	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/retry"
	"github.com/tierstore/tierstore/pkg/types"
	"github.com/tierstore/tierstore/pkg/utils"
)

// LocalState is the side of the reconciliation the engine does not own.
// Every method takes the tier the change was recorded against; an empty
// tier means the first local tier holding the key.
type LocalState interface {
	// Lookup returns the current envelope for key in tier.
	Lookup(tier types.TierType, key string) (*types.StorageItem, bool)
	// LastModified returns the item's modification stamp, 0 when it has none.
	LastModified(item *types.StorageItem) int64
	// Chunks returns the stored chunk blobs of a chunked item, in order.
	Chunks(ctx context.Context, tier types.TierType, item *types.StorageItem) ([][]byte, error)
	// Apply installs an item that won against the local copy. It must not
	// enqueue a change record.
	Apply(ctx context.Context, tier types.TierType, item *types.StorageItem, chunks [][]byte) error
}

// Waiter is satisfied by the per-key operation serializer.
type Waiter interface {
	WaitIdle(ctx context.Context) error
}

// Config controls the engine.
type Config struct {
	Enabled    bool
	Interval   time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Engine runs sync passes on a ticker and on demand.
type Engine struct {
	cfg      Config
	queue    *Queue
	local    LocalState
	remote   types.Backend
	waiter   Waiter
	logger   *utils.StructuredLogger
	recorder types.MetricsRecorder
	tracer   trace.Tracer
	now      func() time.Time

	// passMu serializes passes
	passMu sync.Mutex

	mu              sync.RWMutex
	state           types.SyncState
	settingsVersion uint64
	syncedVersion   uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *utils.StructuredLogger) Option {
	return func(e *Engine) { e.logger = l.WithComponent("sync") }
}

// WithRecorder sets the metric sink.
func WithRecorder(r types.MetricsRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithWaiter makes each pass wait for in-flight operations first.
func WithWaiter(w Waiter) Option {
	return func(e *Engine) { e.waiter = w }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. It does not tick until Start.
func New(cfg Config, queue *Queue, local LocalState, remote types.Backend, opts ...Option) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	e := &Engine{
		cfg:    cfg,
		queue:  queue,
		local:  local,
		remote: remote,
		logger: utils.NewNopLogger(),
		tracer: otel.Tracer("github.com/tierstore/tierstore/internal/syncer"),
		now:    time.Now,
		state:  types.SyncState{Status: types.SyncIdle},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the periodic trigger. Calling Start again restarts it.
func (e *Engine) Start(ctx context.Context) {
	e.Stop()

	e.runMu.Lock()
	jobCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	e.runMu.Unlock()

	go func() {
		defer e.wg.Done()
		t := time.NewTicker(e.cfg.Interval)
		defer t.Stop()

		for {
			select {
			case <-jobCtx.Done():
				return
			case <-t.C:
				if !e.shouldSync() {
					continue
				}
				res := e.run(jobCtx)
				if res.Error != nil && jobCtx.Err() == nil {
					e.logger.Error("scheduled sync failed", map[string]interface{}{"error": res.Error.Error()})
				}
			}
		}
	}()
}

// Stop cancels the periodic trigger and waits for an in-progress pass to
// return. Safe to call when not started.
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// NotifySettingsChanged makes the next tick sync even inside the interval.
func (e *Engine) NotifySettingsChanged() {
	e.mu.Lock()
	e.settingsVersion++
	e.mu.Unlock()
}

// shouldSync is the tick debounce: sync only when enabled and either the
// interval has elapsed since the last success or settings changed since.
func (e *Engine) shouldSync() bool {
	if !e.cfg.Enabled {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.settingsVersion != e.syncedVersion {
		return true
	}
	last := time.UnixMilli(e.state.LastSync)
	return e.state.LastSync == 0 || e.now().Sub(last) >= e.cfg.Interval
}

// State returns a copy of the sync state.
func (e *Engine) State() types.SyncState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.state
	s.PendingChanges = e.queue.Len()
	return s
}

// Sync runs one pass now, bypassing the interval debounce. It returns a
// result in every case; failures are reported in SyncResult.Error.
func (e *Engine) Sync(ctx context.Context) types.SyncResult {
	if !e.cfg.Enabled {
		return types.SyncResult{
			Timestamp: e.now().UnixMilli(),
			Skipped:   true,
			Error:     errors.NewError(errors.ErrCodeSyncDisabled, "sync is disabled").WithComponent("sync"),
		}
	}
	return e.run(ctx)
}

func (e *Engine) run(ctx context.Context) types.SyncResult {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	start := e.now()
	cycleID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "sync.pass", trace.WithAttributes(attribute.String("sync.cycle_id", cycleID)))
	defer span.End()

	e.mu.Lock()
	e.state.Status = types.SyncSyncing
	e.state.CycleID = cycleID
	version := e.settingsVersion
	e.mu.Unlock()

	if e.waiter != nil {
		if err := e.waiter.WaitIdle(ctx); err != nil {
			return e.fail(span, start, nil, errors.NewSyncError("await in-flight operations", err))
		}
	}

	changes := e.queue.Drain()
	span.SetAttributes(attribute.Int("sync.changes", len(changes)))
	if len(changes) == 0 {
		return e.succeed(start, version, 0, nil)
	}

	var conflicts []types.Conflict
	retryer := retry.New(retry.LinearConfig(e.cfg.MaxRetries, e.cfg.RetryDelay))
	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		conflicts, err = e.reconcile(ctx, changes)
		if err != nil {
			e.recordAttemptError(err)
		}
		return err
	})
	if err != nil {
		e.queue.Requeue(changes)
		return e.fail(span, start, changes, err)
	}

	span.SetAttributes(attribute.Int("sync.conflicts", len(conflicts)))
	return e.succeed(start, version, len(changes), conflicts)
}

func (e *Engine) recordAttemptError(err error) {
	e.mu.Lock()
	e.state.SyncErrors++
	e.state.LastError = err.Error()
	e.mu.Unlock()
	e.logger.Warn("sync attempt failed", map[string]interface{}{"error": err.Error()})
}

func (e *Engine) succeed(start time.Time, version uint64, changes int, conflicts []types.Conflict) types.SyncResult {
	now := e.now()
	e.mu.Lock()
	e.state.Status = types.SyncIdle
	e.state.LastSync = now.UnixMilli()
	e.state.SyncErrors = 0
	e.state.LastError = ""
	e.syncedVersion = version
	e.mu.Unlock()

	e.record(start, "pass", true)
	if changes > 0 {
		e.logger.Info("sync completed", map[string]interface{}{
			"changes":   changes,
			"conflicts": len(conflicts),
		})
	}
	return types.SyncResult{
		Success:   true,
		Timestamp: now.UnixMilli(),
		Changes:   changes,
		Conflicts: conflicts,
	}
}

func (e *Engine) fail(span trace.Span, start time.Time, changes []types.ChangeRecord, err error) types.SyncResult {
	if !errors.HasCode(err, errors.ErrCodeSyncFailed) {
		err = errors.NewSyncError("pass", err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	e.mu.Lock()
	e.state.Status = types.SyncError
	e.state.LastError = err.Error()
	e.mu.Unlock()

	e.record(start, "pass", false)
	e.logger.Error("sync failed", map[string]interface{}{
		"error":   err.Error(),
		"pending": len(changes),
	})
	return types.SyncResult{
		Success:   false,
		Timestamp: e.now().UnixMilli(),
		Changes:   len(changes),
		Error:     err,
	}
}

func (e *Engine) record(start time.Time, op string, success bool) {
	if e.recorder == nil {
		return
	}
	e.recorder.RecordMetric("sync", op, e.now().Sub(start), map[string]string{
		"success": fmt.Sprintf("%t", success),
	})
}

// reconcile performs steps four through six of a pass against the drained
// changes. It is safe to repeat: every write it makes is idempotent.
func (e *Engine) reconcile(ctx context.Context, changes []types.ChangeRecord) ([]types.Conflict, error) {
	// the newest record per key decides both the action and the local tier
	latest := make(map[string]types.ChangeRecord, len(changes))
	for _, c := range changes {
		latest[c.Key] = c
	}

	remote, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	for key, c := range latest {
		if c.Kind != types.ChangeDelete {
			continue
		}
		if err := e.deleteRemote(ctx, key, remote[key]); err != nil {
			return nil, err
		}
		delete(remote, key)
	}

	keys := make([]string, 0, len(remote)+len(latest))
	seen := make(map[string]bool, len(remote)+len(latest))
	for k := range remote {
		keys = append(keys, k)
		seen[k] = true
	}
	for k, c := range latest {
		if c.Kind == types.ChangeSet && !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var conflicts []types.Conflict
	for _, key := range keys {
		change, changed := latest[key]
		if changed && change.Kind == types.ChangeDelete {
			continue
		}
		tier := change.Tier
		local, hasLocal := e.local.Lookup(tier, key)
		rem, hasRemote := remote[key]

		switch {
		case hasLocal && !hasRemote:
			if changed {
				if err := e.push(ctx, tier, local, nil); err != nil {
					return nil, err
				}
			}

		case hasRemote:
			if hasLocal && local.Checksum == rem.Checksum {
				continue
			}
			c := e.resolve(key, local, rem)
			if c.Winner == "local" {
				if err := e.push(ctx, tier, local, rem); err != nil {
					return nil, err
				}
			} else {
				if err := e.pull(ctx, tier, rem); err != nil {
					return nil, err
				}
			}
			conflicts = append(conflicts, c)
		}
	}
	return conflicts, nil
}

// resolve is last-writer-wins. A missing stamp counts as 0 and local only
// wins when strictly newer, so ties go to the remote copy.
func (e *Engine) resolve(key string, local, remote *types.StorageItem) types.Conflict {
	c := types.Conflict{Key: key, Local: local, Remote: remote}
	if local != nil {
		c.LocalModified = e.local.LastModified(local)
	}
	c.RemoteModified = e.local.LastModified(remote)

	if local != nil && c.LocalModified > c.RemoteModified {
		c.Winner = "local"
		c.Resolved = local
	} else {
		c.Winner = "remote"
		c.Resolved = remote
	}
	return c
}

// snapshot fetches every envelope on the remote tier, keyed by item key.
func (e *Engine) snapshot(ctx context.Context) (map[string]*types.StorageItem, error) {
	keys, err := e.remote.Keys(ctx)
	if err != nil {
		return nil, errors.NewSyncError("list remote", err)
	}

	out := make(map[string]*types.StorageItem, len(keys))
	for _, key := range keys {
		if isChunkKey(key) {
			continue
		}
		raw, err := e.remote.Read(ctx, key)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, errors.NewSyncError("read remote", err).WithKey(key)
		}
		item, err := codec.UnmarshalEnvelope(raw)
		if err != nil {
			e.logger.Warn("skipping unreadable remote envelope", map[string]interface{}{"key": key, "error": err.Error()})
			continue
		}
		if item.Chunks < 0 {
			e.logger.Warn("skipping remote envelope with invalid chunk count", map[string]interface{}{"key": key, "chunks": item.Chunks})
			continue
		}
		if item.Key == "" {
			item.Key = key
		}
		out[key] = item
	}
	return out, nil
}

// push writes item and its chunks to the remote, then drops the chunks of
// the remote copy it replaced. replaced may be nil.
func (e *Engine) push(ctx context.Context, tier types.TierType, item, replaced *types.StorageItem) error {
	if item.Chunks > 0 {
		blobs, err := e.local.Chunks(ctx, tier, item)
		if err != nil {
			return errors.NewSyncError("read local chunks", err).WithKey(item.Key)
		}
		if len(blobs) != item.Chunks {
			return errors.NewSyncError("read local chunks",
				fmt.Errorf("expected %d chunks, got %d", item.Chunks, len(blobs))).WithKey(item.Key)
		}
		for i, key := range chunk.Keys(item) {
			if err := e.remote.Write(ctx, key, blobs[i]); err != nil {
				return errors.NewSyncError("push chunk", err).WithKey(item.Key)
			}
		}
	}

	raw, err := codec.MarshalEnvelope(item)
	if err != nil {
		return err
	}
	if err := e.remote.Write(ctx, item.Key, raw); err != nil {
		return errors.NewSyncError("push", err).WithKey(item.Key)
	}
	for _, key := range chunk.StaleKeys(replaced, item) {
		if err := e.remote.Delete(ctx, key); err != nil {
			e.logger.Warn("stale remote chunk not removed", map[string]interface{}{"key": key, "error": err.Error()})
		}
	}
	return nil
}

func (e *Engine) pull(ctx context.Context, tier types.TierType, item *types.StorageItem) error {
	var blobs [][]byte
	for _, key := range chunk.Keys(item) {
		b, err := e.remote.Read(ctx, key)
		if err != nil {
			return errors.NewSyncError("pull chunk", err).WithKey(item.Key)
		}
		blobs = append(blobs, b)
	}
	if err := e.local.Apply(ctx, tier, item, blobs); err != nil {
		return errors.NewSyncError("apply", err).WithKey(item.Key)
	}
	return nil
}

func (e *Engine) deleteRemote(ctx context.Context, key string, known *types.StorageItem) error {
	if err := e.remote.Delete(ctx, key); err != nil {
		return errors.NewSyncError("delete remote", err).WithKey(key)
	}
	for _, ckey := range chunk.Keys(known) {
		if err := e.remote.Delete(ctx, ckey); err != nil {
			return errors.NewSyncError("delete remote chunk", err).WithKey(key)
		}
	}
	return nil
}

func isChunkKey(key string) bool {
	return strings.Contains(key, "::chunk::")
}
