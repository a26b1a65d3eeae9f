// Package bench runs the startup micro-benchmark suite. Results are
// informational baselines and never gate startup.
package bench

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tierstore/tierstore/internal/codec"
	"github.com/tierstore/tierstore/pkg/types"
	"github.com/tierstore/tierstore/pkg/utils"
)

// Category names.
const (
	CategoryWrite    = "write"
	CategoryRead     = "read"
	CategoryCompress = "compress"
	CategoryEncrypt  = "encrypt"
)

// Store is the storage surface exercised by the write and read categories.
type Store interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) error
	Delete(ctx context.Context, key string) error
}

// Runner executes benchmark runs against a store and a codec.
type Runner struct {
	store    Store
	codec    *codec.Codec
	recorder types.MetricsRecorder
	logger   *utils.StructuredLogger
	now      func() time.Time
}

// NewRunner creates a runner. recorder and logger may be nil.
func NewRunner(store Store, c *codec.Codec, recorder types.MetricsRecorder, logger *utils.StructuredLogger) *Runner {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Runner{
		store:    store,
		codec:    c,
		recorder: recorder,
		logger:   logger.WithComponent("bench"),
		now:      time.Now,
	}
}

// DefaultOptions is the small suite run at startup.
func DefaultOptions() types.BenchmarkOptions {
	return types.BenchmarkOptions{Iterations: 10, DataSize: 1024, Concurrency: 1}
}

// Run executes every category in order: write, read, compress, encrypt.
// Encrypt is skipped when the codec has no key. Per-operation failures are
// counted in the category stats rather than aborting the run.
func (r *Runner) Run(ctx context.Context, opts types.BenchmarkOptions) (*types.BenchmarkResult, error) {
	def := DefaultOptions()
	if opts.Iterations <= 0 {
		opts.Iterations = def.Iterations
	}
	if opts.DataSize <= 0 {
		opts.DataSize = def.DataSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}

	res := &types.BenchmarkResult{
		RunID:      uuid.NewString(),
		StartedAt:  r.now(),
		Options:    opts,
		Categories: make(map[string]types.BenchmarkStats),
	}
	payload := syntheticPayload(opts.DataSize)
	prefix := "__bench__:" + res.RunID[:8] + ":"
	key := func(i int) string { return fmt.Sprintf("%s%d", prefix, i) }

	categories := []struct {
		name string
		op   func(ctx context.Context, i int) error
	}{
		{CategoryWrite, func(ctx context.Context, i int) error {
			return r.store.Write(ctx, key(i), payload)
		}},
		{CategoryRead, func(ctx context.Context, i int) error {
			return r.store.Read(ctx, key(i))
		}},
		{CategoryCompress, func(ctx context.Context, i int) error {
			_, err := r.codec.Compress(payload)
			return err
		}},
		{CategoryEncrypt, func(ctx context.Context, i int) error {
			_, err := r.codec.Seal(payload)
			return err
		}},
	}

	for _, c := range categories {
		if c.name == CategoryEncrypt && !r.codec.CanEncrypt() {
			continue
		}
		stats, err := r.runCategory(ctx, opts, c.op)
		if err != nil {
			return nil, err
		}
		res.Categories[c.name] = stats
		if r.recorder != nil {
			r.recorder.RecordMetric("benchmark", c.name, stats.Mean, map[string]string{"run_id": res.RunID})
		}
	}

	for i := 0; i < opts.Iterations; i++ {
		_ = r.store.Delete(ctx, key(i))
	}

	res.Duration = r.now().Sub(res.StartedAt)
	r.logger.Info("benchmark completed", map[string]interface{}{
		"run_id":   res.RunID,
		"duration": res.Duration.String(),
	})
	return res, nil
}

// runCategory runs opts.Iterations calls of op with at most opts.Concurrency
// in flight. Only context cancellation aborts the category.
func (r *Runner) runCategory(ctx context.Context, opts types.BenchmarkOptions, op func(context.Context, int) error) (types.BenchmarkStats, error) {
	var (
		mu        sync.Mutex
		durations = make([]time.Duration, 0, opts.Iterations)
		failures  int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i := 0; i < opts.Iterations; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			err := op(gctx, i)
			d := time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				return nil
			}
			durations = append(durations, d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.BenchmarkStats{}, err
	}

	return summarize(durations, failures), nil
}

func summarize(durations []time.Duration, failures int) types.BenchmarkStats {
	s := types.BenchmarkStats{Operations: len(durations), Errors: failures}
	if len(durations) == 0 {
		return s
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	s.Min = durations[0]
	s.Max = durations[len(durations)-1]
	s.Mean = total / time.Duration(len(durations))
	return s
}

// syntheticPayload is half random, half repeated so compression has work
// to do without collapsing to nothing.
func syntheticPayload(size int) []byte {
	b := make([]byte, size)
	rng := rand.New(rand.NewSource(int64(size)))
	half := size / 2
	rng.Read(b[:half])
	for i := half; i < size; i++ {
		b[i] = byte('a' + i%16)
	}
	return b
}
