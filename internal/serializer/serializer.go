// Package serializer orders operations on the same key.
//
// Every operation submitted for a key waits for the one submitted before it to
// settle (success or failure) and then runs. Operations on different keys run
// independently. A key's bookkeeping is dropped as soon as its last operation
// settles.
package serializer

import (
	"context"
	"fmt"
	"sync"

	"github.com/tierstore/tierstore/pkg/errors"
)

// Future is the eventual result of a submitted operation.
type Future struct {
	done chan struct{}
	err  error
}

// Done is closed when the operation has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the operation settles or ctx is done. A ctx expiry does
// not stop the operation itself.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the operation's error. Valid only after Done is closed.
func (f *Future) Err() error { return f.err }

// Serializer tracks the in-flight operation chain per key.
type Serializer struct {
	mu      sync.Mutex
	pending map[string]*Future
	wg      sync.WaitGroup
}

// New creates an empty serializer.
func New() *Serializer {
	return &Serializer{pending: make(map[string]*Future)}
}

// Submit queues fn behind any in-flight operation for key and returns at once.
// fn runs on its own goroutine with a context detached from the caller's
// cancellation, so a caller that gives up does not abort a queued mutation.
func (s *Serializer) Submit(ctx context.Context, key string, fn func(context.Context) error) *Future {
	f := &Future{done: make(chan struct{})}

	s.mu.Lock()
	prev := s.pending[key]
	s.pending[key] = f
	s.wg.Add(1)
	s.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			if s.pending[key] == f {
				delete(s.pending, key)
			}
			s.mu.Unlock()
			close(f.done)
		}()

		if prev != nil {
			<-prev.done
		}
		f.err = run(runCtx, key, fn)
	}()

	return f
}

// run calls fn, turning a panic into an INTERNAL_ERROR for the caller.
func run(ctx context.Context, key string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewError(errors.ErrCodeInternalError, fmt.Sprintf("operation panicked: %v", r)).
				WithComponent("serializer").
				WithKey(key)
		}
	}()
	return fn(ctx)
}

// Guarded runs fn after every earlier operation on key and returns its error.
// If ctx ends first, Guarded returns ctx.Err() while fn still runs to completion.
func (s *Serializer) Guarded(ctx context.Context, key string, fn func(context.Context) error) error {
	return s.Submit(ctx, key, fn).Wait(ctx)
}

// Pending reports how many keys have an operation in flight.
func (s *Serializer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// InFlight reports whether key has an operation in flight.
func (s *Serializer) InFlight(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// WaitIdle blocks until every operation submitted so far has settled.
func (s *Serializer) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	futures := make([]*Future, 0, len(s.pending))
	for _, f := range s.pending {
		futures = append(futures, f)
	}
	s.mu.Unlock()

	// the tail of each chain settles after everything queued before it
	for _, f := range futures {
		select {
		case <-f.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close waits for all submitted operations, including ones submitted after
// WaitIdle snapshots, to finish.
func (s *Serializer) Close() {
	s.wg.Wait()
}
