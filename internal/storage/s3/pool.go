package s3

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tierstore/tierstore/pkg/errors"
)

// ConnectionPool bounds the number of S3 clients in use at once. Idle clients
// are reused; a new one is built only while fewer than size are outstanding.
type ConnectionPool struct {
	slots chan struct{}
	newFn func() (*s3.Client, error)

	mu     sync.Mutex
	idle   []*s3.Client
	closed bool
	stats  PoolStats
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	InUse       int       `json:"in_use"`
	Idle        int       `json:"idle"`
	Size        int       `json:"size"`
	Reused      int64     `json:"reused"`
	Created     int64     `json:"created"`
	Waits       int64     `json:"waits"`
	Cancelled   int64     `json:"cancelled"`
	Errors      int64     `json:"errors"`
	LastCreated time.Time `json:"last_created"`
	LastError   string    `json:"last_error,omitempty"`
}

// NewConnectionPool returns a pool of at most size clients built by newFn.
func NewConnectionPool(size int, newFn func() (*s3.Client, error)) (*ConnectionPool, error) {
	if newFn == nil {
		return nil, fmt.Errorf("s3 client constructor is required")
	}
	if size <= 0 {
		size = 4
	}
	return &ConnectionPool{
		slots: make(chan struct{}, size),
		newFn: newFn,
		stats: PoolStats{Size: size},
	}, nil
}

// Acquire blocks until a client slot is free or ctx is done. Every successful
// Acquire must be paired with Release.
func (p *ConnectionPool) Acquire(ctx context.Context) (*s3.Client, error) {
	if p.isClosed() {
		return nil, errPoolClosed()
	}

	select {
	case p.slots <- struct{}{}:
	default:
		p.count(func(s *PoolStats) { s.Waits++ })
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			p.count(func(s *PoolStats) { s.Cancelled++ })
			return nil, errors.NewError(errors.ErrCodeConnectionTimeout, "timed out waiting for an S3 client").
				WithComponent("s3").
				WithCause(ctx.Err())
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, errPoolClosed()
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.stats.Reused++
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.newFn()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		<-p.slots
		p.stats.Errors++
		p.stats.LastError = err.Error()
		return nil, errors.NewError(errors.ErrCodeConnectionFailed, "failed to build S3 client").
			WithComponent("s3").
			WithCause(err)
	}
	p.stats.Created++
	p.stats.LastCreated = time.Now()
	return c, nil
}

// Release hands a client back. Clients released after Close are dropped.
func (p *ConnectionPool) Release(c *s3.Client) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if !p.closed {
		p.idle = append(p.idle, c)
	}
	p.mu.Unlock()

	select {
	case <-p.slots:
	default:
	}
}

// Stats returns current pool statistics.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Idle = len(p.idle)
	s.InUse = len(p.slots)
	return s
}

// Close drops idle clients and fails later Acquire calls. It is idempotent.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.idle = nil
	return nil
}

func (p *ConnectionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *ConnectionPool) count(fn func(*PoolStats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}

func errPoolClosed() error {
	return errors.NewError(errors.ErrCodeComponentStopped, "s3 connection pool is closed").
		WithComponent("s3")
}
