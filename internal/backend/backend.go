// Package backend implements the four interchangeable storage tiers.
//
// Every tier stores opaque raw bytes (an encoded StorageItem envelope) under a
// key and satisfies types.Backend:
//
//   - local: durable key-value table in an embedded SQLite database
//   - session: process-lifetime map, dropped on Close
//   - memory: capacity and TTL bounded LRU cache
//   - remote: a types.RemoteStore behind a circuit breaker and retry policy
//
// A Set is a map of tier name to backend built from configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
)

// Set holds one open backend per tier.
type Set map[types.TierType]types.Backend

// Get returns the backend for tier, defaulting an empty tier to local.
func (s Set) Get(tier types.TierType) (types.Backend, error) {
	b, ok := s[tier.OrDefault()]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeTierUnknown, fmt.Sprintf("tier %q is not configured", tier)).
			WithComponent("backend")
	}
	return b, nil
}

// Close closes every backend and returns the first error.
func (s Set) Close() error {
	var first error
	for _, tier := range types.AllTiers {
		if b, ok := s[tier]; ok {
			if err := b.Close(); err != nil && first == nil {
				first = fmt.Errorf("close %s backend: %w", tier, err)
			}
		}
	}
	return first
}

func checkContext(ctx context.Context, tier types.TierType, op string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewError(errors.ErrCodeOperationCanceled, "context done").
			WithComponent(string(tier)).
			WithOperation(op).
			WithCause(err)
	}
	return nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
