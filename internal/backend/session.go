package backend

import (
	"context"
	"sort"
	"sync"

	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
)

// Session is the session-scoped tier. Contents live as long as the process
// (or until Close) and are never persisted.
type Session struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewSession creates an empty session tier.
func NewSession() *Session {
	return &Session{data: make(map[string][]byte)}
}

func (s *Session) Name() types.TierType { return types.TierSession }

func (s *Session) Read(ctx context.Context, key string) ([]byte, error) {
	if err := checkContext(ctx, types.TierSession, "read"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, errors.NewNotFoundError(string(types.TierSession), key)
	}
	return copyBytes(v), nil
}

func (s *Session) Write(ctx context.Context, key string, raw []byte) error {
	if err := checkContext(ctx, types.TierSession, "write"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = copyBytes(raw)
	return nil
}

func (s *Session) Delete(ctx context.Context, key string) error {
	if err := checkContext(ctx, types.TierSession, "delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Session) ClearAll(ctx context.Context) error {
	if err := checkContext(ctx, types.TierSession, "clear"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	return nil
}

func (s *Session) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close ends the session and drops its contents.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	return nil
}
