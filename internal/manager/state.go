package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/tierstore/tierstore/internal/chunk"
	"github.com/tierstore/tierstore/internal/codec"
	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
)

// localState exposes the index to the sync engine.
type localState struct {
	m *Manager
}

// lookupOrder is the default tier followed by every non-remote tier.
func (m *Manager) lookupOrder() []types.TierType {
	order := []types.TierType{m.cfg.DefaultTier}
	for _, t := range []types.TierType{types.TierLocal, types.TierSession, types.TierMemory} {
		if t != m.cfg.DefaultTier {
			order = append(order, t)
		}
	}
	return order
}

func (m *Manager) locate(key string) (types.TierType, *entry, bool) {
	now := m.now()
	for _, tier := range m.lookupOrder() {
		if e, ok := m.lookup(tier, key); ok && !e.expired(now) {
			return tier, e, true
		}
	}
	return "", nil, false
}

// applyTier is where items won from the remote are installed.
func (m *Manager) applyTier(key string) types.TierType {
	if tier, _, ok := m.locate(key); ok {
		return tier
	}
	if m.cfg.DefaultTier != types.TierRemote {
		return m.cfg.DefaultTier
	}
	return types.TierLocal
}

// resolveTier maps the tier a change was recorded against to the local tier
// the sync engine should read from or install into.
func (m *Manager) resolveTier(tier types.TierType, key string) types.TierType {
	if tier == "" || tier == types.TierRemote {
		return m.applyTier(key)
	}
	return tier
}

func (s localState) Lookup(tier types.TierType, key string) (*types.StorageItem, bool) {
	if tier == "" || tier == types.TierRemote {
		_, e, ok := s.m.locate(key)
		if !ok {
			return nil, false
		}
		return e.item, true
	}
	e, ok := s.m.lookup(tier, key)
	if !ok || e.expired(s.m.now()) {
		return nil, false
	}
	return e.item, true
}

func (s localState) LastModified(item *types.StorageItem) int64 {
	v, _ := item.MetadataInt64(MetaLastModified)
	return v
}

func (s localState) Chunks(ctx context.Context, tier types.TierType, item *types.StorageItem) ([][]byte, error) {
	b, err := s.m.tiers.Get(s.m.resolveTier(tier, item.Key))
	if err != nil {
		return nil, err
	}
	return readChunks(ctx, b, item)
}

func (s localState) Apply(ctx context.Context, tier types.TierType, item *types.StorageItem, chunks [][]byte) error {
	m := s.m
	tier = m.resolveTier(tier, item.Key)
	b, err := m.tiers.Get(tier)
	if err != nil {
		return err
	}

	return m.ser.Guarded(ctx, item.Key, func(ctx context.Context) error {
		prev := m.current(ctx, b, tier, item.Key)

		keys := chunk.Keys(item)
		if len(keys) != len(chunks) {
			return errors.NewIntegrityError(item.Key, fmt.Sprintf("expected %d chunks, got %d", len(keys), len(chunks)))
		}
		raw, err := codec.MarshalEnvelope(item)
		if err != nil {
			return err
		}

		var size int64
		for i, blob := range chunks {
			if err = b.Write(ctx, keys[i], blob); err != nil {
				break
			}
			size += int64(len(blob))
		}
		if err == nil {
			err = b.Write(ctx, item.Key, raw)
		}
		if err != nil {
			m.purgeChunks(ctx, b, item.Key, chunk.StaleKeys(item, prev))
			return err
		}
		m.purgeChunks(ctx, b, item.Key, chunk.StaleKeys(prev, item))
		m.track(tier, item.Key, item, size+int64(len(raw)))
		return nil
	})
}

// hydrate indexes the envelopes already stored in tier.
func (m *Manager) hydrate(ctx context.Context, tier types.TierType) error {
	b, ok := m.tiers[tier]
	if !ok {
		return nil
	}
	keys, err := b.Keys(ctx)
	if err != nil {
		return err
	}

	loaded := 0
	for _, key := range keys {
		if strings.Contains(key, chunkSeparator) {
			continue
		}
		raw, err := b.Read(ctx, key)
		if err != nil {
			m.logger.Warn("skipping unreadable item", map[string]interface{}{"key": key, "error": err.Error()})
			continue
		}
		item, err := codec.UnmarshalEnvelope(raw)
		if err != nil {
			m.logger.Warn("skipping malformed envelope", map[string]interface{}{"key": key, "error": err.Error()})
			continue
		}
		size := int64(len(raw))
		if n, _ := item.MetadataInt64(MetaSize); item.Chunks > 0 && n > 0 {
			size += n
		}
		m.track(tier, key, item, size)
		loaded++
	}

	m.logger.Info("index loaded", map[string]interface{}{"tier": string(tier), "items": loaded})
	return nil
}
