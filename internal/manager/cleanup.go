package manager

import (
	"context"
	"sort"

	"github.com/tierstore/tierstore/internal/chunk"
	"github.com/tierstore/tierstore/pkg/types"
	"github.com/tierstore/tierstore/pkg/utils"
)

// CleanupOptions control a cleanup pass.
type CleanupOptions struct {
	// Force evicts every unpinned item instead of stopping once usage is
	// back under the warning threshold.
	Force bool
}

// CleanupResult reports what a cleanup pass removed.
type CleanupResult struct {
	Expired int   `json:"expired"`
	Evicted int   `json:"evicted"`
	Freed   int64 `json:"freed"`
}

type candidate struct {
	tier types.TierType
	key  string
	e    entry
}

// Cleanup removes expired items, then evicts unpinned items least recently
// accessed first. Evictions are local housekeeping and are not recorded for
// sync.
func (m *Manager) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	now := m.now()
	var res CleanupResult

	candidates := m.candidates()
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].e.lastAccess.Before(candidates[j].e.lastAccess)
	})

	var live []candidate
	for _, c := range candidates {
		if !c.e.expired(now) {
			live = append(live, c)
			continue
		}
		freed, err := m.evict(ctx, c)
		if err != nil {
			return res, err
		}
		if freed > 0 {
			res.Expired++
			res.Freed += freed
		}
	}

	for _, c := range live {
		if c.e.pinned {
			continue
		}
		if !opts.Force && m.underThreshold() {
			break
		}
		freed, err := m.evict(ctx, c)
		if err != nil {
			return res, err
		}
		if freed > 0 {
			res.Evicted++
			res.Freed += freed
		}
	}

	_, used := m.Usage()
	m.logger.Debug("cleanup finished", map[string]interface{}{
		"force":   opts.Force,
		"expired": res.Expired,
		"evicted": res.Evicted,
		"freed":   utils.FormatBytes(res.Freed),
		"used":    utils.FormatBytes(used),
	})
	return res, nil
}

func (m *Manager) candidates() []candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []candidate
	for tier, byKey := range m.entries {
		for key, e := range byKey {
			out = append(out, candidate{tier: tier, key: key, e: *e})
		}
	}
	return out
}

func (m *Manager) underThreshold() bool {
	if m.cfg.WarningThreshold <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used <= m.cfg.WarningThreshold
}

// evict removes c from its tier unless it changed since the candidate list
// was taken. It returns the bytes freed.
func (m *Manager) evict(ctx context.Context, c candidate) (int64, error) {
	b, err := m.tiers.Get(c.tier)
	if err != nil {
		return 0, err
	}

	var freed int64
	err = m.ser.Guarded(ctx, c.key, func(ctx context.Context) error {
		cur, ok := m.lookup(c.tier, c.key)
		if !ok || cur.item != c.e.item {
			return nil
		}
		if err := b.Delete(ctx, c.key); err != nil {
			return err
		}
		m.purgeChunks(ctx, b, c.key, chunk.Keys(cur.item))
		m.forget(c.tier, c.key)
		freed = cur.size
		return nil
	})
	if err != nil {
		return 0, m.ctxOrErr("cleanup", err)
	}
	return freed, nil
}

func (m *Manager) ctxOrErr(op string, err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return m.ctxError(op, err)
	}
	return err
}
