// Package cache coordinates the two storage tiers into one entry store:
// hot-tier reads with durable-tier fallback and backfill, write-through
// primary writes, and the adaptive TTL-bump heuristic on hot reads.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/upstreamcache/upstream-cache/config"
	"github.com/upstreamcache/upstream-cache/internal/keycodec"
	"github.com/upstreamcache/upstream-cache/internal/store"
	"github.com/upstreamcache/upstream-cache/model"
)

type Store struct {
	hot         *store.Hot
	durable     *store.Durable
	bump        *config.BumpCfg
	backfillTTL time.Duration
	clk         clock.Clock
	logger      *slog.Logger
	counters    *counters
}

func New(hot *store.Hot, durable *store.Durable, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Store {
	return &Store{
		hot:         hot,
		durable:     durable,
		bump:        cfg.Bump,
		backfillTTL: cfg.Hot.BackfillTTL,
		clk:         clk,
		logger:      logger,
		counters:    newCounters(),
	}
}

// SetOptions tune a single Set call.
type SetOptions struct {
	// TTLSeconds overrides the entry's own ttl_s. A value <= 0 stores the
	// entry in the hot tier without expiry.
	TTLSeconds *int

	// SkipDurable suppresses the durable write-through. Used only for
	// durable-to-hot backfills to avoid a redundant write-back.
	SkipDurable bool
}

// Get reads an entry through the cascade: hot tier first, durable tier on
// miss with a hot-tier backfill. Staleness is always recomputed, never read
// back from storage.
func (s *Store) Get(ctx context.Context, sourceID, key string) (*model.Entry, bool, error) {
	return s.get(ctx, sourceID, key, true)
}

// Peek is Get without the TTL-bump accounting; the runner uses it to read
// conditional headers without skewing hit counters.
func (s *Store) Peek(ctx context.Context, sourceID, key string) (*model.Entry, bool, error) {
	return s.get(ctx, sourceID, key, false)
}

func (s *Store) get(ctx context.Context, sourceID, key string, countHit bool) (*model.Entry, bool, error) {
	nk := keycodec.Normalize(key)
	kh := keycodec.Hash(nk)
	now := s.clk.Now()

	entry, ok, err := s.hot.GetEntry(ctx, sourceID, kh)
	if err != nil {
		return nil, false, err
	}
	if ok {
		entry.RecomputeStale(now)
		s.counters.hotHits.Add(1)
		if countHit && !entry.Meta.Stale {
			s.maybeBump(ctx, sourceID, kh)
		}
		return entry, true, nil
	}

	entry, ok, err = s.durable.GetEntry(ctx, sourceID, kh)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		s.counters.misses.Add(1)
		return nil, false, nil
	}
	entry.RecomputeStale(now)
	s.counters.durableHits.Add(1)

	// Backfill floored at a short TTL when already expired, so a key
	// sitting just past expiry does not hammer the durable tier. Entries
	// without an expiry stay hot without one, matching the set path.
	ttl := s.backfillTTL
	if remaining, hasTTL := entry.RemainingTTL(now); !hasTTL {
		ttl = 0
	} else if remaining > s.backfillTTL {
		ttl = remaining
	}
	if berr := s.hot.SetEntry(ctx, sourceID, kh, entry, ttl); berr != nil {
		s.logger.Warn("hot backfill failed", "source", sourceID, "key", nk, "err", berr)
	}

	return entry, true, nil
}

// Set stamps and writes the entry: hot tier with the effective TTL, and
// write-through to the durable tier unless suppressed.
func (s *Store) Set(ctx context.Context, sourceID, key string, entry *model.Entry, opts SetOptions) error {
	nk := keycodec.Normalize(key)
	kh := keycodec.Hash(nk)
	now := s.clk.Now()

	entry.Meta.SourceID = sourceID
	entry.Meta.Key = nk
	entry.Meta.CachedAt = now
	entry.RecomputeStale(now)

	ttlSeconds := entry.Meta.TTLSeconds
	if opts.TTLSeconds != nil {
		ttlSeconds = *opts.TTLSeconds
	}
	var ttl time.Duration
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}

	if err := s.hot.SetEntry(ctx, sourceID, kh, entry, ttl); err != nil {
		return err
	}
	if !opts.SkipDurable {
		if err := s.durable.SetEntry(ctx, sourceID, kh, entry, 0); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the entry from both tiers and returns the total removed.
func (s *Store) Delete(ctx context.Context, sourceID, key string) (int64, error) {
	nk := keycodec.Normalize(key)
	kh := keycodec.Hash(nk)

	var removed int64
	n, err := s.hot.DeleteEntry(ctx, sourceID, kh)
	if err != nil {
		return 0, err
	}
	removed += n
	n, err = s.durable.DeleteEntry(ctx, sourceID, kh)
	if err != nil {
		return removed, err
	}
	removed += n
	return removed, nil
}

// CacheMetrics snapshots the read counters.
func (s *Store) CacheMetrics() (hotHits, durableHits, misses, bumps int64) {
	return s.counters.snapshot()
}
