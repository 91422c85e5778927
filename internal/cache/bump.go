package cache

import "context"

// maybeBump runs the adaptive hot-tier retention heuristic for one non-stale
// hit. Every step is best-effort: any storage error aborts the bump silently
// without touching the read path. Durable-tier TTL and the entry's
// expires_at metadata are never modified.
func (s *Store) maybeBump(ctx context.Context, sourceID, keyHash string) {
	if !s.bump.Enabled() {
		return
	}

	count, err := s.hot.HitIncr(ctx, sourceID, keyHash, s.bump.Window)
	if err != nil {
		s.logger.Debug("ttl bump: hit counter failed", "source", sourceID, "err", err)
		return
	}
	if count < int64(s.bump.Threshold) {
		return
	}

	won, err := s.hot.EnterCooldown(ctx, sourceID, keyHash, s.bump.Cooldown)
	if err != nil || !won {
		return
	}

	cur, hasTTL, err := s.hot.EntryTTL(ctx, sourceID, keyHash)
	if err != nil || !hasTTL {
		// non-expiring entries are left alone
		return
	}
	if cur >= s.bump.MaxTTL {
		return
	}
	next := cur + s.bump.Delta
	if next > s.bump.MaxTTL {
		next = s.bump.MaxTTL
	}
	if err = s.hot.ExtendEntry(ctx, sourceID, keyHash, next); err != nil {
		s.logger.Debug("ttl bump: extend failed", "source", sourceID, "err", err)
		return
	}
	s.counters.bumps.Add(1)
}
