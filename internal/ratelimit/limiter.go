// Package ratelimit implements fixed-window per-source admission control on
// top of the hot store's atomic counter.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/upstreamcache/upstream-cache/model"
)

// windowSlack keeps the counter alive slightly past its window so the
// limiter self-cleans without a sweep.
const windowSlack = 30 * time.Second

type Limiter struct {
	rdb    redis.UniversalClient
	prefix string
	clk    clock.Clock
}

func New(rdb redis.UniversalClient, prefix string, clk clock.Clock) *Limiter {
	return &Limiter{rdb: rdb, prefix: prefix, clk: clk}
}

// Acquire counts this call against the source's current UTC-minute window
// and reports whether it is admitted. Denied callers still consume a slot:
// the window's count reflects demand, not just admitted load, so retry
// storms cannot reset the effective threshold.
func (l *Limiter) Acquire(ctx context.Context, sourceID string, rl model.RateLimit) (model.RateLimitDecision, error) {
	window := l.clk.Now().UTC().Truncate(time.Minute)
	key := fmt.Sprintf("%s:rl:%s:%d", l.prefix, sourceID, window.Unix())

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return model.RateLimitDecision{}, fmt.Errorf("rate limit incr %s: %w", sourceID, err)
	}
	if count == 1 {
		if err = l.rdb.Expire(ctx, key, time.Minute+windowSlack).Err(); err != nil {
			return model.RateLimitDecision{}, fmt.Errorf("rate limit expire %s: %w", sourceID, err)
		}
	}

	limit := rl.PerMinute + rl.Burst
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return model.RateLimitDecision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   window.Add(time.Minute),
	}, nil
}
