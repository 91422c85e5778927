package ratelimit

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/upstreamcache/upstream-cache/model"
)

func newLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis, *clock.Mock) {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clk := clock.NewMock()
	return New(rdb, "uc", clk), m, clk
}

// TestLimiter_DeniesAboveLimit verifies the (N+1)-th acquire in one window
// is denied while the first N are admitted.
func TestLimiter_DeniesAboveLimit(t *testing.T) {
	l, _, _ := newLimiter(t)
	ctx := context.Background()
	rl := model.RateLimit{PerMinute: 3}

	for i := 0; i < 3; i++ {
		dec, err := l.Acquire(ctx, "s1", rl)
		require.NoError(t, err)
		require.True(t, dec.Allowed, "call %d", i+1)
		require.Equal(t, 3-(i+1), dec.Remaining)
	}

	dec, err := l.Acquire(ctx, "s1", rl)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.Equal(t, 0, dec.Remaining)
	require.Equal(t, 3, dec.Limit)
}

// TestLimiter_BurstExtendsLimit verifies burst slots count into admission.
func TestLimiter_BurstExtendsLimit(t *testing.T) {
	l, _, _ := newLimiter(t)
	ctx := context.Background()
	rl := model.RateLimit{PerMinute: 1, Burst: 1}

	dec, err := l.Acquire(ctx, "s1", rl)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = l.Acquire(ctx, "s1", rl)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = l.Acquire(ctx, "s1", rl)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
}

// TestLimiter_WindowReset verifies a new minute window starts a fresh count.
func TestLimiter_WindowReset(t *testing.T) {
	l, _, clk := newLimiter(t)
	ctx := context.Background()
	rl := model.RateLimit{PerMinute: 1}

	dec, err := l.Acquire(ctx, "s1", rl)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = l.Acquire(ctx, "s1", rl)
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	clk.Add(time.Minute)

	dec, err = l.Acquire(ctx, "s1", rl)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.Equal(t, 0, dec.Remaining)
}

// TestLimiter_DeniedStillCounts verifies denied callers consume slots: the
// window count reflects demand, so retries cannot reset the threshold.
func TestLimiter_DeniedStillCounts(t *testing.T) {
	l, m, clk := newLimiter(t)
	ctx := context.Background()
	rl := model.RateLimit{PerMinute: 1}

	_, err := l.Acquire(ctx, "s1", rl)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = l.Acquire(ctx, "s1", rl)
		require.NoError(t, err)
	}

	window := clk.Now().UTC().Truncate(time.Minute).Unix()
	m.CheckGet(t, "uc:rl:s1:"+strconv.FormatInt(window, 10), "5")
}

// TestLimiter_SourcesIsolated verifies windows are keyed per source.
func TestLimiter_SourcesIsolated(t *testing.T) {
	l, _, _ := newLimiter(t)
	ctx := context.Background()
	rl := model.RateLimit{PerMinute: 1}

	dec, err := l.Acquire(ctx, "s1", rl)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = l.Acquire(ctx, "s2", rl)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
}

// TestLimiter_ResetAt verifies reset_at points at the next window start.
func TestLimiter_ResetAt(t *testing.T) {
	l, _, clk := newLimiter(t)

	dec, err := l.Acquire(context.Background(), "s1", model.RateLimit{PerMinute: 10})
	require.NoError(t, err)

	window := clk.Now().UTC().Truncate(time.Minute)
	require.Equal(t, window.Add(time.Minute), dec.ResetAt)
}
