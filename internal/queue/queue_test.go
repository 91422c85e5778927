package queue

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/upstreamcache/upstream-cache/config"
	"github.com/upstreamcache/upstream-cache/internal/keycodec"
	"github.com/upstreamcache/upstream-cache/model"
)

func newQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.QueueCfg{DedupeTTL: time.Minute, IdempotencyTTL: 15 * time.Minute}
	return New(rdb, "uc", cfg, clock.NewMock(), slog.Default()), m
}

// TestEnqueue verifies a fresh job is accepted and lands on the FIFO tail.
func TestEnqueue(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, model.RefreshJob{SourceID: "s1", Key: "/widgets/7"}, EnqueueOptions{})
	require.NoError(t, err)
	require.True(t, res.Enqueued)
	require.NotEmpty(t, res.JobID)

	job, ok, err := q.Pop(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, res.JobID, job.ID)
	require.Equal(t, "/widgets/7", job.Key)
	require.Zero(t, job.Attempts)
}

// TestEnqueue_Duplicate verifies the second enqueue of the same key inside
// the dedupe window is suppressed.
func TestEnqueue_Duplicate(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, model.RefreshJob{SourceID: "s1", Key: "/widgets/7"}, EnqueueOptions{})
	require.NoError(t, err)
	require.True(t, res.Enqueued)

	res, err = q.Enqueue(ctx, model.RefreshJob{SourceID: "s1", Key: "/widgets/7"}, EnqueueOptions{})
	require.NoError(t, err)
	require.False(t, res.Enqueued)
	require.Equal(t, model.ReasonDuplicate, res.Reason)
	require.Empty(t, res.JobID)
}

// TestEnqueue_DuplicateAfterWindow verifies the dedupe guard expires.
func TestEnqueue_DuplicateAfterWindow(t *testing.T) {
	q, m := newQueue(t)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, model.RefreshJob{SourceID: "s1", Key: "/widgets/7"}, EnqueueOptions{})
	require.NoError(t, err)
	require.True(t, res.Enqueued)

	m.FastForward(61 * time.Second)

	res, err = q.Enqueue(ctx, model.RefreshJob{SourceID: "s1", Key: "/widgets/7"}, EnqueueOptions{})
	require.NoError(t, err)
	require.True(t, res.Enqueued)
}

// TestEnqueue_NormalizedKeysCollide verifies dedupe runs on normalized keys:
// two spellings of one resource share a window.
func TestEnqueue_NormalizedKeysCollide(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, model.RefreshJob{SourceID: "s1", Key: "widgets/7"}, EnqueueOptions{})
	require.NoError(t, err)
	require.True(t, res.Enqueued)

	res, err = q.Enqueue(ctx, model.RefreshJob{SourceID: "s1", Key: "/widgets//7/"}, EnqueueOptions{})
	require.NoError(t, err)
	require.False(t, res.Enqueued)
	require.Equal(t, model.ReasonDuplicate, res.Reason)
}

// TestEnqueue_IdempotentReject verifies the idempotency guard fires before
// the dedupe guard and rejects a retried logical request.
func TestEnqueue_IdempotentReject(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	opts := EnqueueOptions{IdempotencyKey: "req-42"}

	res, err := q.Enqueue(ctx, model.RefreshJob{SourceID: "s1", Key: "/widgets/7"}, opts)
	require.NoError(t, err)
	require.True(t, res.Enqueued)

	// Same idempotency key: rejected as idempotent, not as duplicate, even
	// though the dedupe window would also have caught it.
	res, err = q.Enqueue(ctx, model.RefreshJob{SourceID: "s1", Key: "/widgets/7"}, opts)
	require.NoError(t, err)
	require.False(t, res.Enqueued)
	require.Equal(t, model.ReasonIdempotentReject, res.Reason)
}

// TestEnqueue_Invalid verifies structurally invalid jobs are rejected
// without touching storage.
func TestEnqueue_Invalid(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, model.RefreshJob{SourceID: "", Key: "/k"}, EnqueueOptions{})
	require.NoError(t, err)
	require.False(t, res.Enqueued)
	require.Equal(t, model.ReasonInvalid, res.Reason)

	res, err = q.Enqueue(ctx, model.RefreshJob{SourceID: "s1", Key: ""}, EnqueueOptions{})
	require.NoError(t, err)
	require.Equal(t, model.ReasonInvalid, res.Reason)
}

// TestEnqueueMany verifies per-job results come back in input order.
func TestEnqueueMany(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	jobs := []model.RefreshJob{
		{SourceID: "s1", Key: "/a"},
		{SourceID: "s1", Key: "/a"}, // duplicate of the first
		{SourceID: "s1", Key: "/b"},
		{SourceID: "", Key: "/c"}, // invalid
	}
	results, err := q.EnqueueMany(ctx, jobs, EnqueueOptions{})
	require.NoError(t, err)
	require.Len(t, results, 4)
	require.True(t, results[0].Enqueued)
	require.Equal(t, model.ReasonDuplicate, results[1].Reason)
	require.True(t, results[2].Enqueued)
	require.Equal(t, model.ReasonInvalid, results[3].Reason)
}

// TestPop_FIFO verifies jobs come back in enqueue order per source.
func TestPop_FIFO(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	for _, key := range []string{"/a", "/b", "/c"} {
		res, err := q.Enqueue(ctx, model.RefreshJob{SourceID: "s1", Key: key}, EnqueueOptions{})
		require.NoError(t, err)
		require.True(t, res.Enqueued)
	}

	for _, want := range []string{"/a", "/b", "/c"} {
		job, ok, err := q.Pop(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, job.Key)
	}

	_, ok, err := q.Pop(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestPushBack verifies a yielded job lands at the tail, behind jobs that
// were enqueued while it was popped.
func TestPushBack(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, model.RefreshJob{SourceID: "s1", Key: "/a"}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, model.RefreshJob{SourceID: "s1", Key: "/b"}, EnqueueOptions{})
	require.NoError(t, err)

	job, ok, err := q.Pop(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/a", job.Key)

	job.Attempts = 1
	require.NoError(t, q.PushBack(ctx, job))

	next, ok, err := q.Pop(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/b", next.Key)

	back, ok, err := q.Pop(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/a", back.Key)
	require.Equal(t, 1, back.Attempts)
}

// TestEnqueue_PoolJobsBypassDedupe verifies distinct nonces keep pool
// prefetch attempts out of each other's dedupe windows.
func TestEnqueue_PoolJobsBypassDedupe(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key := keycodec.PoolJobKey("/quotes", uuid.NewString())
		res, err := q.Enqueue(ctx, model.RefreshJob{SourceID: "s1", Key: key}, EnqueueOptions{})
		require.NoError(t, err)
		require.True(t, res.Enqueued, "attempt %d", i+1)
	}

	n, err := q.Len(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}
