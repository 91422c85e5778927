// Package queue implements the per-source FIFO refresh queue with
// duplicate-suppression and idempotency-key protection. Both guards are
// "set if absent with TTL" on the hot store, so at-most-one-winner-per-window
// is a property of storage, not of process-local locking.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/upstreamcache/upstream-cache/config"
	"github.com/upstreamcache/upstream-cache/internal/keycodec"
	"github.com/upstreamcache/upstream-cache/model"
)

type Queue struct {
	rdb    redis.UniversalClient
	prefix string
	cfg    config.QueueCfg
	clk    clock.Clock
	logger *slog.Logger
}

func New(rdb redis.UniversalClient, prefix string, cfg config.QueueCfg, clk clock.Clock, logger *slog.Logger) *Queue {
	return &Queue{rdb: rdb, prefix: prefix, cfg: cfg, clk: clk, logger: logger}
}

// EnqueueOptions tune one enqueue call; zero durations fall back to the
// configured defaults.
type EnqueueOptions struct {
	// IdempotencyKey collapses retries of the same logical request.
	IdempotencyKey string

	DedupeTTL      time.Duration
	IdempotencyTTL time.Duration
}

func (q *Queue) listKey(sourceID string) string {
	return fmt.Sprintf("%s:q:%s", q.prefix, sourceID)
}

func (q *Queue) dedupeKey(sourceID, keyHash string) string {
	return fmt.Sprintf("%s:dedupe:%s:%s", q.prefix, sourceID, keyHash)
}

func (q *Queue) idempotencyKey(sourceID, keyHash, token string) string {
	return fmt.Sprintf("%s:idemp:%s:refresh:%s:%s", q.prefix, sourceID, keyHash, token)
}

// Enqueue appends a job to the tail of its source's queue after both guards
// admit it. Admission rejections come back as structured results, never as
// errors; only storage failures are errors.
func (q *Queue) Enqueue(ctx context.Context, job model.RefreshJob, opts EnqueueOptions) (model.EnqueueResult, error) {
	if job.SourceID == "" || job.Key == "" {
		return model.EnqueueResult{Reason: model.ReasonInvalid}, nil
	}

	nk := keycodec.Normalize(job.Key)
	kh := keycodec.Hash(nk)

	dedupeTTL := opts.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = q.cfg.DedupeTTL
	}
	idempTTL := opts.IdempotencyTTL
	if idempTTL <= 0 {
		idempTTL = q.cfg.IdempotencyTTL
	}

	// Idempotency guard runs first: a caller retrying the same logical
	// request is rejected before the dedupe window is even consulted.
	if opts.IdempotencyKey != "" {
		won, err := q.rdb.SetNX(ctx, q.idempotencyKey(job.SourceID, kh, opts.IdempotencyKey), 1, idempTTL).Result()
		if err != nil {
			return model.EnqueueResult{}, fmt.Errorf("enqueue idempotency guard %s/%s: %w", job.SourceID, nk, err)
		}
		if !won {
			return model.EnqueueResult{Reason: model.ReasonIdempotentReject}, nil
		}
	}

	won, err := q.rdb.SetNX(ctx, q.dedupeKey(job.SourceID, kh), 1, dedupeTTL).Result()
	if err != nil {
		return model.EnqueueResult{}, fmt.Errorf("enqueue dedupe guard %s/%s: %w", job.SourceID, nk, err)
	}
	if !won {
		return model.EnqueueResult{Reason: model.ReasonDuplicate}, nil
	}

	job.ID = uuid.NewString()
	job.Key = nk
	job.Attempts = 0
	job.EnqueuedAt = q.clk.Now()

	if err = q.push(ctx, job); err != nil {
		return model.EnqueueResult{}, err
	}
	return model.EnqueueResult{Enqueued: true, JobID: job.ID}, nil
}

// EnqueueMany applies Enqueue per job in input order. The batch has no
// atomicity guarantee across items; a storage failure aborts the remainder.
func (q *Queue) EnqueueMany(ctx context.Context, jobs []model.RefreshJob, opts EnqueueOptions) ([]model.EnqueueResult, error) {
	results := make([]model.EnqueueResult, 0, len(jobs))
	for _, job := range jobs {
		res, err := q.Enqueue(ctx, job, opts)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Pop removes and returns the job at the head of the source's queue.
func (q *Queue) Pop(ctx context.Context, sourceID string) (model.RefreshJob, bool, error) {
	raw, err := q.rdb.LPop(ctx, q.listKey(sourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.RefreshJob{}, false, nil
	}
	if err != nil {
		return model.RefreshJob{}, false, fmt.Errorf("queue pop %s: %w", sourceID, err)
	}
	var job model.RefreshJob
	if err = json.Unmarshal(raw, &job); err != nil {
		return model.RefreshJob{}, false, fmt.Errorf("queue decode %s: %w", sourceID, err)
	}
	return job, true, nil
}

// PushBack reinserts a job at the tail of its source's queue. This is the
// named back-pressure operation: a rate-limited runner yields the job rather
// than busy-waiting on the window.
func (q *Queue) PushBack(ctx context.Context, job model.RefreshJob) error {
	return q.push(ctx, job)
}

// Len reports the queue depth for one source.
func (q *Queue) Len(ctx context.Context, sourceID string) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.listKey(sourceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len %s: %w", sourceID, err)
	}
	return n, nil
}

func (q *Queue) push(ctx context.Context, job model.RefreshJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue encode %s/%s: %w", job.SourceID, job.Key, err)
	}
	if err = q.rdb.RPush(ctx, q.listKey(job.SourceID), raw).Err(); err != nil {
		return fmt.Errorf("queue push %s/%s: %w", job.SourceID, job.Key, err)
	}
	return nil
}
