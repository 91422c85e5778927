// Package runner drains refresh jobs per source under rate-limit admission,
// performs conditional origin fetches and commits the results into the cache
// or pool stores. One invocation is a single cooperative unit of work: all
// shared state lives in the storage tiers.
package runner

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	uberrate "go.uber.org/ratelimit"

	"github.com/upstreamcache/upstream-cache/config"
	"github.com/upstreamcache/upstream-cache/internal/cache"
	"github.com/upstreamcache/upstream-cache/internal/fetch"
	"github.com/upstreamcache/upstream-cache/internal/keycodec"
	"github.com/upstreamcache/upstream-cache/internal/pool"
	"github.com/upstreamcache/upstream-cache/internal/queue"
	"github.com/upstreamcache/upstream-cache/internal/ratelimit"
	"github.com/upstreamcache/upstream-cache/internal/sources"
	"github.com/upstreamcache/upstream-cache/model"
)

type Runner struct {
	cfg     config.RunnerCfg
	queue   *queue.Queue
	limiter *ratelimit.Limiter
	cache   *cache.Store
	pool    *pool.Store
	sources sources.Provider
	fetcher *fetch.Fetcher
	pacer   uberrate.Limiter
	clk     clock.Clock
	logger  *slog.Logger
}

func New(
	cfg config.RunnerCfg,
	q *queue.Queue,
	limiter *ratelimit.Limiter,
	cacheStore *cache.Store,
	poolStore *pool.Store,
	provider sources.Provider,
	fetcher *fetch.Fetcher,
	clk clock.Clock,
	logger *slog.Logger,
) *Runner {
	pacer := uberrate.NewUnlimited()
	if cfg.OriginRPS > 0 {
		pacer = uberrate.New(cfg.OriginRPS)
	}
	return &Runner{
		cfg:     cfg,
		queue:   q,
		limiter: limiter,
		cache:   cacheStore,
		pool:    poolStore,
		sources: provider,
		fetcher: fetcher,
		pacer:   pacer,
		clk:     clk,
		logger:  logger,
	}
}

// Options parameterize one invocation; zero values use the configured
// defaults.
type Options struct {
	// SourceID restricts the run to one source; empty processes all.
	SourceID string

	MaxPerSource int
	TimeBudget   time.Duration
}

// RunOnce drains queues until per-source caps or the wall-clock budget are
// hit. The budget is checked between jobs; an in-flight job completes.
func (r *Runner) RunOnce(ctx context.Context, opts Options) (*Summary, error) {
	start := r.clk.Now()

	maxPerSource := opts.MaxPerSource
	if maxPerSource <= 0 {
		maxPerSource = r.cfg.MaxPerSource
	}
	budget := opts.TimeBudget
	if budget <= 0 {
		budget = r.cfg.TimeBudget
	}
	deadline := start.Add(budget)

	var (
		srcs []*model.Source
		err  error
	)
	if opts.SourceID != "" {
		src, gerr := r.sources.Get(ctx, opts.SourceID)
		if gerr != nil {
			return nil, gerr
		}
		srcs = []*model.Source{src}
	} else if srcs, err = r.sources.List(ctx); err != nil {
		return nil, err
	}

	summary := &Summary{PerSource: make(map[string]*SourceCounters, len(srcs))}
	for _, src := range srcs {
		if !r.clk.Now().Before(deadline) {
			break
		}
		c := &SourceCounters{}
		summary.PerSource[src.ID] = c
		summary.Sources++
		r.drainSource(ctx, src, maxPerSource, deadline, c)
	}
	summary.Duration = r.clk.Now().Sub(start)

	r.logger.Info("run complete",
		"sources", summary.Sources,
		"duration", summary.Duration.String(),
	)
	return summary, nil
}

func (r *Runner) drainSource(ctx context.Context, src *model.Source, maxJobs int, deadline time.Time, c *SourceCounters) {
	for i := 0; i < maxJobs; i++ {
		if !r.clk.Now().Before(deadline) {
			return
		}

		job, ok, err := r.queue.Pop(ctx, src.ID)
		if err != nil {
			r.logger.Error("queue pop failed", "source", src.ID, "err", err)
			c.Errors++
			return
		}
		if !ok {
			return
		}
		c.Dequeued++

		dec, err := r.limiter.Acquire(ctx, src.ID, src.RateLimit)
		if err != nil || !dec.Allowed {
			if err != nil {
				r.logger.Error("rate limit acquire failed", "source", src.ID, "err", err)
			}
			// Back-pressure: yield the job to the tail and stop this
			// source for the invocation instead of busy-waiting.
			if perr := r.queue.PushBack(ctx, job); perr != nil {
				r.logger.Error("push-back failed, job lost", "source", src.ID, "key", job.Key, "err", perr)
				c.Errors++
			}
			return
		}

		r.pacer.Take()

		if keycodec.IsPoolJobKey(job.Key) {
			r.processPoolJob(ctx, src, job, c)
		} else {
			r.processRegularJob(ctx, src, job, c)
		}
	}
}

// processPoolJob fetches a collection endpoint unconditionally and adds the
// sampled payload to the pool. Collection endpoints are not assumed
// cacheable via ETag.
func (r *Runner) processPoolJob(ctx context.Context, src *model.Source, job model.RefreshJob, c *SourceCounters) {
	poolKey := keycodec.PoolKeyFromJob(job.Key)

	res, err := r.fetcher.Fetch(ctx, fetch.Request{
		URL:     joinURL(src.BaseURL, poolKey),
		Headers: src.DefaultHeaders,
		Query:   src.DefaultQuery,
	})
	if err != nil {
		r.logger.Warn("pool origin fetch failed", "source", src.ID, "pool_key", poolKey, "err", err)
		r.maybeRequeue(ctx, job, c)
		return
	}

	switch {
	case res.Status >= 200 && res.Status < 300:
		data, enc := fetch.Classify(res.ContentType, res.Body)
		if _, aerr := r.pool.AddItem(ctx, src.ID, poolKey, pool.AddItemInput{
			Data:        data,
			Encoding:    enc,
			ContentType: res.ContentType,
		}); aerr != nil {
			r.logger.Error("pool add failed", "source", src.ID, "pool_key", poolKey, "err", aerr)
			c.Errors++
			return
		}
		c.Updated++
	case isTransientStatus(res.Status):
		r.maybeRequeue(ctx, job, c)
	default:
		r.logger.Warn("pool origin permanent failure", "source", src.ID, "pool_key", poolKey, "status", res.Status)
		c.Errors++
	}
}

func (r *Runner) processRegularJob(ctx context.Context, src *model.Source, job model.RefreshJob, c *SourceCounters) {
	prior, _, perr := r.cache.Peek(ctx, src.ID, job.Key)
	if perr != nil {
		r.logger.Warn("prior entry lookup failed, fetching unconditionally", "source", src.ID, "key", job.Key, "err", perr)
	}

	req := fetch.Request{
		URL:     joinURL(src.BaseURL, job.Key),
		Headers: src.DefaultHeaders,
		Query:   src.DefaultQuery,
	}
	if prior != nil {
		req.ETag = prior.Meta.ETag
		req.LastModified = prior.Meta.LastModified
	}

	res, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		r.logger.Warn("origin fetch failed", "source", src.ID, "key", job.Key, "err", err)
		r.maybeRequeue(ctx, job, c)
		return
	}

	switch {
	case res.Status == http.StatusNotModified && prior != nil:
		r.extendNotModified(ctx, src, job, prior, res, c)
	case res.Status >= 200 && res.Status < 300:
		r.commitFresh(ctx, src, job, res, c)
	case isTransientStatus(res.Status):
		r.maybeRequeue(ctx, job, c)
	default:
		r.logger.Warn("origin permanent failure", "source", src.ID, "key", job.Key, "status", res.Status)
		c.Errors++
	}
}

// extendNotModified keeps the prior payload, advances expiry by the source's
// TTL and writes through both tiers.
func (r *Runner) extendNotModified(ctx context.Context, src *model.Source, job model.RefreshJob, prior *model.Entry, res *fetch.Result, c *SourceCounters) {
	now := r.clk.Now()
	prior.Meta.TTLSeconds = src.CacheTTLS
	prior.Meta.ExpiresAt = expiry(now, src.CacheTTLS)
	if res.ETag != "" {
		prior.Meta.ETag = res.ETag
	}
	if res.LastModified != "" {
		prior.Meta.LastModified = res.LastModified
	}

	if err := r.cache.Set(ctx, src.ID, job.Key, prior, cache.SetOptions{}); err != nil {
		r.logger.Error("cache write failed", "source", src.ID, "key", job.Key, "err", err)
		c.Errors++
		return
	}
	c.NotModified++
}

func (r *Runner) commitFresh(ctx context.Context, src *model.Source, job model.RefreshJob, res *fetch.Result, c *SourceCounters) {
	now := r.clk.Now()
	data, enc := fetch.Classify(res.ContentType, res.Body)

	entry := &model.Entry{
		Data: data,
		Meta: model.Meta{
			TTLSeconds:   src.CacheTTLS,
			ExpiresAt:    expiry(now, src.CacheTTLS),
			ETag:         res.ETag,
			LastModified: res.LastModified,
			OriginStatus: res.Status,
			ContentType:  res.ContentType,
			DataEncoding: enc,
		},
	}

	if err := r.cache.Set(ctx, src.ID, job.Key, entry, cache.SetOptions{}); err != nil {
		r.logger.Error("cache write failed", "source", src.ID, "key", job.Key, "err", err)
		c.Errors++
		return
	}
	c.Updated++
}

// maybeRequeue counts the transient failure and reinserts a copy of the job
// with Attempts+1, unless that would reach the attempt cap.
func (r *Runner) maybeRequeue(ctx context.Context, job model.RefreshJob, c *SourceCounters) {
	c.Errors++
	next := job.Attempts + 1
	if next >= r.cfg.MaxAttempts {
		r.logger.Warn("job dropped at retry cap", "source", job.SourceID, "key", job.Key, "attempts", next)
		return
	}
	job.Attempts = next
	if err := r.queue.PushBack(ctx, job); err != nil {
		r.logger.Error("requeue failed, job lost", "source", job.SourceID, "key", job.Key, "err", err)
	}
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}

func expiry(now time.Time, ttlSeconds int) *time.Time {
	if ttlSeconds <= 0 {
		return nil
	}
	t := now.Add(time.Duration(ttlSeconds) * time.Second)
	return &t
}

func joinURL(base, key string) string {
	return strings.TrimSuffix(base, "/") + key
}
