// Package upstreamcache wires the refresh core of the caching proxy: the
// tiered entry store, the deduplicating refresh queue, the per-source rate
// limiter, the pool store and the runner, all sharing one Redis hot tier and
// one SQLite durable tier.
package upstreamcache

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/upstreamcache/upstream-cache/config"
	"github.com/upstreamcache/upstream-cache/httpapi"
	"github.com/upstreamcache/upstream-cache/internal/cache"
	"github.com/upstreamcache/upstream-cache/internal/fetch"
	"github.com/upstreamcache/upstream-cache/internal/pool"
	"github.com/upstreamcache/upstream-cache/internal/queue"
	"github.com/upstreamcache/upstream-cache/internal/ratelimit"
	"github.com/upstreamcache/upstream-cache/internal/runner"
	"github.com/upstreamcache/upstream-cache/internal/sources"
	"github.com/upstreamcache/upstream-cache/internal/store"
)

type UpstreamCache struct {
	Cache   *cache.Store
	Queue   *queue.Queue
	Pool    *pool.Store
	Limiter *ratelimit.Limiter
	Runner  *runner.Runner
	Sources sources.Provider

	api *httpapi.Server
	rdb *redis.Client
	db  *sql.DB
	cls context.CancelFunc
}

// New builds the whole core from configuration. The caller owns cfg; it is
// adjusted in place with defaults.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*UpstreamCache, error) {
	cfg.AdjustConfig()
	ctx, cancel := context.WithCancel(ctx)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Hot.Addr,
		Password: cfg.Hot.Password,
		DB:       cfg.Hot.DB,
	})

	durable, db, err := store.OpenDurable(ctx, cfg.Durable.DSN)
	if err != nil {
		cancel()
		_ = rdb.Close()
		return nil, err
	}

	clk := clock.New()
	return newWith(cancel, rdb, rdb, db, durable, cfg, clk, logger), nil
}

// NewWithClients builds the core around caller-owned storage clients; used
// by tests and by embedders that manage connection lifecycles themselves.
func NewWithClients(ctx context.Context, cfg *config.Config, rdb *redis.Client, db *sql.DB, clk clock.Clock, logger *slog.Logger) (*UpstreamCache, error) {
	cfg.AdjustConfig()
	ctx, cancel := context.WithCancel(ctx)

	durable := store.NewDurable(db)
	if err := durable.Migrate(ctx); err != nil {
		cancel()
		return nil, err
	}
	return newWith(cancel, rdb, nil, nil, durable, cfg, clk, logger), nil
}

// newWith wires components; ownedRdb/ownedDB are closed by Close and are nil
// when the caller owns the clients.
func newWith(cancel context.CancelFunc, rdb *redis.Client, ownedRdb *redis.Client, ownedDB *sql.DB, durable *store.Durable, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *UpstreamCache {
	hot := store.NewHot(rdb, cfg.Hot.KeyPrefix)
	cacheStore := cache.New(hot, durable, cfg, clk, logger)
	q := queue.New(rdb, cfg.Hot.KeyPrefix, cfg.Queue, clk, logger)
	poolStore := pool.New(rdb, cfg.Hot.KeyPrefix, durable, cfg.Pool, clk, logger)
	limiter := ratelimit.New(rdb, cfg.Hot.KeyPrefix, clk)
	provider := sources.New(durable.DB(), clk)
	fetcher := fetch.New(cfg.Fetch, logger)
	run := runner.New(cfg.Runner, q, limiter, cacheStore, poolStore, provider, fetcher, clk, logger)

	return &UpstreamCache{
		Cache:   cacheStore,
		Queue:   q,
		Pool:    poolStore,
		Limiter: limiter,
		Runner:  run,
		Sources: provider,
		api:     httpapi.New(cacheStore, q, poolStore, provider, run, clk, logger),
		rdb:     ownedRdb,
		db:      ownedDB,
		cls:     cancel,
	}
}

// Handler exposes the thin request-handling boundary.
func (u *UpstreamCache) Handler() http.Handler {
	return u.api.Handler()
}

// Close releases owned clients. Clients passed in via NewWithClients stay
// with their owners.
func (u *UpstreamCache) Close() error {
	u.cls()
	var first error
	if u.db != nil {
		if err := u.db.Close(); err != nil {
			first = err
		}
	}
	if u.rdb != nil {
		if err := u.rdb.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
