// Package sources looks up per-source configuration from the durable tier's
// sources table, with a short in-memory TTL cache collapsed through
// singleflight so a hot source does not stampede the database.
package sources

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/upstreamcache/upstream-cache/model"
)

// ErrNotFound is returned when no source row exists for an id.
var ErrNotFound = errors.New("source not found")

// cacheTTL bounds how long a looked-up source is served from memory.
const cacheTTL = 30 * time.Second

type Provider interface {
	Get(ctx context.Context, id string) (*model.Source, error)
	List(ctx context.Context) ([]*model.Source, error)
	Upsert(ctx context.Context, src *model.Source) error
}

type SQLProvider struct {
	db  *sql.DB
	clk clock.Clock

	mu     sync.Mutex
	cached map[string]cachedSource
	flight singleflight.Group
}

type cachedSource struct {
	src     *model.Source
	expires time.Time
}

func New(db *sql.DB, clk clock.Clock) *SQLProvider {
	return &SQLProvider{db: db, clk: clk, cached: make(map[string]cachedSource)}
}

func (p *SQLProvider) Get(ctx context.Context, id string) (*model.Source, error) {
	now := p.clk.Now()
	p.mu.Lock()
	if c, ok := p.cached[id]; ok && now.Before(c.expires) {
		p.mu.Unlock()
		return c.src, nil
	}
	p.mu.Unlock()

	v, err, _ := p.flight.Do(id, func() (interface{}, error) {
		src, err := p.fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cached[id] = cachedSource{src: src, expires: p.clk.Now().Add(cacheTTL)}
		p.mu.Unlock()
		return src, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Source), nil
}

func (p *SQLProvider) fetch(ctx context.Context, id string) (*model.Source, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, default_headers, default_query,
		       rate_per_minute, rate_burst, cache_ttl_s, key_template, supports_pool
		FROM sources WHERE id = ?`, id)
	src, err := scanSource(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load source %s: %w", id, err)
	}
	return src, nil
}

func (p *SQLProvider) List(ctx context.Context) ([]*model.Source, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, base_url, default_headers, default_query,
		       rate_per_minute, rate_burst, cache_ttl_s, key_template, supports_pool
		FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []*model.Source
	for rows.Next() {
		src, serr := scanSource(rows.Scan)
		if serr != nil {
			return nil, fmt.Errorf("scan source row: %w", serr)
		}
		out = append(out, src)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

// Upsert writes a source row and drops any cached copy. Source CRUD proper
// lives outside this core; this is the bootstrap/test hook.
func (p *SQLProvider) Upsert(ctx context.Context, src *model.Source) error {
	headers, err := json.Marshal(src.DefaultHeaders)
	if err != nil {
		return fmt.Errorf("encode default headers for %s: %w", src.ID, err)
	}
	query, err := json.Marshal(src.DefaultQuery)
	if err != nil {
		return fmt.Errorf("encode default query for %s: %w", src.ID, err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sources (id, name, base_url, default_headers, default_query,
		                     rate_per_minute, rate_burst, cache_ttl_s, key_template, supports_pool)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, base_url = excluded.base_url,
			default_headers = excluded.default_headers, default_query = excluded.default_query,
			rate_per_minute = excluded.rate_per_minute, rate_burst = excluded.rate_burst,
			cache_ttl_s = excluded.cache_ttl_s, key_template = excluded.key_template,
			supports_pool = excluded.supports_pool`,
		src.ID, src.Name, src.BaseURL, string(headers), string(query),
		src.RateLimit.PerMinute, src.RateLimit.Burst, src.CacheTTLS, src.KeyTemplate,
		boolToInt(src.SupportsPool),
	)
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", src.ID, err)
	}

	p.mu.Lock()
	delete(p.cached, src.ID)
	p.mu.Unlock()
	return nil
}

func scanSource(scan func(dest ...any) error) (*model.Source, error) {
	var (
		src          model.Source
		headers      string
		query        string
		supportsPool int
	)
	err := scan(&src.ID, &src.Name, &src.BaseURL, &headers, &query,
		&src.RateLimit.PerMinute, &src.RateLimit.Burst, &src.CacheTTLS,
		&src.KeyTemplate, &supportsPool)
	if err != nil {
		return nil, err
	}
	if headers != "" {
		_ = json.Unmarshal([]byte(headers), &src.DefaultHeaders)
	}
	if query != "" {
		_ = json.Unmarshal([]byte(query), &src.DefaultQuery)
	}
	src.SupportsPool = supportsPool != 0
	return &src, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
