package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/upstreamcache/upstream-cache/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	source_id  TEXT NOT NULL,
	key_hash   TEXT NOT NULL,
	key        TEXT NOT NULL,
	entry      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (source_id, key_hash)
);

CREATE TABLE IF NOT EXISTS pool_items (
	source_id    TEXT NOT NULL,
	key_hash     TEXT NOT NULL,
	item_id      TEXT NOT NULL,
	data         TEXT NOT NULL,
	encoding     TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	PRIMARY KEY (source_id, key_hash, item_id)
);

CREATE TABLE IF NOT EXISTS sources (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	base_url        TEXT NOT NULL,
	default_headers TEXT NOT NULL DEFAULT '{}',
	default_query   TEXT NOT NULL DEFAULT '{}',
	rate_per_minute INTEGER NOT NULL DEFAULT 60,
	rate_burst      INTEGER NOT NULL DEFAULT 0,
	cache_ttl_s     INTEGER NOT NULL DEFAULT 600,
	key_template    TEXT NOT NULL DEFAULT '',
	supports_pool   INTEGER NOT NULL DEFAULT 0
);
`

// Durable is the SQLite tier: authoritative entry rows, append-only pool
// membership and the sources table. All writes are conflict-tolerant
// upserts so concurrent writers converge without lost updates.
type Durable struct {
	db *sql.DB
}

func NewDurable(db *sql.DB) *Durable {
	return &Durable{db: db}
}

// OpenDurable opens the SQLite database and bootstraps the schema.
// In-memory databases are pinned to a single connection so every query sees
// the same store.
func OpenDurable(ctx context.Context, dsn string) (*Durable, *sql.DB, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	d := NewDurable(db)
	if err = d.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return d, db, nil
}

func (d *Durable) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate durable schema: %w", err)
	}
	return nil
}

// DB exposes the handle for collaborators sharing the store (sources).
func (d *Durable) DB() *sql.DB { return d.db }

func (d *Durable) GetEntry(ctx context.Context, sourceID, keyHash string) (*model.Entry, bool, error) {
	var raw []byte
	err := d.db.QueryRowContext(ctx,
		`SELECT entry FROM cache_entries WHERE source_id = ? AND key_hash = ?`,
		sourceID, keyHash,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("durable get %s/%s: %w", sourceID, keyHash, err)
	}
	var entry model.Entry
	if err = json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("durable decode %s/%s: %w", sourceID, keyHash, err)
	}
	return &entry, true, nil
}

// SetEntry upserts the row keyed by (source_id, key_hash); ttl is ignored,
// durable rows live until deleted.
func (d *Durable) SetEntry(ctx context.Context, sourceID, keyHash string, entry *model.Entry, _ time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("durable encode %s/%s: %w", sourceID, keyHash, err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO cache_entries (source_id, key_hash, key, entry, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source_id, key_hash)
		DO UPDATE SET key = excluded.key, entry = excluded.entry, updated_at = excluded.updated_at`,
		sourceID, keyHash, entry.Meta.Key, string(raw), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("durable set %s/%s: %w", sourceID, keyHash, err)
	}
	return nil
}

func (d *Durable) DeleteEntry(ctx context.Context, sourceID, keyHash string) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE source_id = ? AND key_hash = ?`,
		sourceID, keyHash,
	)
	if err != nil {
		return 0, fmt.Errorf("durable delete %s/%s: %w", sourceID, keyHash, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PoolAdd appends one content-addressed item to a pool key's membership.
// Duplicate content is a no-op, not an error.
func (d *Durable) PoolAdd(ctx context.Context, sourceID, keyHash string, item *model.PoolItem) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO pool_items (source_id, key_hash, item_id, data, encoding, content_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id, key_hash, item_id) DO NOTHING`,
		sourceID, keyHash, item.ItemID, string(item.Data), string(item.Encoding),
		item.ContentType, item.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("durable pool add %s/%s/%s: %w", sourceID, keyHash, item.ItemID, err)
	}
	return nil
}

func (d *Durable) PoolGetByID(ctx context.Context, sourceID, keyHash, itemID string) (*model.PoolItem, bool, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT item_id, data, encoding, content_type, created_at
		FROM pool_items WHERE source_id = ? AND key_hash = ? AND item_id = ?`,
		sourceID, keyHash, itemID,
	)
	return scanPoolItem(row, sourceID, keyHash)
}

// PoolRandom selects one row uniformly at random among the pool key's items.
func (d *Durable) PoolRandom(ctx context.Context, sourceID, keyHash string) (*model.PoolItem, bool, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT item_id, data, encoding, content_type, created_at
		FROM pool_items WHERE source_id = ? AND key_hash = ?
		ORDER BY random() LIMIT 1`,
		sourceID, keyHash,
	)
	return scanPoolItem(row, sourceID, keyHash)
}

// PoolCount reports how many distinct items a pool key holds.
func (d *Durable) PoolCount(ctx context.Context, sourceID, keyHash string) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pool_items WHERE source_id = ? AND key_hash = ?`,
		sourceID, keyHash,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("durable pool count %s/%s: %w", sourceID, keyHash, err)
	}
	return n, nil
}

func scanPoolItem(row *sql.Row, sourceID, keyHash string) (*model.PoolItem, bool, error) {
	var (
		item      model.PoolItem
		data      string
		encoding  string
		createdAt string
	)
	err := row.Scan(&item.ItemID, &data, &encoding, &item.ContentType, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("durable pool scan %s/%s: %w", sourceID, keyHash, err)
	}
	item.Data = json.RawMessage(data)
	item.Encoding = model.Encoding(encoding)
	if ts, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		item.CreatedAt = ts
	}
	return &item, true, nil
}

var _ Tier = (*Durable)(nil)
