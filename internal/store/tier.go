// Package store holds the two storage tiers behind the cache: a Redis hot
// tier and a SQLite durable tier. The cascade is explicit: tiers satisfy a
// shared interface and a coordinator composes them, backfilling only in the
// durable-to-hot direction.
package store

import (
	"context"
	"time"

	"github.com/upstreamcache/upstream-cache/model"
)

// Tier is one level of entry storage. The hot tier honors ttl (<=0 means no
// expiry); the durable tier ignores it and keeps rows until deleted.
type Tier interface {
	GetEntry(ctx context.Context, sourceID, keyHash string) (*model.Entry, bool, error)
	SetEntry(ctx context.Context, sourceID, keyHash string, entry *model.Entry, ttl time.Duration) error
	DeleteEntry(ctx context.Context, sourceID, keyHash string) (int64, error)
}
