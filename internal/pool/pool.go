// Package pool is the content-addressed random-sampling cache used for
// endpoints that return a collection of interchangeable items. Membership is
// append-only in the durable tier and mirrored as a bounded-TTL id-set plus
// per-item blobs in the hot tier.
package pool

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/upstreamcache/upstream-cache/config"
	"github.com/upstreamcache/upstream-cache/internal/keycodec"
	"github.com/upstreamcache/upstream-cache/internal/store"
	"github.com/upstreamcache/upstream-cache/model"
)

type Store struct {
	rdb     redis.UniversalClient
	prefix  string
	durable *store.Durable
	itemTTL time.Duration
	clk     clock.Clock
	logger  *slog.Logger
}

func New(rdb redis.UniversalClient, prefix string, durable *store.Durable, cfg config.PoolCfg, clk clock.Clock, logger *slog.Logger) *Store {
	ttl := cfg.ItemTTL
	if ttl < 0 {
		ttl = 0 // no expiry
	}
	return &Store{rdb: rdb, prefix: prefix, durable: durable, itemTTL: ttl, clk: clk, logger: logger}
}

// AddItemInput is the payload of one collection sample.
type AddItemInput struct {
	Data        json.RawMessage
	Encoding    model.Encoding
	ContentType string
}

func (s *Store) setKey(sourceID, keyHash string) string {
	return fmt.Sprintf("%s:pool:set:%s:%s", s.prefix, sourceID, keyHash)
}

func (s *Store) itemKey(sourceID, keyHash, itemID string) string {
	return fmt.Sprintf("%s:pool:item:%s:%s:%s", s.prefix, sourceID, keyHash, itemID)
}

// ItemID derives the content address: sha1 over the encoding plus the
// serialized payload. JSON payloads are compacted but not canonicalized, so
// the id is sensitive to key ordering within the document — two semantically
// identical payloads with different key order get different ids.
func ItemID(encoding model.Encoding, data json.RawMessage) string {
	body := data
	var buf bytes.Buffer
	if json.Compact(&buf, data) == nil {
		body = buf.Bytes()
	}
	h := sha1.New()
	h.Write([]byte(encoding))
	h.Write([]byte(":"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// AddItem upserts the sample into the durable tier (duplicate content is a
// no-op) and mirrors it into the hot tier: id-set membership plus the item
// blob, both under the configured pool TTL.
func (s *Store) AddItem(ctx context.Context, sourceID, poolKey string, in AddItemInput) (*model.PoolItem, error) {
	if sourceID == "" || poolKey == "" {
		return nil, errors.New("pool add: source and pool key are required")
	}
	pk := keycodec.SanitizePoolKey(poolKey)
	kh := keycodec.Hash(pk)

	item := &model.PoolItem{
		ItemID:      ItemID(in.Encoding, in.Data),
		Data:        in.Data,
		Encoding:    in.Encoding,
		ContentType: in.ContentType,
		CreatedAt:   s.clk.Now(),
	}

	if err := s.durable.PoolAdd(ctx, sourceID, kh, item); err != nil {
		return nil, err
	}
	if err := s.mirror(ctx, sourceID, kh, item); err != nil {
		return nil, err
	}
	return item, nil
}

// RandomItem runs the sampling cascade: hot id-set, hot blob, durable by id,
// durable at random. Backfills along the way are best-effort — the read
// already has its answer before any backfill is attempted.
func (s *Store) RandomItem(ctx context.Context, sourceID, poolKey string) (*model.PoolItem, bool, error) {
	pk := keycodec.SanitizePoolKey(poolKey)
	kh := keycodec.Hash(pk)

	id, err := s.rdb.SRandMember(ctx, s.setKey(sourceID, kh)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("pool srandmember %s/%s: %w", sourceID, kh, err)
	}

	if id != "" {
		raw, gerr := s.rdb.Get(ctx, s.itemKey(sourceID, kh, id)).Bytes()
		if gerr == nil {
			var item model.PoolItem
			if uerr := json.Unmarshal(raw, &item); uerr == nil {
				item.From = model.FromHot
				return &item, true, nil
			}
			s.logger.Warn("pool hot blob corrupt", "source", sourceID, "item", id)
		} else if !errors.Is(gerr, redis.Nil) {
			return nil, false, fmt.Errorf("pool hot get %s/%s: %w", sourceID, id, gerr)
		}

		// Blob expired independently of the id-set entry; recover this
		// specific id from the durable tier.
		item, found, derr := s.durable.PoolGetByID(ctx, sourceID, kh, id)
		if derr != nil {
			return nil, false, derr
		}
		if found {
			s.backfillBlob(ctx, sourceID, kh, item)
			item.From = model.FromDurable
			return item, true, nil
		}
		// id-set points at a row that no longer exists; fall through to a
		// uniform durable pick.
	}

	item, found, err := s.durable.PoolRandom(ctx, sourceID, kh)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	if merr := s.mirror(ctx, sourceID, kh, item); merr != nil {
		s.logger.Warn("pool backfill failed", "source", sourceID, "item", item.ItemID, "err", merr)
	}
	item.From = model.FromDurable
	return item, true, nil
}

// Count reports durable membership size for a pool key.
func (s *Store) Count(ctx context.Context, sourceID, poolKey string) (int64, error) {
	pk := keycodec.SanitizePoolKey(poolKey)
	return s.durable.PoolCount(ctx, sourceID, keycodec.Hash(pk))
}

func (s *Store) mirror(ctx context.Context, sourceID, keyHash string, item *model.PoolItem) error {
	setKey := s.setKey(sourceID, keyHash)
	if err := s.rdb.SAdd(ctx, setKey, item.ItemID).Err(); err != nil {
		return fmt.Errorf("pool sadd %s/%s: %w", sourceID, item.ItemID, err)
	}
	if s.itemTTL > 0 {
		if err := s.rdb.Expire(ctx, setKey, s.itemTTL).Err(); err != nil {
			return fmt.Errorf("pool set expire %s/%s: %w", sourceID, keyHash, err)
		}
	}
	return s.storeBlob(ctx, sourceID, keyHash, item)
}

func (s *Store) backfillBlob(ctx context.Context, sourceID, keyHash string, item *model.PoolItem) {
	if err := s.storeBlob(ctx, sourceID, keyHash, item); err != nil {
		s.logger.Warn("pool blob backfill failed", "source", sourceID, "item", item.ItemID, "err", err)
	}
}

func (s *Store) storeBlob(ctx context.Context, sourceID, keyHash string, item *model.PoolItem) error {
	stored := *item
	stored.From = ""
	raw, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("pool encode %s/%s: %w", sourceID, item.ItemID, err)
	}
	if err = s.rdb.Set(ctx, s.itemKey(sourceID, keyHash, item.ItemID), raw, s.itemTTL).Err(); err != nil {
		return fmt.Errorf("pool blob set %s/%s: %w", sourceID, item.ItemID, err)
	}
	return nil
}
