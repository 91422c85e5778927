package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upstreamcache/upstream-cache/model"
)

// Hot is the Redis tier. Besides plain entry storage it exposes the atomic
// primitives the heuristics lean on: increment-with-first-write-sets-TTL for
// the hit counter and TTL query/extend for the bump itself.
type Hot struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewHot(rdb redis.UniversalClient, prefix string) *Hot {
	return &Hot{rdb: rdb, prefix: prefix}
}

func (h *Hot) entryKey(sourceID, keyHash string) string {
	return fmt.Sprintf("%s:ent:%s:%s", h.prefix, sourceID, keyHash)
}

func (h *Hot) hitsKey(sourceID, keyHash string) string {
	return fmt.Sprintf("%s:bump:hits:%s:%s", h.prefix, sourceID, keyHash)
}

func (h *Hot) cooldownKey(sourceID, keyHash string) string {
	return fmt.Sprintf("%s:bump:cd:%s:%s", h.prefix, sourceID, keyHash)
}

func (h *Hot) GetEntry(ctx context.Context, sourceID, keyHash string) (*model.Entry, bool, error) {
	raw, err := h.rdb.Get(ctx, h.entryKey(sourceID, keyHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("hot get %s/%s: %w", sourceID, keyHash, err)
	}
	var entry model.Entry
	if err = json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("hot decode %s/%s: %w", sourceID, keyHash, err)
	}
	return &entry, true, nil
}

// SetEntry stores the entry with the given physical TTL; ttl <= 0 stores it
// without expiry (kept until evicted or invalidated).
func (h *Hot) SetEntry(ctx context.Context, sourceID, keyHash string, entry *model.Entry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("hot encode %s/%s: %w", sourceID, keyHash, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err = h.rdb.Set(ctx, h.entryKey(sourceID, keyHash), raw, ttl).Err(); err != nil {
		return fmt.Errorf("hot set %s/%s: %w", sourceID, keyHash, err)
	}
	return nil
}

func (h *Hot) DeleteEntry(ctx context.Context, sourceID, keyHash string) (int64, error) {
	n, err := h.rdb.Del(ctx, h.entryKey(sourceID, keyHash)).Result()
	if err != nil {
		return 0, fmt.Errorf("hot delete %s/%s: %w", sourceID, keyHash, err)
	}
	return n, nil
}

// EntryTTL returns the remaining physical TTL of the stored entry.
// ok is false when the key does not exist or carries no expiry.
func (h *Hot) EntryTTL(ctx context.Context, sourceID, keyHash string) (ttl time.Duration, ok bool, err error) {
	d, err := h.rdb.TTL(ctx, h.entryKey(sourceID, keyHash)).Result()
	if err != nil {
		return 0, false, fmt.Errorf("hot ttl %s/%s: %w", sourceID, keyHash, err)
	}
	if d < 0 {
		// -2 missing key, -1 no expiry
		return 0, false, nil
	}
	return d, true, nil
}

// ExtendEntry replaces the physical TTL of the stored entry.
func (h *Hot) ExtendEntry(ctx context.Context, sourceID, keyHash string, ttl time.Duration) error {
	if err := h.rdb.Expire(ctx, h.entryKey(sourceID, keyHash), ttl).Err(); err != nil {
		return fmt.Errorf("hot extend %s/%s: %w", sourceID, keyHash, err)
	}
	return nil
}

// HitIncr atomically bumps the per-key hit counter; the first increment of a
// window arms the window TTL, giving an approximate sliding window.
func (h *Hot) HitIncr(ctx context.Context, sourceID, keyHash string, window time.Duration) (int64, error) {
	key := h.hitsKey(sourceID, keyHash)
	n, err := h.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("hot hit incr %s/%s: %w", sourceID, keyHash, err)
	}
	if n == 1 {
		if err = h.rdb.Expire(ctx, key, window).Err(); err != nil {
			return n, fmt.Errorf("hot hit expire %s/%s: %w", sourceID, keyHash, err)
		}
	}
	return n, nil
}

// EnterCooldown wins at most once per cooldown period per key.
func (h *Hot) EnterCooldown(ctx context.Context, sourceID, keyHash string, d time.Duration) (bool, error) {
	won, err := h.rdb.SetNX(ctx, h.cooldownKey(sourceID, keyHash), 1, d).Result()
	if err != nil {
		return false, fmt.Errorf("hot cooldown %s/%s: %w", sourceID, keyHash, err)
	}
	return won, nil
}

var _ Tier = (*Hot)(nil)
