package model

import (
	"encoding/json"
	"time"
)

// Encoding describes how Entry.Data / PoolItem.Data must be interpreted.
type Encoding string

const (
	EncodingJSON   Encoding = "json"
	EncodingText   Encoding = "text"
	EncodingBase64 Encoding = "base64"
)

// Meta carries everything about a cached entry except the payload itself.
// Stale is derived: it is recomputed from ExpiresAt on every read and is
// never trusted when loaded back from storage.
type Meta struct {
	SourceID     string     `json:"source_id"`
	Key          string     `json:"key"`
	CachedAt     time.Time  `json:"cached_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Stale        bool       `json:"stale"`
	TTLSeconds   int        `json:"ttl_s"`
	ETag         string     `json:"etag,omitempty"`
	LastModified string     `json:"last_modified,omitempty"`
	OriginStatus int        `json:"origin_status,omitempty"`
	ContentType  string     `json:"content_type,omitempty"`
	DataEncoding Encoding   `json:"data_encoding"`
}

// Entry is a single cached upstream response. Data is an opaque JSON
// document: a JSON value for EncodingJSON, a JSON string holding UTF-8 text
// for EncodingText, a JSON string holding base64 for EncodingBase64.
type Entry struct {
	Data json.RawMessage `json:"data"`
	Meta Meta            `json:"meta"`
}

// IsStale reports whether the entry has passed its expiry at the given
// instant. Entries without an expiry never go stale.
func (e *Entry) IsStale(now time.Time) bool {
	if e == nil || e.Meta.ExpiresAt == nil {
		return false
	}
	return !now.Before(*e.Meta.ExpiresAt)
}

// RecomputeStale refreshes the derived Stale flag in place.
func (e *Entry) RecomputeStale(now time.Time) {
	if e != nil {
		e.Meta.Stale = e.IsStale(now)
	}
}

// RemainingTTL returns the time left until expiry, zero if already expired
// or negative-free, and ok=false for entries without an expiry.
func (e *Entry) RemainingTTL(now time.Time) (d time.Duration, ok bool) {
	if e == nil || e.Meta.ExpiresAt == nil {
		return 0, false
	}
	d = e.Meta.ExpiresAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}
