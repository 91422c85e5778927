// Package keycodec normalizes logical cache keys and derives the storage
// addresses built from them. A normalized key is what callers see in
// metadata; the xxh3 digest of it is what both storage tiers are keyed by.
package keycodec

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/zeebo/xxh3"
)

// PoolMarker prefixes the key of a pool-collection refresh job.
const PoolMarker = "/pool:"

// NonceParam is the query parameter appended to pool job keys so every
// prefetch attempt lands outside the dedupe window. It is stripped before
// storage addressing.
const NonceParam = "i"

// Normalize URL-decodes the key once (decode failures keep the raw value),
// forces a leading slash, collapses repeated slashes and strips a trailing
// slash unless the key is the root.
func Normalize(key string) string {
	if decoded, err := url.PathUnescape(key); err == nil {
		key = decoded
	}
	if !strings.HasPrefix(key, "/") {
		key = "/" + key
	}
	for strings.Contains(key, "//") {
		key = strings.ReplaceAll(key, "//", "/")
	}
	if len(key) > 1 {
		key = strings.TrimSuffix(key, "/")
	}
	return key
}

// Hash returns the stable hex digest used as the storage-address component
// for a normalized key. One-way; collisions are accepted as astronomically
// unlikely.
func Hash(normalizedKey string) string {
	sum := xxh3.Hash128([]byte(normalizedKey)).Bytes()
	return fmt.Sprintf("%x", sum)
}

// SanitizePoolKey normalizes raw, strips the dedupe nonce parameter and any
// fragment, and re-encodes the remaining query with sorted parameters. The
// result is identical across repeated calls with different nonces but the
// same business parameters, which is what makes pool items addressable by a
// consistent pool key.
func SanitizePoolKey(raw string) string {
	key := Normalize(raw)

	// Fragment goes first: it may trail the path directly, without a query.
	if frag := strings.IndexByte(key, '#'); frag >= 0 {
		key = key[:frag]
	}

	path, rest, _ := strings.Cut(key, "?")
	if rest == "" {
		return path
	}
	q, err := url.ParseQuery(rest)
	if err != nil {
		return path
	}
	q.Del(NonceParam)
	if enc := q.Encode(); enc != "" {
		return path + "?" + enc
	}
	return path
}

// PoolJobKey builds the queue key for one pool prefetch attempt: the marker,
// the pool key and a unique nonce parameter. The nonce keeps each attempt
// out of the dedupe window (pool collections accumulate distinct samples).
func PoolJobKey(poolKey, nonce string) string {
	sep := "?"
	if strings.Contains(poolKey, "?") {
		sep = "&"
	}
	return PoolMarker + SanitizePoolKey(poolKey) + sep + NonceParam + "=" + url.QueryEscape(nonce)
}

// IsPoolJobKey reports whether a job key carries the pool marker.
func IsPoolJobKey(key string) bool {
	return strings.HasPrefix(key, PoolMarker)
}

// PoolKeyFromJob strips the marker and nonce from a pool job key, yielding
// the sanitized pool key items are stored under.
func PoolKeyFromJob(jobKey string) string {
	return SanitizePoolKey(strings.TrimPrefix(jobKey, PoolMarker))
}
