// Package cache implements the KV Cache Adapter (C1): typed accessors over
// a remote key-value store with pooled connections and TTLs, falling back
// to an in-memory implementation when the remote store is unreachable.
// Grounded on Danor93-Articles-Chat's services.CacheService dual-strategy
// cache, generalized from plain Get/Set/Delete to the full typed-op
// surface spec.md §4.1 requires (sets, counters, existence, expiry).
package cache

import (
	"context"
	"time"
)

// Service is the typed KV operation surface every component above the
// cache layer depends on. All operations are fallible; transient failures
// should surface as apperr.CodeCacheUnavailable and be treated as soft
// failures by callers (spec.md §7).
type Service interface {
	// Get retrieves the raw bytes stored at key, or ErrNotFound-classified
	// error if absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// SetWithTTL stores value at key with an expiration.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del removes a key. Idempotent.
	Del(ctx context.Context, key string) error
	// Exists reports whether key is currently set.
	Exists(ctx context.Context, key string) (bool, error)
	// Incr atomically increments the integer stored at key and returns the
	// new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire resets the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)
	// SCard returns the cardinality of the set at key.
	SCard(ctx context.Context, key string) (int64, error)

	// Healthy reports whether the backing store is currently reachable.
	// cmd/server checks it at startup to choose between Redis and the
	// in-memory fallback; the REST health endpoint does not report it.
	Healthy() bool
	// Close releases pooled resources.
	Close() error
}

// ErrNotFound is returned by Get when the key is absent, matching the
// teacher pack's "key not found" cache-miss convention so callers can
// branch on cache miss vs. real failure.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "cache: key not found" }
