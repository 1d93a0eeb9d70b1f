// Package presence implements the Presence Tracker (C4): online/offline
// state for both populations, backed by the KV Cache Adapter. Grounded on
// the teacher's container/ttl.go sweep loop (ticker + stale-entry removal)
// generalized from container TTL expiry to heartbeat-based presence.
package presence

import (
	"context"
	"time"

	"github.com/ashureev/kefu-relay/internal/apperr"
	"github.com/ashureev/kefu-relay/internal/cache"
	"github.com/ashureev/kefu-relay/internal/domain"
)

const (
	// TStale matches spec.md §4.4: IsOnline reports an entry older than
	// this as offline even before Sweep removes it. Online and Count report
	// the online set as stored, so they include stale users until Sweep
	// removes them.
	TStale = 90 * time.Second
	// TExpire is the cache TTL applied to the presence entry itself.
	TExpire = 2 * TStale

	entryPrefix   = "kefu:presence:"
	onlineAgents  = "kefu:online:agents"
	onlineCustomr = "kefu:online:customers"
)

// Tracker implements mark_online/mark_offline/is_online/online/count/sweep.
type Tracker struct {
	cache cache.Service
}

// NewTracker constructs a Tracker over the given cache adapter.
func NewTracker(c cache.Service) *Tracker {
	return &Tracker{cache: c}
}

func setKey(kind domain.UserKind) string {
	if kind == domain.KindAgent {
		return onlineAgents
	}
	return onlineCustomr
}

// MarkOnline records a heartbeat for user_id, refreshing its TTL and set
// membership. Called on admission and on every subsequent heartbeat frame.
func (t *Tracker) MarkOnline(ctx context.Context, userID string, kind domain.UserKind) error {
	entry := domain.PresenceEntry{UserID: userID, Kind: kind, LastHeartbeat: time.Now()}
	if err := cache.SetJSON(ctx, t.cache, entryPrefix+userID, entry, TExpire); err != nil {
		return apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	if err := t.cache.SAdd(ctx, setKey(kind), userID); err != nil {
		return apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	return nil
}

// MarkOffline removes the presence entry and set membership for user_id,
// called from the disconnect path.
func (t *Tracker) MarkOffline(ctx context.Context, userID string, kind domain.UserKind) error {
	if err := t.cache.Del(ctx, entryPrefix+userID); err != nil {
		return apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	if err := t.cache.SRem(ctx, setKey(kind), userID); err != nil {
		return apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	return nil
}

// IsOnline reports whether user_id has a fresh presence entry.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	var entry domain.PresenceEntry
	err := cache.GetJSON(ctx, t.cache, entryPrefix+userID, &entry)
	if err == cache.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	return entry.Fresh(time.Now(), TStale), nil
}

// Online returns every user_id currently online for kind.
func (t *Tracker) Online(ctx context.Context, kind domain.UserKind) ([]string, error) {
	members, err := t.cache.SMembers(ctx, setKey(kind))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	return members, nil
}

// Count returns the number of users online for kind.
func (t *Tracker) Count(ctx context.Context, kind domain.UserKind) (int64, error) {
	n, err := t.cache.SCard(ctx, setKey(kind))
	if err != nil {
		return 0, apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	return n, nil
}

// Sweep removes entries whose last heartbeat has gone stale, for both
// populations. Idempotent: a user that reconnects within the stale window
// simply refreshes its own entry, unaffected by concurrent sweeps.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	removed := 0
	for _, kind := range []domain.UserKind{domain.KindAgent, domain.KindCustomer} {
		members, err := t.cache.SMembers(ctx, setKey(kind))
		if err != nil {
			return removed, apperr.Wrap(err, apperr.CodeCacheUnavailable)
		}
		for _, userID := range members {
			var entry domain.PresenceEntry
			err := cache.GetJSON(ctx, t.cache, entryPrefix+userID, &entry)
			if err == cache.ErrNotFound || (err == nil && !entry.Fresh(time.Now(), TStale)) {
				if mErr := t.MarkOffline(ctx, userID, kind); mErr != nil {
					return removed, mErr
				}
				removed++
				continue
			}
			if err != nil {
				return removed, apperr.Wrap(err, apperr.CodeCacheUnavailable)
			}
		}
	}
	return removed, nil
}
