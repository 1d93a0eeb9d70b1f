package presence

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/kefu-relay/internal/cache"
	"github.com/ashureev/kefu-relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() *Tracker {
	return NewTracker(cache.NewMemoryCache())
}

func TestMarkOnlineAndIsOnline(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker()

	require.NoError(t, tr.MarkOnline(ctx, "agent-1", domain.KindAgent))
	online, err := tr.IsOnline(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, online)

	count, err := tr.Count(ctx, domain.KindAgent)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestMarkOfflineRemovesEntry(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker()

	require.NoError(t, tr.MarkOnline(ctx, "cust-1", domain.KindCustomer))
	require.NoError(t, tr.MarkOffline(ctx, "cust-1", domain.KindCustomer))

	online, err := tr.IsOnline(ctx, "cust-1")
	require.NoError(t, err)
	assert.False(t, online)

	members, err := tr.Online(ctx, domain.KindCustomer)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker()

	require.NoError(t, tr.MarkOnline(ctx, "agent-1", domain.KindAgent))
	stale := domain.PresenceEntry{UserID: "agent-1", Kind: domain.KindAgent, LastHeartbeat: time.Now().Add(-2 * TStale)}
	require.NoError(t, cache.SetJSON(ctx, tr.cache, entryPrefix+"agent-1", stale, TExpire))

	removed, err := tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	online, err := tr.IsOnline(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, online)
}
