package workers

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/kefu-relay/internal/assignment"
	"github.com/ashureev/kefu-relay/internal/cache"
	"github.com/ashureev/kefu-relay/internal/domain"
	"github.com/ashureev/kefu-relay/internal/presence"
	"github.com/ashureev/kefu-relay/internal/protocol"
	"github.com/ashureev/kefu-relay/internal/registry"
	"github.com/ashureev/kefu-relay/internal/router"
	"github.com/ashureev/kefu-relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, *assignment.Engine, *presence.Tracker, *registry.Registry, store.Repository) {
	t.Helper()
	c := cache.NewMemoryCache()
	tr := presence.NewTracker(c)
	repo, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	eng := assignment.NewEngine(c, tr, repo)
	reg := registry.NewRegistry(tr, eng)
	rt := router.NewRouter(reg, tr, eng, repo)
	sched := NewScheduler(DefaultPoolConfig(), repo, tr, eng, reg, rt)
	return sched, eng, tr, reg, repo
}

func TestSweepPresenceKeepsFreshEntries(t *testing.T) {
	ctx := context.Background()
	sched, _, tr, _, _ := newTestScheduler(t)

	require.NoError(t, tr.MarkOnline(ctx, "agent-1", domain.KindAgent))
	online, err := tr.IsOnline(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, online)

	sched.sweepPresence(ctx)

	online, err = tr.IsOnline(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, online, "fresh entry should survive a sweep")
}

func TestDrainWaitingQueueBindsAndFlushesPending(t *testing.T) {
	ctx := context.Background()
	sched, eng, tr, reg, _ := newTestScheduler(t)

	custID := domain.Identity{Kind: domain.KindCustomer, ID: "cust-1"}
	reg.Register(custID, "Customer One")
	state := router.NewConnState(custID)

	replies, err := sched.router.Dispatch(ctx, state, protocol.Frame{
		Type: protocol.KindChat,
		Chat: &protocol.ChatFrame{From: "cust-1", Content: "hi", ContentType: protocol.ContentText},
	})
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, protocol.KindSystem, replies[0].Type)

	n, err := eng.WaitingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	agentID := domain.Identity{Kind: domain.KindAgent, ID: "agent-1"}
	handle := reg.Register(agentID, "Agent One")
	require.NoError(t, tr.MarkOnline(ctx, "agent-1", domain.KindAgent))

	sched.drainWaitingQueue(ctx)

	bound, err := eng.CurrentBinding(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", bound)

	select {
	case f := <-handle.Outbound():
		require.NotNil(t, f.Chat)
		assert.Equal(t, "hi", f.Chat.Content)
	default:
		t.Fatal("expected queued chat flushed to agent after drain")
	}
}

func TestSubmitDeadLetterRetriesUntilPersisted(t *testing.T) {
	ctx := context.Background()
	sched, _, _, _, repo := newTestScheduler(t)

	m := &domain.Message{
		MessageID:   "m1",
		FromUserID:  "cust-1",
		ToUserID:    "agent-1",
		Content:     "retry me",
		ContentKind: domain.ContentText,
		Timestamp:   time.Now(),
	}
	sched.SubmitDeadLetter(m)
	go sched.run(ctx)
	time.Sleep(10 * time.Millisecond)
	close(sched.stop)
	<-sched.stopped

	time.Sleep(deadLetterRetryDelay + 500*time.Millisecond)
	got, err := repo.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "retry me", got.Content)
}
