package registry

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/kefu-relay/internal/assignment"
	"github.com/ashureev/kefu-relay/internal/cache"
	"github.com/ashureev/kefu-relay/internal/domain"
	"github.com/ashureev/kefu-relay/internal/presence"
	"github.com/ashureev/kefu-relay/internal/protocol"
	"github.com/ashureev/kefu-relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	c := cache.NewMemoryCache()
	tr := presence.NewTracker(c)
	repo, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	eng := assignment.NewEngine(c, tr, repo)
	return NewRegistry(tr, eng)
}

func TestRegisterAndSendToDelivered(t *testing.T) {
	reg := newTestRegistry(t)
	id := domain.Identity{Kind: domain.KindCustomer, ID: "cust-1"}
	h := reg.Register(id, "Customer One")

	outcome := reg.SendTo(id, protocol.NewSystem(protocol.LevelInfo, "", "hi"))
	assert.Equal(t, domain.Delivered, outcome)

	select {
	case f := <-h.Outbound():
		assert.Equal(t, protocol.KindSystem, f.Type)
	default:
		t.Fatal("expected frame on outbound channel")
	}
}

func TestSendToUnregisteredBuffersOffline(t *testing.T) {
	reg := newTestRegistry(t)
	id := domain.Identity{Kind: domain.KindCustomer, ID: "cust-1"}

	outcome := reg.SendTo(id, protocol.NewSystem(protocol.LevelInfo, "", "hi"))
	assert.Equal(t, domain.NotRegistered, outcome)

	h := reg.Register(id, "Customer One")
	select {
	case <-h.Outbound():
	default:
		t.Fatal("expected buffered frame to flush on register")
	}
}

func TestRegisterSupersedesPriorConnection(t *testing.T) {
	reg := newTestRegistry(t)
	id := domain.Identity{Kind: domain.KindAgent, ID: "agent-1"}

	first := reg.Register(id, "Agent One")
	second := reg.Register(id, "Agent One")

	select {
	case <-first.Closed():
	default:
		t.Fatal("expected prior handle to be closed on supersede")
	}

	current, ok := reg.Lookup(id)
	require.True(t, ok)
	assert.Same(t, second, current)
}

func TestDisconnectCustomerReleasesBinding(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	agentID := domain.Identity{Kind: domain.KindAgent, ID: "agent-1"}
	reg.Register(agentID, "Agent One")
	require.NoError(t, reg.presence.MarkOnline(ctx, "agent-1", domain.KindAgent))

	_, err := reg.assignment.Assign(ctx, "cust-1", "")
	require.NoError(t, err)

	custID := domain.Identity{Kind: domain.KindCustomer, ID: "cust-1"}
	h := reg.Register(custID, "Customer One")

	reg.Disconnect(ctx, h)

	bound, err := reg.assignment.CurrentBinding(ctx, "cust-1")
	require.NoError(t, err)
	assert.Empty(t, bound)
}

func TestDisconnectAgentRequeuesCustomers(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	agentID := domain.Identity{Kind: domain.KindAgent, ID: "agent-1"}
	agentHandle := reg.Register(agentID, "Agent One")
	require.NoError(t, reg.presence.MarkOnline(ctx, "agent-1", domain.KindAgent))

	_, err := reg.assignment.Assign(ctx, "cust-1", "")
	require.NoError(t, err)

	reg.Disconnect(ctx, agentHandle)

	bound, err := reg.assignment.CurrentBinding(ctx, "cust-1")
	require.NoError(t, err)
	assert.Empty(t, bound)

	n, err := reg.assignment.WaitingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDisconnectPreservesCustomersOriginalEnqueueTime(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	agentID := domain.Identity{Kind: domain.KindAgent, ID: "agent-1"}
	agentHandle := reg.Register(agentID, "Agent One")
	require.NoError(t, reg.presence.MarkOnline(ctx, "agent-1", domain.KindAgent))

	custID := domain.Identity{Kind: domain.KindCustomer, ID: "cust-1"}
	custHandle := reg.Register(custID, "Customer One")

	_, err := reg.assignment.Assign(ctx, "cust-1", "agent-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	reg.Disconnect(ctx, agentHandle)

	entries, err := reg.assignment.WaitingSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.WithinDuration(t, custHandle.EnqueuedAt, entries[0].EnqueuedAt, time.Millisecond)
}
