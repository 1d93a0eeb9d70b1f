package store

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/kefu-relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendMessageIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := &domain.Message{
		MessageID:   "msg-1",
		FromUserID:  "cust-1",
		ToUserID:    "agent-1",
		Content:     "hello",
		ContentKind: domain.ContentText,
		Timestamp:   time.Now(),
	}
	require.NoError(t, s.AppendMessage(ctx, m))
	require.NoError(t, s.AppendMessage(ctx, m))

	got, err := s.RecentMessages(ctx, "cust-1", "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "msg-1", got[0].MessageID)
}

func TestRecentMessagesOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Now()
	for i, id := range []string{"m1", "m2", "m3"} {
		m := &domain.Message{
			MessageID:   id,
			FromUserID:  "cust-1",
			ToUserID:    "agent-1",
			Content:     id,
			ContentKind: domain.ContentText,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.AppendMessage(ctx, m))
	}

	got, err := s.RecentMessages(ctx, "agent-1", "cust-1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m3", got[0].MessageID)
	assert.Equal(t, "m2", got[1].MessageID)
}

func TestSessionCreateAndTransition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess := &domain.Session{
		CustomerID: "cust-1",
		AgentID:    "agent-1",
		CreatedAt:  time.Now(),
		Status:     domain.SessionActive,
	}
	require.NoError(t, s.PutSession(ctx, sess))

	got, err := s.GetSession(ctx, "cust-1", "agent-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.SessionActive, got.Status)

	got.Status = domain.SessionTransferred
	got.TransferHistory = append(got.TransferHistory, domain.Transfer{From: "agent-1", To: "agent-2", At: time.Now()})
	require.NoError(t, s.PutSession(ctx, got))

	reloaded, err := s.GetSession(ctx, "cust-1", "agent-1")
	require.NoError(t, err)
	require.NotNil(t, reloaded)
	assert.Equal(t, domain.SessionTransferred, reloaded.Status)
	require.Len(t, reloaded.TransferHistory, 1)
	assert.Equal(t, "agent-2", reloaded.TransferHistory[0].To)
}

func TestGetSessionMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.GetSession(ctx, "nobody", "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListSessionsFilterAndPage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, custID := range []string{"cust-a", "cust-b", "cust-c"} {
		sess := &domain.Session{
			CustomerID: custID,
			AgentID:    "agent-1",
			CreatedAt:  time.Now(),
			Status:     domain.SessionActive,
		}
		require.NoError(t, s.PutSession(ctx, sess))
	}
	other := &domain.Session{CustomerID: "cust-z", AgentID: "agent-2", CreatedAt: time.Now(), Status: domain.SessionClosed}
	require.NoError(t, s.PutSession(ctx, other))

	got, total, err := s.ListSessions(ctx, SessionFilter{AgentID: "agent-1"}, Page{Page: 0, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, got, 2)

	got2, total2, err := s.ListSessions(ctx, SessionFilter{AgentID: "agent-1"}, Page{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total2)
	assert.Len(t, got2, 1)
}

func TestAgentCredentialLookup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := &domain.Agent{
		AgentID:      "agent-1",
		Username:     "kefu001",
		PasswordHash: "hashed",
		DisplayName:  "Agent One",
		Department:   "support",
		IsActive:     true,
	}
	require.NoError(t, s.PutAgent(ctx, a))

	got, err := s.GetAgentByUsername(ctx, "kefu001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, domain.DefaultMaxConcurrentCustomers, got.MaxConcurrentCustomers)

	byID, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "kefu001", byID.Username)
}
