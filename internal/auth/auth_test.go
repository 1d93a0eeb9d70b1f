package auth

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/kefu-relay/internal/cache"
	"github.com/ashureev/kefu-relay/internal/domain"
	"github.com/ashureev/kefu-relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	require.NoError(t, repo.PutAgent(context.Background(), &domain.Agent{
		AgentID:      "agent-1",
		Username:     "kefu001",
		PasswordHash: hash,
		DisplayName:  "Agent One",
		IsActive:     true,
	}))

	return NewService(repo, cache.NewMemoryCache()), repo
}

func TestAuthenticateSuccess(t *testing.T) {
	svc, _ := newTestService(t)
	st, agent, err := svc.Authenticate(context.Background(), "kefu001", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agent.AgentID)
	assert.NotEmpty(t, st.Token)
}

func TestAuthenticateBadPassword(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.Authenticate(context.Background(), "kefu001", "wrong")
	require.Error(t, err)
}

func TestAuthenticateDisabledAgent(t *testing.T) {
	svc, repo := newTestService(t)
	hash, err := HashPassword("pw")
	require.NoError(t, err)
	require.NoError(t, repo.PutAgent(context.Background(), &domain.Agent{
		AgentID:      "agent-2",
		Username:     "kefu002",
		PasswordHash: hash,
		IsActive:     false,
	}))

	_, _, err = svc.Authenticate(context.Background(), "kefu002", "pw")
	require.Error(t, err)
}

func TestValidateAndRevoke(t *testing.T) {
	svc, _ := newTestService(t)
	st, _, err := svc.Authenticate(context.Background(), "kefu001", "correct horse")
	require.NoError(t, err)

	got, err := svc.Validate(context.Background(), st.Token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AgentID)

	require.NoError(t, svc.Revoke(context.Background(), st.Token))
	_, err = svc.Validate(context.Background(), st.Token)
	require.Error(t, err)
}

func TestAuthenticateInvalidatesPriorToken(t *testing.T) {
	svc, _ := newTestService(t)
	first, _, err := svc.Authenticate(context.Background(), "kefu001", "correct horse")
	require.NoError(t, err)

	second, _, err := svc.Authenticate(context.Background(), "kefu001", "correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)

	_, err = svc.Validate(context.Background(), first.Token)
	require.Error(t, err)

	_, err = svc.Validate(context.Background(), second.Token)
	require.NoError(t, err)
}

func TestValidateExpiredToken(t *testing.T) {
	svc, _ := newTestService(t)
	st, _, err := svc.Authenticate(context.Background(), "kefu001", "correct horse")
	require.NoError(t, err)

	st.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, svc.storeToken(context.Background(), st))

	_, err = svc.Validate(context.Background(), st.Token)
	require.Error(t, err)
}

func TestValidateCapsSlidingRenewalAtAbsoluteMaximum(t *testing.T) {
	svc, _ := newTestService(t)
	st, _, err := svc.Authenticate(context.Background(), "kefu001", "correct horse")
	require.NoError(t, err)

	// Simulate a token nearly at its 24h absolute cap but still within its
	// sliding window; renewal must not push ExpiresAt past AbsoluteExpiresAt.
	st.AbsoluteExpiresAt = time.Now().Add(10 * time.Second)
	st.ExpiresAt = time.Now().Add(5 * time.Second)
	require.NoError(t, svc.storeToken(context.Background(), st))

	got, err := svc.Validate(context.Background(), st.Token)
	require.NoError(t, err)
	assert.False(t, got.ExpiresAt.After(got.AbsoluteExpiresAt))
}

func TestValidateRejectsTokenPastAbsoluteMaximum(t *testing.T) {
	svc, _ := newTestService(t)
	st, _, err := svc.Authenticate(context.Background(), "kefu001", "correct horse")
	require.NoError(t, err)

	// Even though ExpiresAt (sliding window) has not lapsed, a token past
	// its absolute cap must be rejected.
	st.AbsoluteExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, svc.storeToken(context.Background(), st))

	_, err = svc.Validate(context.Background(), st.Token)
	require.Error(t, err)
}
