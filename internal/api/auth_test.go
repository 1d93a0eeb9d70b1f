package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/kefu-relay/internal/auth"
	"github.com/ashureev/kefu-relay/internal/domain"
)

func seedAgent(t *testing.T, env *testEnv, username, password string) *domain.Agent {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	a := &domain.Agent{
		AgentID:                "agent-1",
		Username:               username,
		PasswordHash:           hash,
		DisplayName:            "Agent One",
		IsActive:               true,
		MaxConcurrentCustomers: domain.DefaultMaxConcurrentCustomers,
	}
	require.NoError(t, env.repo.PutAgent(context.Background(), a))
	return a
}

func TestLoginSucceedsWithValidCredentials(t *testing.T) {
	env := newTestEnv(t)
	seedAgent(t, env, "alice", "hunter2")
	h := &AuthHandler{Handler: env.handler}

	body, _ := json.Marshal(loginRequest{Username: "alice", Password: "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.login(w, req)

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var env2 Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env2))
	assert.True(t, env2.Success)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	env := newTestEnv(t)
	seedAgent(t, env, "alice", "hunter2")
	h := &AuthHandler{Handler: env.handler}

	body, _ := json.Marshal(loginRequest{Username: "alice", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.login(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Result().StatusCode)
}

func TestValidateRejectsMissingBearerToken(t *testing.T) {
	env := newTestEnv(t)
	h := &AuthHandler{Handler: env.handler}

	req := httptest.NewRequest(http.MethodGet, "/api/auth/validate", nil)
	w := httptest.NewRecorder()

	h.validate(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Result().StatusCode)
}

func TestValidateAcceptsIssuedToken(t *testing.T) {
	env := newTestEnv(t)
	agent := seedAgent(t, env, "alice", "hunter2")
	st, _, err := env.auth.Authenticate(context.Background(), agent.Username, "hunter2")
	require.NoError(t, err)

	h := &AuthHandler{Handler: env.handler}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/validate", nil)
	req.Header.Set("Authorization", "Bearer "+st.Token)
	w := httptest.NewRecorder()

	h.validate(w, req)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
}
