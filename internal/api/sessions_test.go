package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/kefu-relay/internal/domain"
)

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := mountChiParams(map[string]string{key: value})
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestSplitSessionIDParsesComposedKey(t *testing.T) {
	cust, agent, ok := splitSessionID("cust-1:agent-1")
	require.True(t, ok)
	assert.Equal(t, "cust-1", cust)
	assert.Equal(t, "agent-1", agent)

	_, _, ok = splitSessionID("malformed")
	assert.False(t, ok)
}

func TestGetSessionReturns404WhenMissing(t *testing.T) {
	env := newTestEnv(t)
	h := &SessionsHandler{Handler: env.handler}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/cust-1:agent-1", nil)
	req = withChiParam(req, "id", "cust-1:agent-1")
	w := httptest.NewRecorder()

	h.get(w, req)

	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode)
}

func TestGetSessionReturnsDetailWithPresenceAndWorkload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.repo.PutSession(ctx, &domain.Session{CustomerID: "cust-1", AgentID: "agent-1", Status: domain.SessionActive}))
	require.NoError(t, env.presence.MarkOnline(ctx, "agent-1", domain.KindAgent))

	h := &SessionsHandler{Handler: env.handler}
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/cust-1:agent-1", nil)
	req = withChiParam(req, "id", "cust-1:agent-1")
	w := httptest.NewRecorder()

	h.get(w, req)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
}

func TestEndSessionReleasesBindingAndClosesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.presence.MarkOnline(ctx, "agent-1", domain.KindAgent))
	agentID, err := env.engine.Assign(ctx, "cust-1", "agent-1")
	require.NoError(t, err)
	require.Equal(t, "agent-1", agentID)

	h := &SessionsHandler{Handler: env.handler}
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/cust-1:agent-1/end", nil)
	req = withChiParam(req, "id", "cust-1:agent-1")
	w := httptest.NewRecorder()

	h.end(w, req)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)

	bound, err := env.engine.CurrentBinding(ctx, "cust-1")
	require.NoError(t, err)
	assert.Empty(t, bound)

	sess, err := env.repo.GetSession(ctx, "cust-1", "agent-1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, domain.SessionClosed, sess.Status)
}
