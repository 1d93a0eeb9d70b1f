package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/kefu-relay/internal/domain"
)

func TestAvailableListsOnlineAgentsScored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.presence.MarkOnline(ctx, "agent-1", domain.KindAgent))

	h := &KefuHandler{Handler: env.handler}
	req := httptest.NewRequest(http.MethodGet, "/api/kefu/available", nil)
	w := httptest.NewRecorder()

	h.available(w, req)

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Data struct {
			Agents []struct {
				AgentID string `json:"AgentID"`
			} `json:"kefu"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Data.Agents, 1)
	assert.Equal(t, "agent-1", out.Data.Agents[0].AgentID)
}

func TestWaitingReportsEnqueuedCustomers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.engine.Assign(ctx, "cust-1", "")
	require.Error(t, err) // no agent online, customer enqueued

	h := &KefuHandler{Handler: env.handler}
	req := httptest.NewRequest(http.MethodGet, "/api/kefu/waiting", nil)
	w := httptest.NewRecorder()

	h.waiting(w, req)

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Data struct {
			Waiting []waitingCustomer `json:"waiting"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Data.Waiting, 1)
	assert.Equal(t, "cust-1", out.Data.Waiting[0].CustomerID)
}

func TestWorkloadReturnsAgentEntry(t *testing.T) {
	env := newTestEnv(t)
	h := &KefuHandler{Handler: env.handler}

	req := httptest.NewRequest(http.MethodGet, "/api/kefu/agent-1/workload", nil)
	req = withChiParam(req, "id", "agent-1")
	w := httptest.NewRecorder()

	h.workload(w, req)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
}
