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

	"github.com/ashureev/kefu-relay/internal/domain"
)

func TestAssignBindsCustomerToOnlineAgent(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.presence.MarkOnline(context.Background(), "agent-1", domain.KindAgent))

	h := &CustomerHandler{Handler: env.handler}
	req := httptest.NewRequest(http.MethodPost, "/api/customer/cust-1/assign", bytes.NewReader([]byte("{}")))
	req = withChiParam(req, "id", "cust-1")
	w := httptest.NewRecorder()

	h.assign(w, req)

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var env2 Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env2))
	assert.True(t, env2.Success)
}

func TestAssignQueuesWhenNoAgentAvailable(t *testing.T) {
	env := newTestEnv(t)
	h := &CustomerHandler{Handler: env.handler}

	req := httptest.NewRequest(http.MethodPost, "/api/customer/cust-1/assign", nil)
	req = withChiParam(req, "id", "cust-1")
	w := httptest.NewRecorder()

	h.assign(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Result().StatusCode)
}
