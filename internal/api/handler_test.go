package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/kefu-relay/internal/apperr"
)

func TestJSONWritesSuccessEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.True(t, env.Success)
	assert.NotZero(t, env.Timestamp)
}

func TestErrorWritesFailureEnvelopeFromAppErr(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, apperr.New(apperr.CodeNoAgentAvailable, "no agent available, customer enqueued"))

	resp := w.Result()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.False(t, env.Success)
	assert.Equal(t, string(apperr.CodeNoAgentAvailable), env.ErrorCode)
}

func TestErrorWrapsPlainErrorAsDurableUnavailable(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, errors.New("disk full"))

	resp := w.Result()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, string(apperr.CodeDurableUnavailable), env.ErrorCode)
}

func TestNewPaginationComputesTotalPages(t *testing.T) {
	p := NewPagination(1, 20, 45)
	assert.Equal(t, 3, p.TotalPages)

	empty := NewPagination(1, 20, 0)
	assert.Equal(t, 0, empty.TotalPages)
}
