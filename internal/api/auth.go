package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/kefu-relay/internal/apperr"
)

// AuthHandler exposes agent login/logout/token-validation over REST,
// grounded on the teacher's internal/api/handler.go RegisterRoutes
// convention and delegating all credential/token logic to auth.Service.
type AuthHandler struct {
	*Handler
}

// RegisterRoutes mounts the auth endpoints under r.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post("/login", h.login)
	r.Post("/logout", h.logout)
	r.Get("/validate", h.validate)
	r.Post("/heartbeat", h.heartbeat)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	ExpiresIn int64  `json:"expires_in"`
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, apperr.New(apperr.CodeMalformedHandshake, "invalid request body"))
		return
	}
	if req.Username == "" || req.Password == "" {
		Error(w, apperr.New(apperr.CodeBadCredentials, "username and password are required"))
		return
	}

	st, agent, err := h.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		Error(w, err)
		return
	}

	JSON(w, http.StatusOK, loginResponse{
		Token:     st.Token,
		AgentID:   agent.AgentID,
		AgentName: agent.DisplayName,
		ExpiresIn: int64(st.ExpiresAt.Sub(st.IssuedAt).Seconds()),
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		Error(w, apperr.New(apperr.CodeTokenInvalid, "missing bearer token"))
		return
	}
	if err := h.auth.Revoke(r.Context(), token); err != nil {
		Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type validateResponse struct {
	AgentID   string `json:"agent_id"`
	ExpiresAt string `json:"expires_at"`
}

func (h *AuthHandler) validate(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		Error(w, apperr.New(apperr.CodeTokenInvalid, "missing bearer token"))
		return
	}
	st, err := h.auth.Validate(r.Context(), token)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, validateResponse{AgentID: st.AgentID, ExpiresAt: st.ExpiresAt.Format(timeLayout)})
}

// heartbeat extends the caller's session token, reusing Validate's sliding
// window extension rather than duplicating the renewal logic.
func (h *AuthHandler) heartbeat(w http.ResponseWriter, r *http.Request) {
	h.validate(w, r)
}

const timeLayout = "2006-01-02T15:04:05Z07:00"
