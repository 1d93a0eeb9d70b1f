package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/kefu-relay/internal/apperr"
	"github.com/ashureev/kefu-relay/internal/domain"
	"github.com/ashureev/kefu-relay/internal/store"
)

// SessionsHandler exposes conversation session inspection, transfer, and
// end-of-conversation endpoints, grounded on the teacher's
// internal/api/handler.go RegisterRoutes convention.
type SessionsHandler struct {
	*Handler
}

// RegisterRoutes mounts the session endpoints under r.
func (h *SessionsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Get("/{id}/messages", h.messages)
	r.Post("/{id}/transfer", h.transfer)
	r.Post("/{id}/end", h.end)
}

// pageParams parses 1-indexed page/limit query params (spec.md §6's REST
// pagination convention) and returns both the REST-facing page number (for
// echoing in the response envelope) and the store's 0-indexed Page.
func pageParams(r *http.Request) (restPage int, storePage store.Page) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, store.Page{Page: page - 1, Limit: limit}
}

// splitSessionID parses the "{customer_id}:{agent_id}" REST key back into
// its two halves.
func splitSessionID(id string) (customerID, agentID string, ok bool) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (h *SessionsHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		AgentID: q.Get("kefu_id"),
		Status:  domain.SessionStatus(q.Get("status")),
	}
	restPage, page := pageParams(r)

	sessions, total, err := h.repo.ListSessions(r.Context(), filter, page)
	if err != nil {
		Error(w, apperr.Wrap(err, apperr.CodeDurableUnavailable))
		return
	}
	JSON(w, http.StatusOK, struct {
		Sessions   []domain.Session `json:"sessions"`
		Pagination Pagination       `json:"pagination"`
	}{Sessions: sessions, Pagination: NewPagination(restPage, page.Limit, total)})
}

type sessionDetail struct {
	domain.Session
	CustomerOnline bool                 `json:"customer_online"`
	AgentOnline    bool                 `json:"kefu_online"`
	Workload       domain.WorkloadEntry `json:"kefu_workload"`
}

func (h *SessionsHandler) get(w http.ResponseWriter, r *http.Request) {
	customerID, agentID, ok := splitSessionID(chi.URLParam(r, "id"))
	if !ok {
		Error(w, apperr.New(apperr.CodeMalformedHandshake, "malformed session id, expected {customer_id}:{kefu_id}"))
		return
	}

	ctx := r.Context()
	session, err := h.repo.GetSession(ctx, customerID, agentID)
	if err != nil {
		Error(w, apperr.Wrap(err, apperr.CodeDurableUnavailable))
		return
	}
	if session == nil {
		Error(w, apperr.New(apperr.CodeNoRecipient, "session not found"))
		return
	}

	custOnline, _ := h.presence.IsOnline(ctx, customerID)
	agentOnline, _ := h.presence.IsOnline(ctx, agentID)
	workload, err := h.assignment.Workload(ctx, agentID)
	if err != nil {
		Error(w, err)
		return
	}

	JSON(w, http.StatusOK, sessionDetail{
		Session:        *session,
		CustomerOnline: custOnline,
		AgentOnline:    agentOnline,
		Workload:       workload,
	})
}

func (h *SessionsHandler) messages(w http.ResponseWriter, r *http.Request) {
	customerID, agentID, ok := splitSessionID(chi.URLParam(r, "id"))
	if !ok {
		Error(w, apperr.New(apperr.CodeMalformedHandshake, "malformed session id, expected {customer_id}:{kefu_id}"))
		return
	}
	restPage, page := pageParams(r)

	// RecentMessages only accepts a single limit, most-recent-first; page
	// is applied by over-fetching restPage*limit and slicing the trailing
	// window, since the conversation pair's history is small enough that
	// a second round-trip for a true offset query isn't warranted.
	fetch := restPage * page.Limit
	all, err := h.repo.RecentMessages(r.Context(), customerID, agentID, fetch)
	if err != nil {
		Error(w, apperr.Wrap(err, apperr.CodeDurableUnavailable))
		return
	}

	start := page.Page * page.Limit
	var windowed []domain.Message
	if start < len(all) {
		end := start + page.Limit
		if end > len(all) {
			end = len(all)
		}
		windowed = all[start:end]
	}

	JSON(w, http.StatusOK, struct {
		Messages   []domain.Message `json:"messages"`
		Pagination Pagination       `json:"pagination"`
	}{Messages: windowed, Pagination: NewPagination(restPage, page.Limit, len(all))})
}

type transferRequest struct {
	ToAgentID string `json:"to_kefu_id"`
	Reason    string `json:"reason"`
}

func (h *SessionsHandler) transfer(w http.ResponseWriter, r *http.Request) {
	customerID, _, ok := splitSessionID(chi.URLParam(r, "id"))
	if !ok {
		Error(w, apperr.New(apperr.CodeMalformedHandshake, "malformed session id, expected {customer_id}:{kefu_id}"))
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ToAgentID == "" {
		Error(w, apperr.New(apperr.CodeMalformedHandshake, "to_kefu_id is required"))
		return
	}

	boundAgent, err := h.assignment.Transfer(r.Context(), customerID, req.ToAgentID, req.Reason)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, struct {
		CustomerID string `json:"customer_id"`
		AgentID    string `json:"kefu_id"`
	}{CustomerID: customerID, AgentID: boundAgent})
}

func (h *SessionsHandler) end(w http.ResponseWriter, r *http.Request) {
	customerID, agentID, ok := splitSessionID(chi.URLParam(r, "id"))
	if !ok {
		Error(w, apperr.New(apperr.CodeMalformedHandshake, "malformed session id, expected {customer_id}:{kefu_id}"))
		return
	}

	ctx := r.Context()
	if err := h.assignment.Release(ctx, customerID); err != nil {
		Error(w, err)
		return
	}

	session, err := h.repo.GetSession(ctx, customerID, agentID)
	if err != nil {
		Error(w, apperr.Wrap(err, apperr.CodeDurableUnavailable))
		return
	}
	if session != nil {
		now := time.Now()
		session.Status = domain.SessionClosed
		session.ClosedAt = &now
		if err := h.repo.PutSession(ctx, session); err != nil {
			Error(w, apperr.Wrap(err, apperr.CodeDurableUnavailable))
			return
		}
	}

	JSONMessage(w, http.StatusOK, "session ended")
}
