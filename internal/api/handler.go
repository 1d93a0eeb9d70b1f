// Package api implements the REST Query Surface (C8): authentication,
// session/agent/queue inspection, and administrative assignment endpoints
// over the same durable store, cache, presence, and assignment components
// the WebSocket side uses. Grounded on the teacher's internal/api/handler.go
// (the shared Handler + JSON/Error helper idiom, and the
// RegisterRoutes(chi.Router) convention each sub-handler follows), with the
// uniform response envelope and pagination shape adapted from
// Danor93-Articles-Chat's handlers.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/kefu-relay/internal/apperr"
	"github.com/ashureev/kefu-relay/internal/assignment"
	"github.com/ashureev/kefu-relay/internal/auth"
	"github.com/ashureev/kefu-relay/internal/presence"
	"github.com/ashureev/kefu-relay/internal/store"
)

// Handler carries the dependencies every sub-handler needs, mirroring the
// teacher's embed-the-base-Handler composition.
type Handler struct {
	repo       store.Repository
	auth       *auth.Service
	presence   *presence.Tracker
	assignment *assignment.Engine
}

// NewHandler constructs the shared base Handler.
func NewHandler(repo store.Repository, authSvc *auth.Service, presenceTracker *presence.Tracker, assignmentEngine *assignment.Engine) *Handler {
	return &Handler{repo: repo, auth: authSvc, presence: presenceTracker, assignment: assignmentEngine}
}

// Envelope is the uniform REST response shape, spec.md §6.
type Envelope struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Pagination describes a paged list's position in the full result set.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewPagination computes TotalPages from total/limit.
func NewPagination(page, limit, total int) Pagination {
	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return Pagination{Page: page, Limit: limit, Total: total, TotalPages: totalPages}
}

// JSON writes a successful envelope with the given status code and data.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	writeEnvelope(w, status, Envelope{Success: true, Message: "ok", Data: data, Timestamp: time.Now()})
}

// JSONMessage writes a successful envelope with a message and no data, for
// actions like logout/transfer/end that only confirm completion.
func JSONMessage(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, Envelope{Success: true, Message: message, Timestamp: time.Now()})
}

// Error writes a failed envelope derived from err, using its apperr.Code
// and StatusCode when err is (or wraps) an *apperr.Error.
func Error(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Wrap(err, apperr.CodeDurableUnavailable)
	}
	writeEnvelope(w, appErr.StatusCode(), Envelope{
		Success:   false,
		Message:   appErr.Message,
		ErrorCode: string(appErr.Code),
		Timestamp: time.Now(),
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		http.Error(w, `{"success":false,"message":"failed to encode response"}`, http.StatusInternalServerError)
	}
}
