package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/kefu-relay/internal/apperr"
)

// CustomerHandler exposes administrative customer-to-agent assignment.
type CustomerHandler struct {
	*Handler
}

// RegisterRoutes mounts the customer-facing endpoints under r.
func (h *CustomerHandler) RegisterRoutes(r chi.Router) {
	r.Post("/{id}/assign", h.assign)
}

type assignRequest struct {
	AgentID string `json:"kefu_id"`
}

func (h *CustomerHandler) assign(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "id")
	if customerID == "" {
		Error(w, apperr.New(apperr.CodeNoRecipient, "customer id is required"))
		return
	}

	var req assignRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, apperr.New(apperr.CodeMalformedHandshake, "invalid request body"))
			return
		}
	}

	boundAgent, err := h.assignment.Assign(r.Context(), customerID, req.AgentID)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, struct {
		CustomerID string `json:"customer_id"`
		AgentID    string `json:"kefu_id"`
	}{CustomerID: customerID, AgentID: boundAgent})
}
