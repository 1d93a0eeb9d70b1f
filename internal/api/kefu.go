package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/kefu-relay/internal/apperr"
)

// KefuHandler exposes agent availability, workload, and assignment
// inspection endpoints backed by the Assignment Engine.
type KefuHandler struct {
	*Handler
}

// RegisterRoutes mounts the agent-facing endpoints under r.
func (h *KefuHandler) RegisterRoutes(r chi.Router) {
	r.Get("/available", h.available)
	r.Get("/waiting", h.waiting)
	r.Get("/{id}/workload", h.workload)
	r.Get("/{id}/customers", h.customers)
	r.Post("/{id}/switch/{cid}", h.switchCustomer)
}

func (h *KefuHandler) available(w http.ResponseWriter, r *http.Request) {
	agents, err := h.assignment.AvailableAgents(r.Context())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, struct {
		Agents interface{} `json:"kefu"`
	}{Agents: agents})
}

type waitingCustomer struct {
	CustomerID            string  `json:"customer_id"`
	EnqueuedAt            string  `json:"enqueued_at"`
	WaitingDurationSeconds float64 `json:"waiting_duration_seconds"`
}

func (h *KefuHandler) waiting(w http.ResponseWriter, r *http.Request) {
	entries, err := h.assignment.WaitingSnapshot(r.Context())
	if err != nil {
		Error(w, err)
		return
	}
	now := time.Now()
	out := make([]waitingCustomer, 0, len(entries))
	for _, e := range entries {
		out = append(out, waitingCustomer{
			CustomerID:             e.CustomerID,
			EnqueuedAt:             e.EnqueuedAt.Format(timeLayout),
			WaitingDurationSeconds: now.Sub(e.EnqueuedAt).Seconds(),
		})
	}
	JSON(w, http.StatusOK, struct {
		Waiting []waitingCustomer `json:"waiting"`
	}{Waiting: out})
}

func (h *KefuHandler) workload(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	workload, err := h.assignment.Workload(r.Context(), agentID)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, workload)
}

func (h *KefuHandler) customers(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	customerIDs, err := h.assignment.AgentCustomers(r.Context(), agentID)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, struct {
		CustomerIDs []string `json:"customer_ids"`
	}{CustomerIDs: customerIDs})
}

// switchCustomer confirms that customer {cid} is currently bound to agent
// {id}, for a client-side switch of the agent's active conversation. It
// does not change the binding or refresh its TTL.
func (h *KefuHandler) switchCustomer(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	customerID := chi.URLParam(r, "cid")

	current, err := h.assignment.CurrentBinding(r.Context(), customerID)
	if err != nil {
		Error(w, err)
		return
	}
	if current != agentID {
		Error(w, apperr.New(apperr.CodeNoRecipient, "customer is not bound to this agent"))
		return
	}
	JSONMessage(w, http.StatusOK, "active conversation switched")
}
