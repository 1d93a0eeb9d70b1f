package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthHandler reports the relay's dependency health, grounded on the
// teacher's internal/api/container.go HealthHandler (ping the durable
// store, degrade rather than fail the whole check on a soft dependency).
type HealthHandler struct {
	*Handler
}

// RegisterHealth mounts the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.health)
}

func (h *HealthHandler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"store": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		checks["store"] = "unreachable"
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	JSON(w, statusCode, struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}{Status: status, Checks: checks})
}
