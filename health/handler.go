package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Handler serves the registry's checks as JSON
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a health check HTTP handler
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{
		registry: registry,
		timeout:  timeout,
	}
}

// ServeHTTP answers 503 when any check is unhealthy
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	overall := h.registry.Check(ctx)

	statusCode := http.StatusOK
	if overall.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(overall)
}
