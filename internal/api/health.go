package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relaylabs/session-relay/internal/store"
)

// HealthHandler serves a liveness check backed by a database connectivity
// probe.
type HealthHandler struct {
	Store store.SessionStore
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(repo store.SessionStore) *HealthHandler {
	return &HealthHandler{Store: repo}
}

// RegisterRoutes mounts GET /health.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.ServeHTTP)
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
