package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger checks a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Integrations reports which optional upstreams are configured.
type Integrations struct {
	Assistant bool
	Voice     bool
	Callback  bool
}

// HealthHandler serves the health endpoint.
type HealthHandler struct {
	store        Pinger
	integrations Integrations
	logger       *slog.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(store Pinger, integrations Integrations, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{store: store, integrations: integrations, logger: logger}
}

// RegisterHealth registers GET /health.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health reports service status and configured integrations.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	JSON(w, code, map[string]interface{}{
		"status":               status,
		"assistant_configured": h.integrations.Assistant,
		"voice_configured":     h.integrations.Voice,
		"callback_configured":  h.integrations.Callback,
	})
}
