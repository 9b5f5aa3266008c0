package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// StatusSource reports the last known status of a monitored dependency.
type StatusSource interface {
	Status(service string) healthpb.HealthCheckResponse_ServingStatus
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	*Handler
	monitor   StatusSource
	aiEnabled bool
}

// NewHealthHandler creates a health handler. monitor may be nil.
func NewHealthHandler(base *Handler, monitor StatusSource, aiEnabled bool) *HealthHandler {
	return &HealthHandler{Handler: base, monitor: monitor, aiEnabled: aiEnabled}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	healthCheckTimeout := h.cfg.Timeout.HealthCheck
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// The model backend is optional: an outage degrades chat only.
	switch {
	case !h.aiEnabled:
		checks["llm"] = "disabled"
	case h.monitor == nil:
		checks["llm"] = "unknown"
	default:
		checks["llm"] = strings.ToLower(h.monitor.Status("llm").String())
	}

	JSON(w, statusCode, status)
}

// GetConfig returns the server configuration for the frontend.
func (h *HealthHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"ai_enabled":       h.aiEnabled,
		"max_interactions": h.cfg.Chat.MaxInteractions,
	})
}

// RegisterHealth registers the health and config routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/api/config", h.GetConfig)
}
