package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ashureev/fitcoach/internal/bootstrap"
	"github.com/ashureev/fitcoach/internal/identity"
	"github.com/go-chi/chi/v5"
)

// Resolver resolves the landing destination of a device.
type Resolver interface {
	Resolve(ctx context.Context, deviceID string) (*bootstrap.Result, error)
}

// BootstrapHandler serves the root resolution.
type BootstrapHandler struct {
	*Handler
	resolver Resolver
}

// NewBootstrapHandler creates a bootstrap handler.
func NewBootstrapHandler(base *Handler, resolver Resolver) *BootstrapHandler {
	return &BootstrapHandler{Handler: base, resolver: resolver}
}

// RegisterRoutes registers bootstrap routes.
func (h *BootstrapHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/bootstrap", func(r chi.Router) {
		r.Get("/", h.Resolve)
		r.Post("/retry", h.Resolve)
	})
}

// Resolve runs the resolution for the requesting device. Retry after a
// profile error is the same request; nothing is cached between calls.
// Profile attributes are only returned to a caller whose bearer token names
// the session's user; a device cookie alone yields the destination.
func (h *BootstrapHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())

	res, err := h.resolver.Resolve(r.Context(), deviceID)
	if err != nil {
		slog.Error("Bootstrap failed", "device_id", deviceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to resolve session")
		return
	}
	if res.UserID == "" || identity.UserIDFromContext(r.Context()) != res.UserID {
		res.Profile = nil
	}
	JSON(w, http.StatusOK, res)
}
