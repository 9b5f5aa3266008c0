package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/fitcoach/internal/chat"
	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/ashureev/fitcoach/internal/identity"
	"github.com/ashureev/fitcoach/internal/plan"
	"github.com/go-chi/chi/v5"
)

// ChatHandler handles the onboarding chat endpoints.
type ChatHandler struct {
	*Handler
	chat *chat.Service
}

// NewChatHandler creates a chat handler.
func NewChatHandler(base *Handler, svc *chat.Service) *ChatHandler {
	return &ChatHandler{Handler: base, chat: svc}
}

// RegisterRoutes registers chat routes. sendLimit throttles message
// sends and may be nil.
func (h *ChatHandler) RegisterRoutes(r chi.Router, sendLimit func(http.Handler) http.Handler) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Use(identity.RequireUser)
		r.Get("/", h.Get)
		r.Delete("/", h.Reset)
		r.Post("/finish", h.Finish)
		r.Post("/banner/dismiss", h.DismissBanner)
		if sendLimit != nil {
			r.With(sendLimit).Post("/messages", h.Send)
		} else {
			r.Post("/messages", h.Send)
		}
	})
}

type chatView struct {
	chat.Snapshot
	CanSend bool `json:"can_send"`
}

func viewOf(s chat.Snapshot) chatView {
	if s.Messages == nil {
		s.Messages = []domain.ChatMessage{}
	}
	return chatView{Snapshot: s, CanSend: s.CanSend()}
}

// open returns the caller's flow, pinned until release. Restore failures
// are reported through the snapshot, so they are only logged here.
func (h *ChatHandler) open(ctx context.Context, deviceID, userID string) (*chat.Flow, func()) {
	f, release, err := h.chat.Acquire(ctx, deviceID, userID, nil)
	if err != nil {
		slog.Warn("Chat restore failed", "user_id", userID, "device_id", deviceID, "error", err)
	}
	return f, release
}

func chatStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrSendInFlight), errors.Is(err, chat.ErrChatEnded),
		errors.Is(err, chat.ErrNotReady), errors.Is(err, chat.ErrNoQuestionnaire),
		errors.Is(err, chat.ErrFlowClosed):
		return http.StatusConflict
	case errors.Is(err, chat.ErrBackendUnavailable), errors.Is(err, plan.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, plan.ErrUnreachable):
		return http.StatusBadGateway
	default:
		var logical *plan.LogicalError
		if errors.As(err, &logical) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}

// Get opens the chat and returns its state.
func (h *ChatHandler) Get(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	userID := identity.UserIDFromContext(r.Context())

	f, release := h.open(r.Context(), deviceID, userID)
	defer release()
	JSON(w, http.StatusOK, viewOf(f.Snapshot()))
}

type sendRequest struct {
	Message string `json:"message"`
}

// Send sends one user message. Backend failures are not HTTP errors: the
// returned state carries the error reply and banner.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	deviceID := identity.DeviceIDFromContext(r.Context())
	userID := identity.UserIDFromContext(r.Context())

	f, release := h.open(r.Context(), deviceID, userID)
	defer release()
	snap, err := f.Send(r.Context(), req.Message)
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		JSON(w, chatStatus(err), map[string]interface{}{
			"error": err.Error(),
			"chat":  viewOf(f.Snapshot()),
		})
		return
	}
	JSON(w, http.StatusOK, viewOf(snap))
}

// Finish generates the plan from the questionnaire and adjustments.
func (h *ChatHandler) Finish(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	userID := identity.UserIDFromContext(r.Context())

	f, release := h.open(r.Context(), deviceID, userID)
	defer release()
	res, err := f.Finish(r.Context())
	if err != nil {
		status := chatStatus(err)
		if status >= http.StatusInternalServerError {
			slog.Error("Plan generation failed", "user_id", userID, "error", err)
		}
		msg := err.Error()
		if status != http.StatusConflict {
			msg = plan.UserMessage(err)
		}
		Error(w, status, msg)
		return
	}

	slog.Info("Onboarding finished", "user_id", userID, "plan_id", res.PlanID)
	JSON(w, http.StatusOK, map[string]interface{}{
		"plan": res,
		"chat": viewOf(f.Snapshot()),
	})
}

// DismissBanner hides the error banner.
func (h *ChatHandler) DismissBanner(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	userID := identity.UserIDFromContext(r.Context())

	f, ok := h.chat.Lookup(deviceID, userID)
	if !ok {
		Error(w, http.StatusNotFound, chat.ErrNotOpen.Error())
		return
	}
	f.DismissBanner()
	JSON(w, http.StatusOK, viewOf(f.Snapshot()))
}

// Reset clears the conversation. The questionnaire is kept.
func (h *ChatHandler) Reset(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	userID := identity.UserIDFromContext(r.Context())

	if err := h.chat.Reset(r.Context(), deviceID, userID); err != nil {
		Error(w, chatStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
