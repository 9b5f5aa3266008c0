package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/ashureev/fitcoach/internal/identity"
	"github.com/ashureev/fitcoach/internal/questionnaire"
	"github.com/ashureev/fitcoach/internal/store"
	"github.com/go-chi/chi/v5"
)

// QuestionnaireHandler handles the onboarding form.
type QuestionnaireHandler struct {
	*Handler
	svc *questionnaire.Service
}

// NewQuestionnaireHandler creates a questionnaire handler.
func NewQuestionnaireHandler(base *Handler, svc *questionnaire.Service) *QuestionnaireHandler {
	return &QuestionnaireHandler{Handler: base, svc: svc}
}

// RegisterRoutes registers questionnaire routes.
func (h *QuestionnaireHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/questionnaire", func(r chi.Router) {
		r.Use(identity.RequireUser)
		r.Post("/", h.Submit)
		r.Post("/check", h.Check)
	})
}

// Check reports whether the form can be submitted as filled.
func (h *QuestionnaireHandler) Check(w http.ResponseWriter, r *http.Request) {
	var q domain.Questionnaire
	if err := decodeJSON(w, r, &q); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	missing := questionnaire.MissingFields(q)
	if missing == nil {
		missing = []string{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"can_submit": len(missing) == 0,
		"missing":    missing,
	})
}

// Submit validates and stores the questionnaire.
func (h *QuestionnaireHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var q domain.Questionnaire
	if err := decodeJSON(w, r, &q); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID := identity.UserIDFromContext(r.Context())
	deviceID := identity.DeviceIDFromContext(r.Context())

	res, err := h.svc.Submit(r.Context(), deviceID, userID, q)
	var verr *questionnaire.ValidationError
	switch {
	case errors.As(err, &verr):
		JSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   "invalid_questionnaire",
			"missing": verr.Missing,
			"invalid": verr.Invalid,
		})
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "profile not found")
	case err != nil:
		slog.Error("Questionnaire submit failed", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "We couldn't save your answers. Please try again.")
	default:
		JSON(w, http.StatusOK, res)
	}
}
