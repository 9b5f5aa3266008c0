package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/fitcoach/internal/auth"
	"github.com/ashureev/fitcoach/internal/identity"
	"github.com/ashureev/fitcoach/internal/preference"
	"github.com/ashureev/fitcoach/internal/store"
	"github.com/go-chi/chi/v5"
)

// FlowForgetter drops in-memory chat flows on sign out.
type FlowForgetter interface {
	Forget(deviceID, userID string)
}

// AuthHandler handles account and session endpoints.
type AuthHandler struct {
	*Handler
	auth  *auth.Service
	flows FlowForgetter
}

// NewAuthHandler creates an auth handler. flows may be nil.
func NewAuthHandler(base *Handler, svc *auth.Service, flows FlowForgetter) *AuthHandler {
	return &AuthHandler{Handler: base, auth: svc, flows: flows}
}

// RegisterRoutes registers auth routes.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/signup", h.SignUp)
		r.Post("/signin", h.SignIn)
		r.Post("/refresh", h.Refresh)
		r.Post("/signout", h.SignOut)
	})
	r.With(identity.RequireUser).Get("/api/me", h.GetMe)
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidRefreshToken),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrEmailNotConfirmed):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidEmail):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUserAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *AuthHandler) authError(w http.ResponseWriter, err error) {
	status := authStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("Auth request failed", "error", err)
	}
	Error(w, status, auth.UserMessage(err))
}

type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// SignUp registers an account.
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.auth.SignUp(r.Context(), auth.SignUpRequest{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		h.authError(w, err)
		return
	}

	JSON(w, http.StatusCreated, map[string]interface{}{
		"user_id":              user.UserID,
		"email":                user.Email,
		"confirmation_pending": !user.EmailConfirmed(),
	})
}

type signInRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	StayLoggedIn bool   `json:"stay_logged_in"`
}

// SignIn stores the stay-logged-in choice for the device, then attempts
// the sign in. The choice is stored on every attempt, failed ones included.
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	deviceID := identity.DeviceIDFromContext(r.Context())

	pref := preference.New(store.Device(h.repo, deviceID))
	if err := pref.Set(r.Context(), req.StayLoggedIn); err != nil {
		slog.Error("Failed to store stay-logged-in preference", "device_id", deviceID, "error", err)
		Error(w, http.StatusInternalServerError, auth.UserMessage(err))
		return
	}

	sess, err := h.auth.SignIn(r.Context(), auth.SignInRequest{
		Email:    req.Email,
		Password: req.Password,
		DeviceID: deviceID,
	})
	if err != nil {
		h.authError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"session":        sess,
		"stay_logged_in": req.StayLoggedIn,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges the posted refresh token for a new session on the
// device.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	deviceID := identity.DeviceIDFromContext(r.Context())

	sess, err := h.auth.Refresh(r.Context(), deviceID, req.RefreshToken)
	if err != nil {
		h.authError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}

// SignOut revokes the device session. The caller proves ownership with the
// posted refresh token or, without one, with a bearer token of the user
// the device session belongs to.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx := r.Context()
	deviceID := identity.DeviceIDFromContext(ctx)
	userID := identity.UserIDFromContext(ctx)

	var err error
	switch {
	case req.RefreshToken != "":
		err = h.auth.SignOut(ctx, deviceID, req.RefreshToken)
	case userID != "":
		err = h.auth.SignOutUser(ctx, deviceID, userID)
	default:
		err = auth.ErrInvalidToken
	}
	if err != nil {
		h.authError(w, err)
		return
	}
	if userID != "" && h.flows != nil {
		h.flows.Forget(deviceID, userID)
	}
	JSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

// GetMe returns the current user's information.
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":         user.UserID,
		"email":           user.Email,
		"display_name":    user.DisplayName,
		"email_confirmed": user.EmailConfirmed(),
		"device_id":       identity.DeviceIDFromContext(r.Context()),
	})
}
