// Package identity resolves the device and the signed-in user of a request.
package identity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/fitcoach/internal/auth"
	"github.com/google/uuid"
)

const (
	DeviceCookieName = "fitcoach_device_id"
	DeviceHeaderName = "X-Device-ID"
	deviceCookieAge  = 365 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	emailKey
	deviceIDKey
	tokenErrKey
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{8,128}$`)

// Verifier validates access tokens.
type Verifier interface {
	VerifyAccess(token string) (*auth.Claims, error)
}

// UserIDFromContext extracts the authenticated user ID from the request
// context. Empty when the request carries no valid access token.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// EmailFromContext extracts the authenticated user's email.
func EmailFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(emailKey).(string); ok {
		return v
	}
	return ""
}

// DeviceIDFromContext extracts the device ID from the request context.
func DeviceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(deviceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns ctx carrying the given identity.
func WithUser(ctx context.Context, deviceID, userID, email string) context.Context {
	ctx = context.WithValue(ctx, deviceIDKey, deviceID)
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, emailKey, email)
}

func isValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

func getOrCreateDeviceID(w http.ResponseWriter, r *http.Request, isDev bool) string {
	if id := strings.TrimSpace(r.Header.Get(DeviceHeaderName)); isValidDeviceID(id) {
		return id
	}

	id := ""
	if c, err := r.Cookie(DeviceCookieName); err == nil && isValidDeviceID(c.Value) {
		id = c.Value
	} else {
		id = uuid.NewString()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     DeviceCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(deviceCookieAge.Seconds()),
		Expires:  time.Now().Add(deviceCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id
}

// tokenFromRequest reads a bearer token from the Authorization header, or
// from the access_token query parameter for websocket upgrades.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// Middleware injects the device ID and, when a valid access token issued to
// that device is present, the user identity.
func Middleware(verifier Verifier, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID := getOrCreateDeviceID(w, r, isDev)
			ctx := context.WithValue(r.Context(), deviceIDKey, deviceID)

			if token := tokenFromRequest(r); token != "" {
				claims, err := verifier.VerifyAccess(token)
				switch {
				case err != nil:
					ctx = context.WithValue(ctx, tokenErrKey, err)
				case claims.DeviceID != "" && claims.DeviceID != deviceID:
					ctx = context.WithValue(ctx, tokenErrKey, auth.ErrInvalidToken)
				default:
					ctx = context.WithValue(ctx, userIDKey, claims.Subject)
					ctx = context.WithValue(ctx, emailKey, claims.Email)
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser rejects requests without an authenticated user.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserIDFromContext(r.Context()) != "" {
			next.ServeHTTP(w, r)
			return
		}
		msg := "unauthorized"
		if err, ok := r.Context().Value(tokenErrKey).(error); ok && errors.Is(err, auth.ErrTokenExpired) {
			msg = "token_expired"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
	})
}

// IPFromRequest returns a normalized remote IP for rate limiting.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
