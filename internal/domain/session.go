package domain

import (
	"time"
)

// Session is server-issued proof of authentication held by a device.
type Session struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired returns true once the access token is no longer valid.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// NeedsRefresh returns true when the access token expires within window.
func (s *Session) NeedsRefresh(now time.Time, window time.Duration) bool {
	return !now.Add(window).Before(s.ExpiresAt)
}

// ExpiresIn returns the remaining lifetime of the access token.
// Returns 0 if the session has already expired.
func (s *Session) ExpiresIn(now time.Time) time.Duration {
	ttl := s.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
