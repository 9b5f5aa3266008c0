// Package domain contains core domain types for the fitcoach application.
package domain

import (
	"time"
)

// User represents a registered account.
type User struct {
	UserID           string     `json:"user_id"`
	Email            string     `json:"email"`
	PasswordHash     string     `json:"-"`
	DisplayName      string     `json:"display_name"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// EmailConfirmed returns true if the user has confirmed their email address.
func (u *User) EmailConfirmed() bool {
	return u.EmailConfirmedAt != nil
}

// RefreshToken is a stored refresh credential. Only the SHA-256 hash of the
// raw token is persisted.
type RefreshToken struct {
	TokenHash string
	UserID    string
	DeviceID  string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Usable reports whether the token can still be exchanged at now.
func (t *RefreshToken) Usable(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}
