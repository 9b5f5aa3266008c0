package auth

import (
	"errors"
	"strings"
)

// Error texts follow the wording of hosted auth backends so that UserMessage
// can classify errors coming from either side.
var (
	ErrInvalidCredentials  = errors.New("invalid login credentials")
	ErrEmailNotConfirmed   = errors.New("email not confirmed")
	ErrRateLimited         = errors.New("rate limit exceeded for sign in attempts")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrInvalidToken        = errors.New("invalid access token")
	ErrTokenExpired        = errors.New("access token expired")
	ErrWeakPassword        = errors.New("password should be at least 8 characters")
	ErrInvalidEmail        = errors.New("unable to validate email address: invalid format")
	ErrUserAlreadyExists   = errors.New("user already registered")
)

var userMessages = []struct {
	needles []string
	message string
}{
	{[]string{"invalid login credentials", "invalid credentials"}, "Incorrect email or password."},
	{[]string{"email not confirmed"}, "Please confirm your email address before signing in."},
	{[]string{"rate limit", "too many requests"}, "Too many attempts. Please wait a moment and try again."},
	{[]string{"already registered"}, "An account with this email already exists."},
	{[]string{"password should be"}, "Password must be at least 8 characters."},
	{[]string{"validate email"}, "Please enter a valid email address."},
	{[]string{"refresh token", "token expired", "access token"}, "Your session has expired. Please sign in again."},
}

// UserMessage maps an auth error to a display string by matching substrings
// of its message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	for _, m := range userMessages {
		for _, n := range m.needles {
			if strings.Contains(msg, n) {
				return m.message
			}
		}
	}
	return "Something went wrong. Please try again."
}
