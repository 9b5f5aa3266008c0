package domain

import "time"

// Profile is the server-stored user record. A row is created by a database
// trigger when the user registers.
type Profile struct {
	UserID              string         `json:"user_id"`
	DisplayName         string         `json:"display_name"`
	OnboardingCompleted bool           `json:"onboarding_completed"`
	Attributes          map[string]any `json:"attributes,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}
