// Package resolver decides which navigator a device lands on.
package resolver

import (
	"fmt"

	"github.com/ashureev/fitcoach/internal/domain"
)

// Destination is the navigator selected for a device.
type Destination int

const (
	Loading Destination = iota
	LoadingProfile
	Auth
	Onboarding
	Main
	ProfileError
)

var destinationNames = [...]string{
	Loading:        "loading",
	LoadingProfile: "loading_profile",
	Auth:           "auth",
	Onboarding:     "onboarding",
	Main:           "main",
	ProfileError:   "profile_error",
}

func (d Destination) String() string {
	if d < 0 || int(d) >= len(destinationNames) {
		return fmt.Sprintf("destination(%d)", int(d))
	}
	return destinationNames[d]
}

// Terminal reports whether the destination is final for this resolution.
func (d Destination) Terminal() bool {
	return d != Loading && d != LoadingProfile
}

// MarshalText implements encoding.TextMarshaler.
func (d Destination) MarshalText() ([]byte, error) {
	if d < 0 || int(d) >= len(destinationNames) {
		return nil, fmt.Errorf("unknown destination %d", int(d))
	}
	return []byte(destinationNames[d]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Destination) UnmarshalText(text []byte) error {
	for i, name := range destinationNames {
		if name == string(text) {
			*d = Destination(i)
			return nil
		}
	}
	return fmt.Errorf("unknown destination %q", text)
}

// Anomaly flags an inconsistent input the decision papered over.
type Anomaly string

// AnomalyProfileMissing is set when the fetch succeeded but returned no
// profile row, which means the signup trigger did not run.
const AnomalyProfileMissing Anomaly = "profile_missing"

// Input is everything the resolver observes.
type Input struct {
	SessionLoading    bool
	PreferenceLoading bool
	Session           *domain.Session
	StayLoggedIn      bool
	ProfileLoading    bool
	ProfileErr        error
	Profile           *domain.Profile
}

// Decision is the outcome of Resolve.
type Decision struct {
	Destination Destination `json:"destination"`
	// ClearStalePreference asks the caller to delete the stay-logged-in
	// flag because no session backs it.
	ClearStalePreference bool    `json:"clear_stale_preference,omitempty"`
	Anomaly              Anomaly `json:"anomaly,omitempty"`
	Error                string  `json:"error,omitempty"`
}

// Resolve maps in to a destination. The first matching rule wins.
func Resolve(in Input) Decision {
	switch {
	case in.SessionLoading || in.PreferenceLoading:
		return Decision{Destination: Loading}
	case in.Session == nil || !in.StayLoggedIn:
		return Decision{
			Destination:          Auth,
			ClearStalePreference: in.Session == nil && in.StayLoggedIn,
		}
	case in.ProfileLoading:
		return Decision{Destination: LoadingProfile}
	case in.ProfileErr != nil:
		return Decision{Destination: ProfileError, Error: in.ProfileErr.Error()}
	case in.Profile != nil && in.Profile.OnboardingCompleted:
		return Decision{Destination: Main}
	case in.Profile == nil:
		return Decision{Destination: Onboarding, Anomaly: AnomalyProfileMissing}
	default:
		return Decision{Destination: Onboarding}
	}
}
