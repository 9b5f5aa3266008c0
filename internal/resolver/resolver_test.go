package resolver

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSession  = &domain.Session{UserID: "u1", AccessToken: "a"}
	doneProfile  = &domain.Profile{UserID: "u1", OnboardingCompleted: true}
	freshProfile = &domain.Profile{UserID: "u1"}
)

// every combination of the boolean inputs with a few session/profile shapes
func allInputs() []Input {
	var out []Input
	sessions := []*domain.Session{nil, testSession}
	profiles := []*domain.Profile{nil, freshProfile, doneProfile}
	errs := []error{nil, errors.New("boom")}
	for mask := 0; mask < 16; mask++ {
		for _, s := range sessions {
			for _, p := range profiles {
				for _, e := range errs {
					out = append(out, Input{
						SessionLoading:    mask&1 != 0,
						PreferenceLoading: mask&2 != 0,
						StayLoggedIn:      mask&4 != 0,
						ProfileLoading:    mask&8 != 0,
						Session:           s,
						Profile:           p,
						ProfileErr:        e,
					})
				}
			}
		}
	}
	return out
}

func TestLoadingWinsOverEverything(t *testing.T) {
	for _, in := range allInputs() {
		if !in.SessionLoading && !in.PreferenceLoading {
			continue
		}
		d := Resolve(in)
		assert.Equal(t, Loading, d.Destination)
		assert.False(t, d.ClearStalePreference)
	}
}

func TestNoSessionRoutesToAuth(t *testing.T) {
	for _, in := range allInputs() {
		if in.SessionLoading || in.PreferenceLoading || in.Session != nil {
			continue
		}
		d := Resolve(in)
		assert.Equal(t, Auth, d.Destination)
		assert.Equal(t, in.StayLoggedIn, d.ClearStalePreference)
	}
}

func TestOptOutRoutesToAuthWithoutCleanup(t *testing.T) {
	d := Resolve(Input{Session: testSession, StayLoggedIn: false, Profile: doneProfile})
	assert.Equal(t, Auth, d.Destination)
	assert.False(t, d.ClearStalePreference)
}

func TestMainOnlyWithSessionPreferenceAndCompletedProfile(t *testing.T) {
	for _, in := range allInputs() {
		d := Resolve(in)
		if d.Destination != Main {
			continue
		}
		assert.NotNil(t, in.Session)
		assert.True(t, in.StayLoggedIn)
		require.NotNil(t, in.Profile)
		assert.True(t, in.Profile.OnboardingCompleted)
	}
}

func TestResolveTable(t *testing.T) {
	tests := []struct {
		name    string
		in      Input
		want    Destination
		anomaly Anomaly
	}{
		{"profile loading", Input{Session: testSession, StayLoggedIn: true, ProfileLoading: true}, LoadingProfile, ""},
		{"profile error", Input{Session: testSession, StayLoggedIn: true, ProfileErr: errors.New("x"), Profile: doneProfile}, ProfileError, ""},
		{"completed", Input{Session: testSession, StayLoggedIn: true, Profile: doneProfile}, Main, ""},
		{"incomplete", Input{Session: testSession, StayLoggedIn: true, Profile: freshProfile}, Onboarding, ""},
		{"missing profile", Input{Session: testSession, StayLoggedIn: true}, Onboarding, AnomalyProfileMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Resolve(tt.in)
			assert.Equal(t, tt.want, d.Destination)
			assert.Equal(t, tt.anomaly, d.Anomaly)
		})
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	for _, in := range allInputs() {
		assert.Equal(t, Resolve(in), Resolve(in))
	}
}

func TestProfileErrorCarriesMessage(t *testing.T) {
	d := Resolve(Input{Session: testSession, StayLoggedIn: true, ProfileErr: errors.New("database is locked")})
	assert.Equal(t, "database is locked", d.Error)
	assert.True(t, d.Destination.Terminal())
}

func TestDestinationJSON(t *testing.T) {
	data, err := json.Marshal(Decision{Destination: LoadingProfile})
	require.NoError(t, err)
	assert.JSONEq(t, `{"destination":"loading_profile"}`, string(data))

	var d Decision
	require.NoError(t, json.Unmarshal([]byte(`{"destination":"main"}`), &d))
	assert.Equal(t, Main, d.Destination)

	assert.Error(t, json.Unmarshal([]byte(`{"destination":"nowhere"}`), &d))
	assert.Equal(t, "destination(42)", Destination(42).String())
}
