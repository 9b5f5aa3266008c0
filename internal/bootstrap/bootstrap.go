// Package bootstrap runs the startup resolution of a device: it loads the
// session and the stay-logged-in preference, fetches the profile and picks
// the navigator.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/ashureev/fitcoach/internal/preference"
	"github.com/ashureev/fitcoach/internal/profile"
	"github.com/ashureev/fitcoach/internal/resolver"
	"github.com/ashureev/fitcoach/internal/session"
	"github.com/ashureev/fitcoach/internal/store"
	"golang.org/x/sync/errgroup"
)

// ProfileFetcher loads a user profile.
type ProfileFetcher interface {
	Fetch(ctx context.Context, userID string) profile.Result
}

// Result is the outcome of one resolution.
type Result struct {
	resolver.Decision
	UserID       string `json:"user_id,omitempty"`
	StayLoggedIn bool   `json:"stay_logged_in"`
	// RefreshDue asks the client to redeem its refresh token soon.
	RefreshDue bool                   `json:"refresh_due"`
	Profile    *domain.Profile        `json:"profile,omitempty"`
	Steps      []resolver.Destination `json:"steps"`
}

// Bootstrapper wires the stores of a device to the resolver.
type Bootstrapper struct {
	authn         session.Authenticator
	storage       store.DeviceStorage
	profiles      ProfileFetcher
	refreshWindow time.Duration
}

// New creates a bootstrapper.
func New(authn session.Authenticator, storage store.DeviceStorage, profiles ProfileFetcher, refreshWindow time.Duration) *Bootstrapper {
	return &Bootstrapper{
		authn:         authn,
		storage:       storage,
		profiles:      profiles,
		refreshWindow: refreshWindow,
	}
}

// Resolve runs a full resolution for deviceID. Every intermediate
// destination is recorded in Result.Steps.
func (b *Bootstrapper) Resolve(ctx context.Context, deviceID string) (*Result, error) {
	kv := store.Device(b.storage, deviceID)
	sess := session.New(deviceID, kv, b.authn, b.refreshWindow)
	defer sess.Close()
	pref := preference.New(kv)

	res := &Result{}
	in := resolver.Input{
		SessionLoading:    sess.Loading(),
		PreferenceLoading: pref.Loading(),
	}
	b.step(res, in)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.Init(gctx) })
	g.Go(func() error { return pref.Init(gctx) })
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load device state: %w", err)
	}

	in = resolver.Input{
		Session:      sess.Session(),
		StayLoggedIn: pref.StayLoggedIn(),
		// the profile fetch starts as soon as a session is known
		ProfileLoading: true,
	}
	decision := b.step(res, in)

	if decision.ClearStalePreference {
		if err := pref.Clear(ctx); err != nil {
			slog.Warn("Failed to clear stale stay-logged-in preference", "device_id", deviceID, "error", err)
		} else {
			slog.Info("Cleared stale stay-logged-in preference", "device_id", deviceID)
		}
	}

	if decision.Destination == resolver.LoadingProfile {
		fetched := b.profiles.Fetch(ctx, in.Session.UserID)
		in.ProfileLoading = false
		in.Profile = fetched.Profile
		in.ProfileErr = fetched.Err
		decision = b.step(res, in)
		res.Profile = fetched.Profile

		if decision.Anomaly == resolver.AnomalyProfileMissing {
			slog.Warn("Profile row missing for signed-in user", "user_id", in.Session.UserID)
		}
		if fetched.Err != nil {
			slog.Error("Profile fetch failed", "user_id", in.Session.UserID, "error", fetched.Err)
		}
	}

	res.Decision = decision
	res.StayLoggedIn = pref.StayLoggedIn()
	if in.Session != nil {
		res.UserID = in.Session.UserID
		res.RefreshDue = sess.RefreshDue()
	}
	return res, nil
}

func (b *Bootstrapper) step(res *Result, in resolver.Input) resolver.Decision {
	d := resolver.Resolve(in)
	res.Steps = append(res.Steps, d.Destination)
	return d
}
