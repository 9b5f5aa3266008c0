// Package profile reads and updates the server-side user profile.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/ashureev/fitcoach/internal/store"
)

// ErrEmptyUserID is returned when fetching without a signed-in user.
var ErrEmptyUserID = errors.New("user id is required")

// Result is the outcome of a fetch. Profile may be nil with a nil Err when
// no row exists for the user.
type Result struct {
	Profile *domain.Profile
	Err     error
}

// Fetcher wraps profile persistence with a per-call timeout.
type Fetcher struct {
	repo    store.ProfileRepository
	timeout time.Duration
}

// NewFetcher creates a fetcher. A zero timeout disables the deadline.
func NewFetcher(repo store.ProfileRepository, timeout time.Duration) *Fetcher {
	return &Fetcher{repo: repo, timeout: timeout}
}

func (f *Fetcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.timeout)
}

// Fetch loads the profile of userID.
func (f *Fetcher) Fetch(ctx context.Context, userID string) Result {
	if userID == "" {
		return Result{Err: ErrEmptyUserID}
	}
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	p, err := f.repo.GetProfile(ctx, userID)
	if err != nil {
		return Result{Err: fmt.Errorf("fetch profile: %w", err)}
	}
	return Result{Profile: p}
}

// MarkOnboardingCompleted flags the profile so the next resolution lands on
// the main app.
func (f *Fetcher) MarkOnboardingCompleted(ctx context.Context, userID string) error {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	if err := f.repo.SetOnboardingCompleted(ctx, userID, true); err != nil {
		return fmt.Errorf("mark onboarding completed: %w", err)
	}
	return nil
}

// UpdateAttributes replaces the profile attributes and display name.
func (f *Fetcher) UpdateAttributes(ctx context.Context, userID, displayName string, attrs map[string]any) error {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	if err := f.repo.UpdateProfileAttributes(ctx, userID, displayName, attrs); err != nil {
		return fmt.Errorf("update profile attributes: %w", err)
	}
	return nil
}
