package profile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/ashureev/fitcoach/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcher(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "profile.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, repo.CreateUser(ctx, &domain.User{
		UserID: "u1", Email: "a@example.com", PasswordHash: "h", CreatedAt: now, UpdatedAt: now,
	}))

	f := NewFetcher(repo, time.Second)

	res := f.Fetch(ctx, "")
	assert.ErrorIs(t, res.Err, ErrEmptyUserID)

	res = f.Fetch(ctx, "missing")
	require.NoError(t, res.Err)
	assert.Nil(t, res.Profile)

	res = f.Fetch(ctx, "u1")
	require.NoError(t, res.Err)
	require.NotNil(t, res.Profile)
	assert.False(t, res.Profile.OnboardingCompleted)

	require.NoError(t, f.UpdateAttributes(ctx, "u1", "Sam", map[string]any{"primary_goal": "strength"}))
	require.NoError(t, f.MarkOnboardingCompleted(ctx, "u1"))

	res = f.Fetch(ctx, "u1")
	require.NoError(t, res.Err)
	assert.True(t, res.Profile.OnboardingCompleted)
	assert.Equal(t, "Sam", res.Profile.DisplayName)
	assert.Equal(t, "strength", res.Profile.Attributes["primary_goal"])

	assert.ErrorIs(t, f.MarkOnboardingCompleted(ctx, "missing"), store.ErrNotFound)
}
