package preference

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ashureev/fitcoach/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "pref.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestPreferenceLifecycle(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	s := New(store.Device(repo, "d1"))
	assert.True(t, s.Loading())
	require.NoError(t, s.Init(ctx))
	assert.False(t, s.Loading())
	assert.False(t, s.StayLoggedIn())

	require.NoError(t, s.Set(ctx, true))
	reloaded := New(store.Device(repo, "d1"))
	require.NoError(t, reloaded.Init(ctx))
	assert.True(t, reloaded.StayLoggedIn())

	other := New(store.Device(repo, "d2"))
	require.NoError(t, other.Init(ctx))
	assert.False(t, other.StayLoggedIn(), "preference is scoped to the device")

	require.NoError(t, reloaded.Set(ctx, false))
	require.NoError(t, s.Init(ctx))
	assert.False(t, s.StayLoggedIn())

	require.NoError(t, s.Set(ctx, true))
	require.NoError(t, s.Clear(ctx))
	assert.False(t, s.StayLoggedIn())
	_, ok, err := repo.GetDeviceValue(ctx, "d1", Key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGarbageValueReadsFalse(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.SetDeviceValue(ctx, "d1", Key, "yes please"))

	s := New(store.Device(repo, "d1"))
	require.NoError(t, s.Init(ctx))
	assert.False(t, s.StayLoggedIn())
}
