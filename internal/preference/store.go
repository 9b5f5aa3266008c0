// Package preference persists the device's stay-logged-in choice.
package preference

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ashureev/fitcoach/internal/store"
)

// Key is the device storage key of the preference. It is scoped to the
// device, not to a user.
const Key = "stay_logged_in"

// Store reads and writes the stay-logged-in flag.
type Store struct {
	kv store.KV

	mu      sync.RWMutex
	value   bool
	loading bool
}

// New creates a store in the loading state.
func New(kv store.KV) *Store {
	return &Store{kv: kv, loading: true}
}

// Init reads the persisted value. Missing or unreadable values count as
// false.
func (s *Store) Init(ctx context.Context) error {
	raw, ok, err := s.kv.Get(ctx, Key)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if err != nil {
		s.value = false
		return fmt.Errorf("read %s: %w", Key, err)
	}
	s.value = false
	if ok {
		s.value, _ = strconv.ParseBool(raw)
	}
	return nil
}

// StayLoggedIn returns the current value.
func (s *Store) StayLoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Loading reports whether Init has not completed yet.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Set overwrites the preference. Called on every login attempt.
func (s *Store) Set(ctx context.Context, stay bool) error {
	if err := s.kv.Set(ctx, Key, strconv.FormatBool(stay)); err != nil {
		return fmt.Errorf("write %s: %w", Key, err)
	}
	s.mu.Lock()
	s.value = stay
	s.loading = false
	s.mu.Unlock()
	return nil
}

// Clear deletes the preference.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, Key); err != nil {
		return fmt.Errorf("delete %s: %w", Key, err)
	}
	s.mu.Lock()
	s.value = false
	s.mu.Unlock()
	return nil
}
