// Package session caches the authenticated session of one device.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/fitcoach/internal/auth"
	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/ashureev/fitcoach/internal/store"
)

// Authenticator is the part of the auth service the store depends on.
type Authenticator interface {
	Subscribe(fn func(auth.Event)) (unsubscribe func())
	CheckRefreshToken(ctx context.Context, deviceID, refreshToken string) error
}

// Store holds a read-only copy of the device session. It starts in the
// loading state and is kept current by auth events until Close.
type Store struct {
	deviceID string
	kv       store.KV
	authn    Authenticator
	window   time.Duration
	now      func() time.Time

	mu         sync.RWMutex
	session    *domain.Session
	loading    bool
	refreshDue bool

	unsubscribe func()
}

// New creates a store for deviceID and subscribes it to auth events.
// window is how close to expiry a persisted session is reported as due for
// refresh.
func New(deviceID string, kv store.KV, authn Authenticator, window time.Duration) *Store {
	s := &Store{
		deviceID: deviceID,
		kv:       kv,
		authn:    authn,
		window:   window,
		now:      time.Now,
		loading:  true,
	}
	s.unsubscribe = authn.Subscribe(s.apply)
	return s
}

// Init loads the persisted session and checks that its refresh token can
// still be redeemed. A session whose token cannot is treated as absent. Init
// never rotates the token: the client holding it refreshes, and RefreshDue
// tells it when.
func (s *Store) Init(ctx context.Context) error {
	persisted, err := auth.LoadSession(ctx, s.kv)
	if err != nil {
		s.set(nil, false)
		return err
	}

	if persisted != nil {
		err := s.authn.CheckRefreshToken(ctx, s.deviceID, persisted.RefreshToken)
		switch {
		case errors.Is(err, auth.ErrInvalidRefreshToken):
			slog.Info("Persisted session can no longer be refreshed", "device_id", s.deviceID)
			persisted = nil
		case err != nil:
			s.set(nil, false)
			return err
		}
	}

	s.set(persisted, persisted != nil && persisted.NeedsRefresh(s.now(), s.window))
	return nil
}

func (s *Store) set(session *domain.Session, refreshDue bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.refreshDue = refreshDue
	s.loading = false
}

func (s *Store) apply(ev auth.Event) {
	if ev.DeviceID != s.deviceID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case auth.EventSignedIn, auth.EventTokenRefreshed:
		s.session = ev.Session
		s.refreshDue = false
	case auth.EventSignedOut:
		s.session = nil
		s.refreshDue = false
	}
}

// Session returns a copy of the current session, or nil.
func (s *Store) Session() *domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil
	}
	cp := *s.session
	return &cp
}

// UserID returns the signed-in user, or "".
func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return ""
	}
	return s.session.UserID
}

// RefreshDue reports whether the loaded session expires within the refresh
// window.
func (s *Store) RefreshDue() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshDue
}

// Loading reports whether Init has not completed yet.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Close releases the auth event subscription.
func (s *Store) Close() {
	s.unsubscribe()
}
