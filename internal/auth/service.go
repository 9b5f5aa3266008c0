// Package auth implements account registration and device sessions.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/ashureev/fitcoach/internal/ratelimit"
	"github.com/ashureev/fitcoach/internal/store"
	"github.com/google/uuid"
)

// SessionKey is the device storage key holding the persisted session.
const SessionKey = "auth.session"

const minPasswordLength = 8

// Repository is the persistence the auth service needs.
type Repository interface {
	store.UserRepository
	store.TokenRepository
	store.DeviceStorage
}

// Config controls token lifetimes and sign-in policy.
type Config struct {
	JWTSecret                string
	AccessTTL                time.Duration
	RefreshTTL               time.Duration
	BcryptCost               int
	RequireEmailConfirmation bool
}

// Service issues, refreshes and revokes device sessions. It owns the
// persisted session of each device; other components hold read-only copies
// kept current through the event bus.
type Service struct {
	repo    Repository
	signer  *Signer
	limiter ratelimit.Limiter
	bus     *Bus
	cfg     Config
	now     func() time.Time
}

// NewService creates an auth service. limiter may be nil to disable
// sign-in throttling.
func NewService(repo Repository, limiter ratelimit.Limiter, bus *Bus, cfg Config) *Service {
	if bus == nil {
		bus = NewBus()
	}
	return &Service{
		repo:    repo,
		signer:  NewSigner(cfg.JWTSecret, cfg.AccessTTL),
		limiter: limiter,
		bus:     bus,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Subscribe registers fn for auth state changes of every device.
func (s *Service) Subscribe(fn func(Event)) (unsubscribe func()) {
	return s.bus.Subscribe(fn)
}

// SignUpRequest carries registration input.
type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// SignUp registers a new account. The profile row is created by the
// database when the user row is inserted.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	if len(req.Password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := hashPassword(req.Password, s.cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	now := s.now()
	user := &domain.User{
		UserID:       uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !s.cfg.RequireEmailConfirmation {
		user.EmailConfirmedAt = &now
	}

	if err := s.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, ErrUserAlreadyExists
		}
		return nil, fmt.Errorf("sign up: %w", err)
	}

	slog.Info("User registered", "user_id", user.UserID, "confirmed", user.EmailConfirmed())
	return user, nil
}

// SignInRequest carries credentials and the device signing in.
type SignInRequest struct {
	Email    string
	Password string
	DeviceID string
}

// SignIn verifies credentials and starts a session on the device.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*domain.Session, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	if s.limiter != nil {
		res, err := s.limiter.Allow(ctx, "signin:"+email)
		if err != nil {
			slog.Warn("Sign-in limiter unavailable", "error", err)
		} else if !res.Allowed {
			return nil, ErrRateLimited
		}
	}

	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if user == nil || !verifyPassword(user.PasswordHash, req.Password) {
		return nil, ErrInvalidCredentials
	}
	if s.cfg.RequireEmailConfirmation && !user.EmailConfirmed() {
		return nil, ErrEmailNotConfirmed
	}

	session, err := s.issue(ctx, user.UserID, user.Email, req.DeviceID)
	if err != nil {
		return nil, err
	}

	s.bus.Publish(Event{Type: EventSignedIn, DeviceID: req.DeviceID, UserID: user.UserID, Session: session})
	slog.Info("User signed in", "user_id", user.UserID, "device_id", req.DeviceID)
	return session, nil
}

// Refresh exchanges a refresh token for a new session, rotating the token.
// Each token is redeemed at most once: of several concurrent calls with the
// same token, one succeeds and the rest get ErrInvalidRefreshToken. A
// refresh that fails on the device's current token destroys the device
// session.
func (s *Service) Refresh(ctx context.Context, deviceID, refreshToken string) (*domain.Session, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}
	hash := HashRefreshToken(refreshToken)
	token, err := s.repo.GetRefreshToken(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}

	now := s.now()
	if token == nil || !token.Usable(now) || token.DeviceID != deviceID {
		// A revoked token was already redeemed or signed out; whatever
		// session the device holds now is newer than it.
		if token == nil || token.RevokedAt == nil {
			s.dropIfCurrent(ctx, deviceID, refreshToken)
		}
		return nil, ErrInvalidRefreshToken
	}

	user, err := s.repo.GetUser(ctx, token.UserID)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidRefreshToken
	}

	claimed, err := s.repo.RevokeRefreshToken(ctx, hash, now)
	if err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	if !claimed {
		// Redeemed by a concurrent refresh; its session stays.
		return nil, ErrInvalidRefreshToken
	}

	session, err := s.issue(ctx, user.UserID, user.Email, deviceID)
	if err != nil {
		return nil, err
	}

	s.bus.Publish(Event{Type: EventTokenRefreshed, DeviceID: deviceID, UserID: user.UserID, Session: session})
	return session, nil
}

// CheckRefreshToken reports whether refreshToken can still be redeemed on
// deviceID without redeeming it. Returns ErrInvalidRefreshToken when not.
func (s *Service) CheckRefreshToken(ctx context.Context, deviceID, refreshToken string) error {
	if refreshToken == "" {
		return ErrInvalidRefreshToken
	}
	token, err := s.repo.GetRefreshToken(ctx, HashRefreshToken(refreshToken))
	if err != nil {
		return fmt.Errorf("check refresh token: %w", err)
	}
	if token == nil || !token.Usable(s.now()) || token.DeviceID != deviceID {
		return ErrInvalidRefreshToken
	}
	return nil
}

// dropIfCurrent destroys the device session when it still holds
// refreshToken. A stale token never removes a newer session.
func (s *Service) dropIfCurrent(ctx context.Context, deviceID, refreshToken string) {
	persisted, err := s.PersistedSession(ctx, deviceID)
	if err != nil || persisted == nil || persisted.RefreshToken != refreshToken {
		return
	}
	if err := s.dropDeviceSession(ctx, deviceID, refreshToken); err != nil {
		slog.Warn("Failed to drop device session after refresh failure", "device_id", deviceID, "error", err)
	}
}

// SignOut revokes refreshToken and removes the session of the device it was
// issued to. The token must belong to deviceID and be either redeemable or
// the one the device session holds.
func (s *Service) SignOut(ctx context.Context, deviceID, refreshToken string) error {
	if refreshToken == "" {
		return ErrInvalidRefreshToken
	}
	token, err := s.repo.GetRefreshToken(ctx, HashRefreshToken(refreshToken))
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	if token == nil || token.DeviceID != deviceID {
		return ErrInvalidRefreshToken
	}
	if !token.Usable(s.now()) {
		persisted, err := s.PersistedSession(ctx, deviceID)
		if err != nil {
			return fmt.Errorf("sign out: %w", err)
		}
		if persisted == nil || persisted.RefreshToken != refreshToken {
			return ErrInvalidRefreshToken
		}
	}
	return s.dropDeviceSession(ctx, deviceID, refreshToken)
}

// SignOutUser removes the device session of an authenticated user. It
// fails with ErrInvalidToken when the device session belongs to someone
// else and is a no-op when the device has none.
func (s *Service) SignOutUser(ctx context.Context, deviceID, userID string) error {
	persisted, err := s.PersistedSession(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	if persisted == nil {
		return nil
	}
	if userID == "" || persisted.UserID != userID {
		return ErrInvalidToken
	}
	return s.dropDeviceSession(ctx, deviceID, persisted.RefreshToken)
}

func (s *Service) dropDeviceSession(ctx context.Context, deviceID, refreshToken string) error {
	var userID string
	if refreshToken != "" {
		hash := HashRefreshToken(refreshToken)
		if token, err := s.repo.GetRefreshToken(ctx, hash); err == nil && token != nil {
			userID = token.UserID
		}
		if _, err := s.repo.RevokeRefreshToken(ctx, hash, s.now()); err != nil {
			return fmt.Errorf("revoke refresh token: %w", err)
		}
	}
	if err := s.repo.DeleteDeviceValues(ctx, deviceID, SessionKey); err != nil {
		return fmt.Errorf("delete device session: %w", err)
	}

	s.bus.Publish(Event{Type: EventSignedOut, DeviceID: deviceID, UserID: userID})
	return nil
}

// PersistedSession reads the session stored for a device.
func (s *Service) PersistedSession(ctx context.Context, deviceID string) (*domain.Session, error) {
	return LoadSession(ctx, store.Device(s.repo, deviceID))
}

// VerifyAccess validates an access token and returns its claims.
func (s *Service) VerifyAccess(token string) (*Claims, error) {
	return s.signer.Verify(token)
}

// ConfirmEmail marks a user's email as confirmed.
func (s *Service) ConfirmEmail(ctx context.Context, email string) error {
	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("confirm email: %w", err)
	}
	if user == nil {
		return store.ErrNotFound
	}
	return s.repo.ConfirmEmail(ctx, user.UserID, s.now())
}

func (s *Service) issue(ctx context.Context, userID, email, deviceID string) (*domain.Session, error) {
	now := s.now()

	access, exp, err := s.signer.Issue(userID, email, deviceID, now)
	if err != nil {
		return nil, err
	}
	raw, err := newRefreshToken()
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateRefreshToken(ctx, &domain.RefreshToken{
		TokenHash: HashRefreshToken(raw),
		UserID:    userID,
		DeviceID:  deviceID,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	session := &domain.Session{
		UserID:       userID,
		Email:        email,
		AccessToken:  access,
		RefreshToken: raw,
		ExpiresAt:    exp,
	}

	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if err := s.repo.SetDeviceValue(ctx, deviceID, SessionKey, string(data)); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	return session, nil
}

// LoadSession decodes the persisted session from device storage. Returns
// nil, nil when the device has none.
func LoadSession(ctx context.Context, kv store.KV) (*domain.Session, error) {
	raw, ok, err := kv.Get(ctx, SessionKey)
	if err != nil || !ok {
		return nil, err
	}
	var session domain.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("decode persisted session: %w", err)
	}
	return &session, nil
}
