// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/fitcoach/internal/domain"
)

var (
	// ErrNotFound is returned when an update targets a missing row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateEmail is returned when registering an email twice.
	ErrDuplicateEmail = errors.New("email already registered")
)

// UserRepository persists accounts.
type UserRepository interface {
	// CreateUser inserts a new user. The profile row is created by the
	// database in the same statement.
	CreateUser(ctx context.Context, user *domain.User) error

	// GetUser retrieves a user by ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// GetUserByEmail retrieves a user by email, case-insensitively.
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	// ConfirmEmail marks the user's email as confirmed.
	ConfirmEmail(ctx context.Context, userID string, at time.Time) error
}

// TokenRepository persists hashed refresh tokens.
type TokenRepository interface {
	CreateRefreshToken(ctx context.Context, token *domain.RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*domain.RefreshToken, error)

	// RevokeRefreshToken marks a token revoked and reports whether this call
	// did it. Only one of several concurrent callers sees true.
	RevokeRefreshToken(ctx context.Context, tokenHash string, at time.Time) (bool, error)

	// DeleteStaleRefreshTokens removes tokens that expired or were revoked
	// before the given time.
	DeleteStaleRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

// ProfileRepository reads and mutates user profiles.
type ProfileRepository interface {
	// GetProfile returns nil, nil when no profile row exists.
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
	UpdateProfileAttributes(ctx context.Context, userID, displayName string, attrs map[string]any) error
	SetOnboardingCompleted(ctx context.Context, userID string, completed bool) error
}

// DeviceStorage is a key/value namespace per client device.
type DeviceStorage interface {
	GetDeviceValue(ctx context.Context, deviceID, key string) (string, bool, error)
	SetDeviceValue(ctx context.Context, deviceID, key, value string) error
	DeleteDeviceValues(ctx context.Context, deviceID string, keys ...string) error
}

// Repository is the full persistence surface of the service.
type Repository interface {
	UserRepository
	TokenRepository
	ProfileRepository
	DeviceStorage

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// KV is device storage bound to a single device.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

type deviceKV struct {
	storage  DeviceStorage
	deviceID string
}

// Device scopes storage to deviceID.
func Device(storage DeviceStorage, deviceID string) KV {
	return &deviceKV{storage: storage, deviceID: deviceID}
}

func (d *deviceKV) Get(ctx context.Context, key string) (string, bool, error) {
	return d.storage.GetDeviceValue(ctx, d.deviceID, key)
}

func (d *deviceKV) Set(ctx context.Context, key, value string) error {
	return d.storage.SetDeviceValue(ctx, d.deviceID, key, value)
}

func (d *deviceKV) Delete(ctx context.Context, keys ...string) error {
	return d.storage.DeleteDeviceValues(ctx, d.deviceID, keys...)
}
