package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/fitcoach/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// modernc.org/sqlite applies pragmas per connection from _pragma params.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

var schema = []string{
	`PRAGMA busy_timeout = 5000`,
	`CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE COLLATE NOCASE,
		password_hash TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		email_confirmed_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		onboarding_completed INTEGER NOT NULL DEFAULT 0,
		attributes_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TRIGGER IF NOT EXISTS trg_users_create_profile
	AFTER INSERT ON users
	BEGIN
		INSERT OR IGNORE INTO profiles (user_id, display_name, onboarding_completed, created_at, updated_at)
		VALUES (NEW.user_id, NEW.display_name, 0, NEW.created_at, NEW.created_at);
	END`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		token_hash TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL,
		revoked_at INTEGER,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON refresh_tokens(expires_at)`,
	`CREATE TABLE IF NOT EXISTS device_storage (
		device_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, key)
	)`,
}

func (s *SQLiteStore) initSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateUser inserts a user; the profile trigger fires in the same statement.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, email, password_hash, display_name, email_confirmed_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	var confirmedAt interface{}
	if user.EmailConfirmedAt != nil {
		confirmedAt = user.EmailConfirmedAt.Unix()
	}

	err := withRetry(ctx, "create user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, strings.ToLower(user.Email), user.PasswordHash, user.DisplayName,
			confirmedAt, user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		return err
	})
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

const userColumns = `user_id, email, password_hash, display_name, email_confirmed_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var user domain.User
	var confirmedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&user.UserID, &user.Email, &user.PasswordHash, &user.DisplayName,
		&confirmedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	if confirmedAt.Valid {
		ts := time.Unix(confirmedAt.Int64, 0)
		user.EmailConfirmedAt = &ts
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(email))
	return scanUser(row)
}

// ConfirmEmail sets email_confirmed_at for a user.
func (s *SQLiteStore) ConfirmEmail(ctx context.Context, userID string, at time.Time) error {
	var rows int64
	err := withRetry(ctx, "confirm email", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE users SET email_confirmed_at = ?, updated_at = ? WHERE user_id = ?`,
			at.Unix(), time.Now().Unix(), userID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("confirm email: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRefreshToken stores a hashed refresh token.
func (s *SQLiteStore) CreateRefreshToken(ctx context.Context, token *domain.RefreshToken) error {
	query := `
	INSERT INTO refresh_tokens (token_hash, user_id, device_id, expires_at, created_at)
	VALUES (?, ?, ?, ?, ?)`

	err := withRetry(ctx, "create refresh token", func() error {
		_, err := s.db.ExecContext(ctx, query,
			token.TokenHash, token.UserID, token.DeviceID,
			token.ExpiresAt.Unix(), token.CreatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken looks up a token by hash. Returns nil, nil when absent.
func (s *SQLiteStore) GetRefreshToken(ctx context.Context, tokenHash string) (*domain.RefreshToken, error) {
	query := `
		SELECT token_hash, user_id, device_id, expires_at, revoked_at, created_at
		FROM refresh_tokens WHERE token_hash = ?`

	var token domain.RefreshToken
	var revokedAt sql.NullInt64
	var expiresAt, createdAt int64

	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&token.TokenHash, &token.UserID, &token.DeviceID,
		&expiresAt, &revokedAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan refresh token: %w", err)
	}

	token.ExpiresAt = time.Unix(expiresAt, 0)
	token.CreatedAt = time.Unix(createdAt, 0)
	if revokedAt.Valid {
		ts := time.Unix(revokedAt.Int64, 0)
		token.RevokedAt = &ts
	}
	return &token, nil
}

// RevokeRefreshToken marks a token as revoked. Revoking twice is a no-op
// that reports false.
func (s *SQLiteStore) RevokeRefreshToken(ctx context.Context, tokenHash string, at time.Time) (bool, error) {
	var affected int64
	err := withRetry(ctx, "revoke refresh token", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE refresh_tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`,
			at.Unix(), tokenHash)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	return affected == 1, nil
}

// DeleteStaleRefreshTokens removes expired and revoked tokens.
func (s *SQLiteStore) DeleteStaleRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := withRetry(ctx, "delete stale refresh tokens", func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM refresh_tokens WHERE expires_at < ? OR (revoked_at IS NOT NULL AND revoked_at < ?)`,
			before.Unix(), before.Unix())
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}
	return deleted, nil
}

// GetProfile retrieves the profile for a user.
func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	query := `
		SELECT user_id, display_name, onboarding_completed, attributes_json, created_at, updated_at
		FROM profiles WHERE user_id = ?`

	var profile domain.Profile
	var attrsJSON sql.NullString
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&profile.UserID, &profile.DisplayName, &profile.OnboardingCompleted,
		&attrsJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}

	if attrsJSON.Valid && attrsJSON.String != "" {
		if err := json.Unmarshal([]byte(attrsJSON.String), &profile.Attributes); err != nil {
			return nil, fmt.Errorf("decode profile attributes: %w", err)
		}
	}
	profile.CreatedAt = time.Unix(createdAt, 0)
	profile.UpdatedAt = time.Unix(updatedAt, 0)
	return &profile, nil
}

// UpdateProfileAttributes replaces the attribute set of a profile.
func (s *SQLiteStore) UpdateProfileAttributes(ctx context.Context, userID, displayName string, attrs map[string]any) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode profile attributes: %w", err)
	}

	query := `
	UPDATE profiles SET
		display_name = CASE WHEN ? = '' THEN display_name ELSE ? END,
		attributes_json = ?,
		updated_at = ?
	WHERE user_id = ?`

	var rows int64
	err = withRetry(ctx, "update profile attributes", func() error {
		result, err := s.db.ExecContext(ctx, query,
			displayName, displayName, string(data), time.Now().Unix(), userID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update profile attributes: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateProfileAttributes affected 0 rows", "user_id", userID)
		return ErrNotFound
	}
	return nil
}

// SetOnboardingCompleted flips the onboarding flag.
func (s *SQLiteStore) SetOnboardingCompleted(ctx context.Context, userID string, completed bool) error {
	var rows int64
	err := withRetry(ctx, "set onboarding completed", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE profiles SET onboarding_completed = ?, updated_at = ? WHERE user_id = ?`,
			completed, time.Now().Unix(), userID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("set onboarding completed: %w", err)
	}
	if rows == 0 {
		slog.Warn("SetOnboardingCompleted affected 0 rows", "user_id", userID)
		return ErrNotFound
	}
	return nil
}

// GetDeviceValue reads a device-scoped key.
func (s *SQLiteStore) GetDeviceValue(ctx context.Context, deviceID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM device_storage WHERE device_id = ? AND key = ?`, deviceID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get device value %q: %w", key, err)
	}
	return value, true, nil
}

// SetDeviceValue writes a device-scoped key.
func (s *SQLiteStore) SetDeviceValue(ctx context.Context, deviceID, key, value string) error {
	query := `
	INSERT INTO device_storage (device_id, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(device_id, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	err := withRetry(ctx, "set device value", func() error {
		_, err := s.db.ExecContext(ctx, query, deviceID, key, value, time.Now().Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("set device value %q: %w", key, err)
	}
	return nil
}

// DeleteDeviceValues removes keys for a device. Missing keys are ignored.
func (s *SQLiteStore) DeleteDeviceValues(ctx context.Context, deviceID string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, deviceID)
	for _, k := range keys {
		args = append(args, k)
	}

	err := withRetry(ctx, "delete device values", func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM device_storage WHERE device_id = ? AND key IN (`+placeholders+`)`, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete device values: %w", err)
	}
	return nil
}

// ListDeviceKeys returns the keys stored for a device with the given prefix.
func (s *SQLiteStore) ListDeviceKeys(ctx context.Context, deviceID, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM device_storage WHERE device_id = ? AND substr(key, 1, ?) = ? ORDER BY key`,
		deviceID, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list device keys: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close device key rows", "error", closeErr)
		}
	}()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan device key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device keys: %w", err)
	}
	return keys, nil
}

var _ Repository = (*SQLiteStore)(nil)
