// Package settings persists the app-level key/value configuration document.
package settings

import (
	"context"
	"database/sql"
	"fmt"
)

// Recognized settings keys.
const (
	// KeyWorkspaceDir is the directory attachments are saved under.
	KeyWorkspaceDir = "workspaceDir"
	// KeyDebugMode toggles verbose logging and tool-use event forwarding.
	KeyDebugMode = "debugMode"
	// KeyAPIKey is the stored static API key.
	KeyAPIKey = "apiKey"
	// KeyBaseURL is the stored API base URL override.
	KeyBaseURL = "anthropicBaseUrl"
	// KeyOAuthTokens is the sealed OAuth token pair record.
	KeyOAuthTokens = "oauthTokens"
	// KeyModelPreference is the selected model tier.
	KeyModelPreference = "modelPreference"
)

// Store is a durable key/value settings store backed by sqlite.
type Store struct {
	db *sql.DB
}

// NewStore creates a settings store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the stored value for key and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// Delete removes key from the store. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete setting %q: %w", key, err)
	}
	return nil
}

// GetBool returns the stored boolean for key, defaulting to false.
func (s *Store) GetBool(ctx context.Context, key string) (bool, error) {
	value, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return ok && (value == "true" || value == "1"), nil
}

// SetBool stores a boolean under key.
func (s *Store) SetBool(ctx context.Context, key string, value bool) error {
	str := "false"
	if value {
		str = "true"
	}
	return s.Set(ctx, key, str)
}
