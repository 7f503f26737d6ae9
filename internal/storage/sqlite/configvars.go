package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetConfigVar reads one dynamic configuration value. ok is false when the
// key has never been set.
func (s *SQLiteStorage) GetConfigVar(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config_vars WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read config var %q: %w", key, err)
	}
	return value, true, nil
}

// SetConfigVar writes one dynamic configuration value, creating the key if
// needed.
func (s *SQLiteStorage) SetConfigVar(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_vars (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to write config var %q: %w", key, err)
	}
	return nil
}
