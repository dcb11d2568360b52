package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetAppState upserts a key/value pair in the app_state table.
func (s *Store) SetAppState(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO app_state (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value;
		`, key, value)
		if err != nil {
			return fmt.Errorf("set app state %q: %w", key, err)
		}
		return nil
	})
}

// GetAppState returns the stored value for key, or "" when unset.
func (s *Store) GetAppState(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get app state %q: %w", key, err)
	}
	return value.String, nil
}

// DeleteAppState removes a key. Missing keys are a no-op.
func (s *Store) DeleteAppState(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM app_state WHERE key = ?;`, key)
		if err != nil {
			return fmt.Errorf("delete app state %q: %w", key, err)
		}
		return nil
	})
}
