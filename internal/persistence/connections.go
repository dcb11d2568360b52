package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Connection is a stored connection profile. The id is immutable once
// created; everything else changes via UpdateConnection.
type Connection struct {
	ID                  int64     `json:"id"`
	Name                string    `json:"name"`
	URL                 string    `json:"url"`
	Namespace           string    `json:"namespace"`
	AuthToken           string    `json:"auth_token,omitempty"`
	Options             string    `json:"options"` // free-form JSON document
	AutoSendOnConnect   bool      `json:"auto_send_on_connect"`
	AutoSendOnReconnect bool      `json:"auto_send_on_reconnect"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// CreateConnectionInput carries the caller-supplied profile fields.
// Namespace defaults to "/" and options to "{}".
type CreateConnectionInput struct {
	Name      string
	URL       string
	Namespace string
	AuthToken string
	Options   string
}

func (in *CreateConnectionInput) normalize() {
	if in.Namespace == "" {
		in.Namespace = "/"
	}
	if in.Options == "" {
		in.Options = "{}"
	}
}

func (s *Store) CreateConnection(ctx context.Context, in CreateConnectionInput) (int64, error) {
	in.normalize()
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO connections (name, url, namespace, auth_token, options)
			VALUES (?, ?, ?, NULLIF(?, ''), ?);
		`, in.Name, in.URL, in.Namespace, in.AuthToken, in.Options)
		if err != nil {
			return fmt.Errorf("insert connection: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) UpdateConnection(ctx context.Context, id int64, in CreateConnectionInput) error {
	in.normalize()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE connections
			SET name = ?, url = ?, namespace = ?, auth_token = NULLIF(?, ''), options = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, in.Name, in.URL, in.Namespace, in.AuthToken, in.Options, id)
		if err != nil {
			return fmt.Errorf("update connection: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteConnection(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete connection: %w", err)
		}
		return nil
	})
}

// GetConnection returns the profile for id, or nil if it does not exist.
func (s *Store) GetConnection(ctx context.Context, id int64) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, namespace, COALESCE(auth_token, ''), options,
			auto_send_on_connect, auto_send_on_reconnect, created_at, updated_at
		FROM connections
		WHERE id = ?;
	`, id)

	var c Connection
	if err := scanConnection(row.Scan, &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select connection: %w", err)
	}
	return &c, nil
}

// ListConnections returns all profiles, most recently updated first.
func (s *Store) ListConnections(ctx context.Context) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, url, namespace, COALESCE(auth_token, ''), options,
			auto_send_on_connect, auto_send_on_reconnect, created_at, updated_at
		FROM connections
		ORDER BY updated_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		var c Connection
		if err := scanConnection(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("connection rows: %w", err)
	}
	return out, nil
}

// SetConnectionAutoSend flips the per-profile auto-send flags.
func (s *Store) SetConnectionAutoSend(ctx context.Context, id int64, onConnect, onReconnect bool) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE connections
			SET auto_send_on_connect = ?, auto_send_on_reconnect = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, boolToInt(onConnect), boolToInt(onReconnect), id)
		if err != nil {
			return fmt.Errorf("set auto send flags: %w", err)
		}
		return nil
	})
}

func scanConnection(scanFn func(dest ...any) error, c *Connection) error {
	var onConnect, onReconnect int
	if err := scanFn(
		&c.ID,
		&c.Name,
		&c.URL,
		&c.Namespace,
		&c.AuthToken,
		&c.Options,
		&onConnect,
		&onReconnect,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return err
	}
	c.AutoSendOnConnect = onConnect != 0
	c.AutoSendOnReconnect = onReconnect != 0
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
