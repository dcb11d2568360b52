package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PinnedMessage is a saved emit template for a connection. sort_order is
// dense per connection; AutoSend marks the template for the auto-send batch
// run at connect time.
type PinnedMessage struct {
	ID           int64     `json:"id"`
	ConnectionID int64     `json:"connection_id"`
	EventName    string    `json:"event_name"`
	Payload      string    `json:"payload"`
	Label        string    `json:"label,omitempty"`
	SortOrder    int       `json:"sort_order"`
	AutoSend     bool      `json:"auto_send"`
	CreatedAt    time.Time `json:"created_at"`
}

// AddPinnedMessage appends a template at the end of the connection's order.
func (s *Store) AddPinnedMessage(ctx context.Context, connectionID int64, eventName, payload, label string) (int64, error) {
	if payload == "" {
		payload = "{}"
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO pinned_messages (connection_id, event_name, payload, label, sort_order)
			VALUES (?, ?, ?, NULLIF(?, ''),
				(SELECT COALESCE(MAX(sort_order), -1) + 1 FROM pinned_messages WHERE connection_id = ?));
		`, connectionID, eventName, payload, label, connectionID)
		if err != nil {
			return fmt.Errorf("insert pinned message: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) UpdatePinnedMessage(ctx context.Context, id int64, eventName, payload, label string) error {
	if payload == "" {
		payload = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pinned_messages
			SET event_name = ?, payload = ?, label = NULLIF(?, '')
			WHERE id = ?;
		`, eventName, payload, label, id)
		if err != nil {
			return fmt.Errorf("update pinned message: %w", err)
		}
		return nil
	})
}

func (s *Store) DeletePinnedMessage(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM pinned_messages WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete pinned message: %w", err)
		}
		return nil
	})
}

// ReorderPinnedMessages rewrites sort_order for a connection from the given
// id sequence. Ids not present in the sequence keep their old order after
// the listed ones.
func (s *Store) ReorderPinnedMessages(ctx context.Context, connectionID int64, orderedIDs []int64) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reorder tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for i, id := range orderedIDs {
			if _, err := tx.ExecContext(ctx, `
				UPDATE pinned_messages SET sort_order = ?
				WHERE id = ? AND connection_id = ?;
			`, i, id, connectionID); err != nil {
				return fmt.Errorf("reorder pinned message %d: %w", id, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit reorder tx: %w", err)
		}
		return nil
	})
}

// ListPinnedMessages returns a connection's templates in sort order.
func (s *Store) ListPinnedMessages(ctx context.Context, connectionID int64) ([]PinnedMessage, error) {
	return s.listPinned(ctx, `
		SELECT id, connection_id, event_name, payload, COALESCE(label, ''), sort_order, auto_send, created_at
		FROM pinned_messages
		WHERE connection_id = ?
		ORDER BY sort_order, id;
	`, connectionID)
}

// ListAutoSendMessages returns only the templates flagged for auto-send,
// in sort order.
func (s *Store) ListAutoSendMessages(ctx context.Context, connectionID int64) ([]PinnedMessage, error) {
	return s.listPinned(ctx, `
		SELECT id, connection_id, event_name, payload, COALESCE(label, ''), sort_order, auto_send, created_at
		FROM pinned_messages
		WHERE connection_id = ? AND auto_send = 1
		ORDER BY sort_order, id;
	`, connectionID)
}

func (s *Store) listPinned(ctx context.Context, query string, connectionID int64) ([]PinnedMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("query pinned messages: %w", err)
	}
	defer rows.Close()

	var out []PinnedMessage
	for rows.Next() {
		var p PinnedMessage
		var autoSend int
		if err := rows.Scan(&p.ID, &p.ConnectionID, &p.EventName, &p.Payload, &p.Label, &p.SortOrder, &autoSend, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pinned message: %w", err)
		}
		p.AutoSend = autoSend != 0
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pinned rows: %w", err)
	}
	return out, nil
}

func (s *Store) SetPinnedAutoSend(ctx context.Context, id int64, autoSend bool) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pinned_messages SET auto_send = ? WHERE id = ?;
		`, boolToInt(autoSend), id)
		if err != nil {
			return fmt.Errorf("set pinned auto send: %w", err)
		}
		return nil
	})
}

// FindDuplicatePinned reports the id of an existing template with the same
// event name and payload, or 0 when none exists.
func (s *Store) FindDuplicatePinned(ctx context.Context, connectionID int64, eventName, payload string) (int64, error) {
	if payload == "" {
		payload = "{}"
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM pinned_messages
		WHERE connection_id = ? AND event_name = ? AND payload = ?
		LIMIT 1;
	`, connectionID, eventName, payload).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find duplicate pinned: %w", err)
	}
	return id, nil
}
