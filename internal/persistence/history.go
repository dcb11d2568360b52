package persistence

import (
	"context"
	"fmt"
	"time"
)

// EmitLog records an outbound emit issued through the manager.
type EmitLog struct {
	ID           int64     `json:"id"`
	ConnectionID int64     `json:"connection_id"`
	EventName    string    `json:"event_name"`
	Payload      string    `json:"payload"`
	SentAt       time.Time `json:"sent_at"`
}

// HistoryEntry is one row of the inbound/outbound event ledger.
type HistoryEntry struct {
	ID           int64     `json:"id"`
	ConnectionID int64     `json:"connection_id"`
	EventName    string    `json:"event_name"`
	Payload      string    `json:"payload"`
	Direction    string    `json:"direction"`
	RecordedAt   time.Time `json:"recorded_at"`
}

func (s *Store) AddEmitLog(ctx context.Context, connectionID int64, eventName, payload string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO emit_logs (connection_id, event_name, payload)
			VALUES (?, ?, ?);
		`, connectionID, eventName, payload)
		if err != nil {
			return fmt.Errorf("insert emit log: %w", err)
		}
		return nil
	})
}

// ListEmitLogs returns the most recent emits for a connection, newest first.
func (s *Store) ListEmitLogs(ctx context.Context, connectionID int64, limit int) ([]EmitLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, event_name, payload, sent_at
		FROM emit_logs
		WHERE connection_id = ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?;
	`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query emit logs: %w", err)
	}
	defer rows.Close()

	var out []EmitLog
	for rows.Next() {
		var l EmitLog
		if err := rows.Scan(&l.ID, &l.ConnectionID, &l.EventName, &l.Payload, &l.SentAt); err != nil {
			return nil, fmt.Errorf("scan emit log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("emit log rows: %w", err)
	}
	return out, nil
}

func (s *Store) ClearEmitLogs(ctx context.Context, connectionID int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM emit_logs WHERE connection_id = ?;`, connectionID)
		if err != nil {
			return fmt.Errorf("clear emit logs: %w", err)
		}
		return nil
	})
}

// AppendEventHistory records one event in the durable ledger. Callers treat
// failures as best-effort; a full disk must not take down a live session.
func (s *Store) AppendEventHistory(ctx context.Context, connectionID int64, eventName, payload string, ts time.Time, direction string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO event_history (connection_id, event_name, payload, direction, recorded_at)
			VALUES (?, ?, ?, ?, ?);
		`, connectionID, eventName, payload, direction, ts.UTC())
		if err != nil {
			return fmt.Errorf("insert event history: %w", err)
		}
		return nil
	})
}

// ListEventHistory returns the most recent ledger rows for a connection,
// newest first.
func (s *Store) ListEventHistory(ctx context.Context, connectionID int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, event_name, payload, direction, recorded_at
		FROM event_history
		WHERE connection_id = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?;
	`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query event history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.ConnectionID, &h.EventName, &h.Payload, &h.Direction, &h.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}
	return out, nil
}

func (s *Store) ClearEventHistory(ctx context.Context, connectionID int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM event_history WHERE connection_id = ?;`, connectionID)
		if err != nil {
			return fmt.Errorf("clear event history: %w", err)
		}
		return nil
	})
}
