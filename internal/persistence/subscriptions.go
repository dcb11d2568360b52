package persistence

import (
	"context"
	"fmt"
)

// Subscription is a persisted event subscription row. The manager seeds a
// session's forwarding set from the enabled rows at connect time; the two
// drift independently afterwards.
type Subscription struct {
	ID        int64  `json:"id"`
	EventName string `json:"event_name"`
	Listening bool   `json:"is_listening"`
}

func (s *Store) AddSubscription(ctx context.Context, connectionID int64, eventName string) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO connection_events (connection_id, event_name)
			VALUES (?, ?);
		`, connectionID, eventName)
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) RemoveSubscription(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM connection_events WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete subscription: %w", err)
		}
		return nil
	})
}

// ToggleSubscription flips the listening flag on a subscription row.
func (s *Store) ToggleSubscription(ctx context.Context, id int64, listening bool) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE connection_events SET is_listening = ? WHERE id = ?;
		`, boolToInt(listening), id)
		if err != nil {
			return fmt.Errorf("toggle subscription: %w", err)
		}
		return nil
	})
}

// SetSubscriptionEnabled flips the listening flag for a subscription by
// event name across all rows of that connection.
func (s *Store) SetSubscriptionEnabled(ctx context.Context, connectionID int64, eventName string, enabled bool) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE connection_events SET is_listening = ?
			WHERE connection_id = ? AND event_name = ?;
		`, boolToInt(enabled), connectionID, eventName)
		if err != nil {
			return fmt.Errorf("set subscription enabled: %w", err)
		}
		return nil
	})
}

// ListSubscriptions returns all subscription rows for a connection in
// creation order.
func (s *Store) ListSubscriptions(ctx context.Context, connectionID int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_name, is_listening
		FROM connection_events
		WHERE connection_id = ?
		ORDER BY created_at;
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		var listening int
		if err := rows.Scan(&sub.ID, &sub.EventName, &listening); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.Listening = listening != 0
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subscription rows: %w", err)
	}
	return out, nil
}
