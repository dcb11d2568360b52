// Package socket manages live event-stream connections: per-connection
// sessions, listener sets, recent-event buffers and auto-send batches.
package socket

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyConnecting is returned when a connect attempt is already in
	// flight for the same connection id.
	ErrAlreadyConnecting = errors.New("connection attempt already in progress")

	// ErrProfileNotFound is returned when the connection id has no stored
	// profile.
	ErrProfileNotFound = errors.New("connection profile not found")

	// ErrNotConnected is returned by emit operations when the session is
	// missing or not in the connected state. The text is surfaced verbatim
	// to automation clients.
	ErrNotConnected = errors.New("Not connected")

	// ErrEmptyEventName rejects listener additions with a blank event name.
	ErrEmptyEventName = errors.New("event name cannot be empty")
)

// TransportError wraps a failure from the underlying transport with the
// operation that produced it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
