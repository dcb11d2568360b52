package socket

import (
	"context"
	"time"
)

// Callbacks are the transport's notification hooks. The transport invokes
// OnConnect once the dial (or a redial) succeeds, OnAnyEvent for every
// inbound event frame, OnError for transport faults, and OnClose exactly
// once when the transport gives up for good.
//
// Callbacks may fire from the transport's own goroutines; implementations
// on the manager side must tolerate calls for sessions that no longer
// exist.
type Callbacks struct {
	OnConnect  func()
	OnClose    func(reason string)
	OnError    func(err error)
	OnAnyEvent func(eventName string, payload string)
}

// TransportConfig carries everything a transport needs to dial.
type TransportConfig struct {
	URL         string
	Namespace   string
	Options     Options
	DialTimeout time.Duration
}

// Transport is a live wire to one remote endpoint.
type Transport interface {
	// Connect dials the endpoint and starts delivering callbacks. It
	// returns once the initial dial has succeeded or failed; OnConnect has
	// already fired on success.
	Connect(ctx context.Context, cb Callbacks) error
	// Disconnect tears the wire down. Redial stops and OnClose fires.
	Disconnect(ctx context.Context) error
	// Emit sends one event frame. payload is raw JSON text or a plain
	// string.
	Emit(ctx context.Context, eventName string, payload string) error
}

// DialFunc constructs an unconnected transport for a config. The manager
// takes one of these so tests can substitute a fake wire.
type DialFunc func(cfg TransportConfig) Transport
