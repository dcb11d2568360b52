package bus

import "time"

// Socket event topics.
const (
	TopicSocketStatus = "socket.status"
	TopicSocketEvent  = "socket.event"
	TopicSocketError  = "socket.error"
)

// Config event topics.
const (
	TopicConfigUpdated = "config.updated"
)

// StatusChangedEvent is published whenever a connection's lifecycle status
// changes.
type StatusChangedEvent struct {
	ConnectionID int64  // Connection profile ID
	Status       string // New status: disconnected, connecting, connected, error
	Message      string // Optional detail, set for error transitions
}

// SocketEvent is published for every recorded event, inbound or outbound,
// including the synthetic connect/disconnect/connect_error events.
type SocketEvent struct {
	ConnectionID int64
	EventName    string
	Payload      string // Raw payload text, typically JSON
	Timestamp    time.Time
	Direction    string // "in" or "out"
}

// SocketErrorEvent is published when the transport reports an error.
type SocketErrorEvent struct {
	ConnectionID int64
	Message      string
}

// ConfigUpdatedEvent is published when the config file changes on disk.
type ConfigUpdatedEvent struct {
	Path string
}
