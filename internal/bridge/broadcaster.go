// Package bridge exposes the connection manager to automation clients over
// a JSON-RPC 2.0 HTTP+SSE surface.
package bridge

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const clientBufferSize = 32

// Broadcaster fans messages out to every connected SSE client. Delivery is
// non-blocking; a stalled client misses messages rather than stalling the
// rest.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[string]chan []byte
	log     *slog.Logger
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]chan []byte),
		log:     logger.With("component", "bridge.broadcaster"),
	}
}

// Register adds a client and returns its id and receive channel.
func (b *Broadcaster) Register() (string, <-chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, clientBufferSize)

	b.mu.Lock()
	b.clients[id] = ch
	b.mu.Unlock()

	b.log.Debug("sse client registered", "client_id", id)
	return id, ch
}

// Unregister removes a client and closes its channel.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	ch, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
	}
	b.mu.Unlock()

	if ok {
		close(ch)
		b.log.Debug("sse client unregistered", "client_id", id)
	}
}

// Broadcast delivers msg to every registered client.
func (b *Broadcaster) Broadcast(msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.clients {
		select {
		case ch <- msg:
		default:
			b.log.Debug("sse client buffer full, dropping", "client_id", id)
		}
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
