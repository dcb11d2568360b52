package socket

import (
	"sync"
	"time"
)

// BufferedEvent is one entry in a session's recent-event buffer.
type BufferedEvent struct {
	EventName string    `json:"event"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"`
}

// EventBuffer is a fixed-capacity ring of recent events for one session.
// It has its own lock so readers never contend with the manager's session
// lock.
type EventBuffer struct {
	mu     sync.Mutex
	events []BufferedEvent
	cap    int
}

func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = 100
	}
	return &EventBuffer{cap: capacity}
}

// Push appends an event, evicting the oldest entry when full.
func (b *EventBuffer) Push(ev BufferedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) >= b.cap {
		copy(b.events, b.events[1:])
		b.events[len(b.events)-1] = ev
		return
	}
	b.events = append(b.events, ev)
}

// ListRecent returns up to limit events, newest first. limit <= 0 returns
// everything buffered.
func (b *EventBuffer) ListRecent(limit int) []BufferedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]BufferedEvent, limit)
	for i := 0; i < limit; i++ {
		out[i] = b.events[n-1-i]
	}
	return out
}

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
