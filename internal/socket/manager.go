package socket

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-sockdock/internal/bus"
	sdotel "github.com/basket/go-sockdock/internal/otel"
	"github.com/basket/go-sockdock/internal/persistence"
)

// Status is a connection lifecycle state as reported to callers.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Synthetic event names recorded alongside server events.
const (
	eventConnect      = "connect"
	eventDisconnect   = "disconnect"
	eventConnectError = "connect_error"
)

const activeConnectionKey = "active_connection_id"

// Store is the slice of the persistence layer the manager needs.
type Store interface {
	GetConnection(ctx context.Context, id int64) (*persistence.Connection, error)
	ListSubscriptions(ctx context.Context, connectionID int64) ([]persistence.Subscription, error)
	ListAutoSendMessages(ctx context.Context, connectionID int64) ([]persistence.PinnedMessage, error)
	AddEmitLog(ctx context.Context, connectionID int64, eventName, payload string) error
	AppendEventHistory(ctx context.Context, connectionID int64, eventName, payload string, ts time.Time, direction string) error
	SetAppState(ctx context.Context, key, value string) error
	DeleteAppState(ctx context.Context, key string) error
}

// Notifier is the publish side of the message bus.
type Notifier interface {
	Publish(topic string, payload interface{})
}

// session is the live state for one connection. A session exists from the
// first connect attempt (or an earlier listener edit) until the caller
// disconnects; a server-side close or transport fault only changes its
// status. The transport handle is nil until a dial is in flight.
type session struct {
	transport Transport
	status    Status
	statusMsg string
	buffer    *EventBuffer
	listening map[string]struct{}
}

// ManagerConfig carries the manager's tunables.
type ManagerConfig struct {
	BufferCapacity int
	AutoSendDelay  time.Duration
	DialTimeout    time.Duration
}

// Manager owns all live sessions. All state lives behind one mutex with
// short critical sections; transport and store calls never run under the
// lock, so callbacks from a transport goroutine cannot deadlock against an
// in-flight operation.
type Manager struct {
	mu            sync.Mutex
	sessions      map[int64]*session
	connecting    map[int64]struct{}
	connectedOnce map[int64]struct{}
	activeID      int64

	store  Store
	bus    Notifier
	dial   DialFunc
	log    *slog.Logger
	tracer trace.Tracer

	bufferCap     int
	autoSendDelay time.Duration
	dialTimeout   time.Duration
}

func NewManager(store Store, notifier Notifier, dial DialFunc, logger *slog.Logger, tracer trace.Tracer, cfg ManagerConfig) *Manager {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 100
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Manager{
		sessions:      make(map[int64]*session),
		connecting:    make(map[int64]struct{}),
		connectedOnce: make(map[int64]struct{}),
		store:         store,
		bus:           notifier,
		dial:          dial,
		log:           logger.With("component", "socket"),
		tracer:        tracer,
		bufferCap:     cfg.BufferCapacity,
		autoSendDelay: cfg.AutoSendDelay,
		dialTimeout:   cfg.DialTimeout,
	}
}

// Connect dials the stored profile for id. Only one attempt per id may be
// in flight; a second concurrent call gets ErrAlreadyConnecting. An
// existing session for the id is torn down first.
func (m *Manager) Connect(ctx context.Context, id int64) error {
	ctx, span := sdotel.StartClientSpan(ctx, m.tracer, "socket.connect", sdotel.AttrConnectionID.Int64(id))
	defer span.End()

	m.mu.Lock()
	if _, inflight := m.connecting[id]; inflight {
		m.mu.Unlock()
		return ErrAlreadyConnecting
	}
	m.connecting[id] = struct{}{}
	m.mu.Unlock()
	defer m.clearConnecting(id)

	m.teardownForRedial(ctx, id)

	profile, err := m.store.GetConnection(ctx, id)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if profile == nil {
		return ErrProfileNotFound
	}

	listening := make(map[string]struct{})
	subs, err := m.store.ListSubscriptions(ctx, id)
	if err != nil {
		m.log.Warn("load subscriptions failed", "connection_id", id, "error", err)
	}
	for _, sub := range subs {
		if sub.Listening {
			listening[sub.EventName] = struct{}{}
		}
	}

	opts := ParseOptions(profile.Options, profile.AuthToken)
	transport := m.dial(TransportConfig{
		URL:         profile.URL,
		Namespace:   profile.Namespace,
		Options:     opts,
		DialTimeout: m.dialTimeout,
	})

	cb := Callbacks{
		OnConnect:  func() { m.handleConnect(id, transport, profile) },
		OnClose:    func(reason string) { m.handleClose(id, transport, reason) },
		OnError:    func(err error) { m.handleError(id, transport, err) },
		OnAnyEvent: func(name, payload string) { m.handleEvent(id, transport, name, payload) },
	}

	// The session is installed before the dial so a Disconnect issued while
	// the dial is in flight has something to tear down, and so the connect
	// callback can verify it still owns the session.
	m.mu.Lock()
	sess := m.ensureSessionLocked(id)
	sess.transport = transport
	sess.status = StatusConnecting
	sess.statusMsg = ""
	sess.listening = listening
	m.mu.Unlock()

	m.publishStatus(id, StatusConnecting, "")
	m.log.Info("connecting", "connection_id", id, "url", profile.URL)

	if err := transport.Connect(ctx, cb); err != nil {
		var buffer *EventBuffer
		m.mu.Lock()
		if cur, ok := m.sessions[id]; ok && cur.transport == transport {
			cur.transport = nil
			cur.status = StatusError
			cur.statusMsg = err.Error()
			buffer = cur.buffer
		}
		m.mu.Unlock()
		m.log.Warn("connect failed", "connection_id", id, "error", err)
		m.publishStatus(id, StatusError, err.Error())
		m.recordEvent(context.Background(), id, eventConnectError, fmt.Sprintf(`{"message":%q}`, err.Error()), persistence.DirectionIn, buffer)
		return err
	}

	m.mu.Lock()
	if cur, ok := m.sessions[id]; ok && cur.transport == transport {
		m.activeID = id
		m.mu.Unlock()
		m.persistActive(ctx, id)
		return nil
	}
	// A disconnect raced the dial and already tore the session down.
	m.mu.Unlock()
	return nil
}

// teardownForRedial closes any live transport for id before a new dial,
// with the same synthetic disconnect a server-side close produces.
func (m *Manager) teardownForRedial(ctx context.Context, id int64) {
	m.mu.Lock()
	var old Transport
	var buffer *EventBuffer
	if sess, ok := m.sessions[id]; ok && sess.transport != nil {
		old = sess.transport
		buffer = sess.buffer
		sess.transport = nil
		sess.status = StatusDisconnected
		sess.statusMsg = ""
	}
	m.mu.Unlock()

	if old == nil {
		return
	}
	if err := old.Disconnect(ctx); err != nil {
		m.log.Warn("transport disconnect failed", "connection_id", id, "error", err)
	}
	m.publishStatus(id, StatusDisconnected, "")
	m.recordEvent(ctx, id, eventDisconnect, `{"reason":"reconnect"}`, persistence.DirectionIn, buffer)
}

// Disconnect tears down the session for id, tagging the synthetic
// disconnect event with reason ("manual", "mcp", ...). Unknown ids are a
// no-op.
func (m *Manager) Disconnect(ctx context.Context, id int64, reason string) error {
	if reason == "" {
		reason = "manual"
	}
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	delete(m.connecting, id)
	wasActive := m.activeID == id
	if wasActive {
		m.activeID = 0
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	hadTransport := sess.transport != nil
	if hadTransport {
		if err := sess.transport.Disconnect(ctx); err != nil {
			m.log.Warn("transport disconnect failed", "connection_id", id, "error", err)
		}
	}
	if wasActive {
		if err := m.store.DeleteAppState(ctx, activeConnectionKey); err != nil {
			m.log.Warn("clear active connection failed", "error", err)
		}
	}
	m.log.Info("disconnected", "connection_id", id, "reason", reason)
	m.publishStatus(id, StatusDisconnected, "")
	if hadTransport {
		m.recordEvent(ctx, id, eventDisconnect, fmt.Sprintf(`{"reason":%q}`, reason), persistence.DirectionIn, nil)
	}
	return nil
}

// Emit sends an event on a connected session and records it in the emit
// log, the event ledger and the session buffer.
func (m *Manager) Emit(ctx context.Context, id int64, eventName, payload string) error {
	ctx, span := sdotel.StartClientSpan(ctx, m.tracer, "socket.emit",
		sdotel.AttrConnectionID.Int64(id),
		sdotel.AttrEventName.String(eventName),
	)
	defer span.End()

	m.mu.Lock()
	sess, ok := m.sessions[id]
	var transport Transport
	var buffer *EventBuffer
	if ok && sess.status == StatusConnected {
		transport = sess.transport
		buffer = sess.buffer
	}
	m.mu.Unlock()

	if transport == nil {
		return ErrNotConnected
	}
	if err := transport.Emit(ctx, eventName, payload); err != nil {
		return err
	}
	if err := m.store.AddEmitLog(ctx, id, eventName, payload); err != nil {
		m.log.Warn("emit log write failed", "connection_id", id, "error", err)
	}
	m.recordEvent(ctx, id, eventName, payload, persistence.DirectionOut, buffer)
	return nil
}

// EmitAsync fires an emit on its own goroutine; failures are only logged.
func (m *Manager) EmitAsync(id int64, eventName, payload string) {
	go func() {
		if err := m.Emit(context.Background(), id, eventName, payload); err != nil {
			m.log.Warn("async emit failed", "connection_id", id, "event", eventName, "error", err)
		}
	}()
}

// AddListener adds an event name to the session's forwarding set, creating
// the session entry when the edit precedes a connect. Blank names are
// rejected. Note that a later Connect reseeds the set from the persisted
// subscriptions.
func (m *Manager) AddListener(id int64, eventName string) error {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return ErrEmptyEventName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.ensureSessionLocked(id)
	sess.listening[eventName] = struct{}{}
	return nil
}

// RemoveListener drops an event name from the session's forwarding set.
func (m *Manager) RemoveListener(id int64, eventName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		delete(sess.listening, eventName)
	}
}

// ListListeners returns the session's forwarding set, sorted.
func (m *Manager) ListListeners(id int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sess.listening))
	for name := range sess.listening {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// BufferedEvents returns up to limit recent events for id, newest first.
func (m *Manager) BufferedEvents(id int64, limit int) []BufferedEvent {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.buffer.ListRecent(limit)
}

// Status reports the lifecycle state for id. Unknown ids are disconnected.
func (m *Manager) Status(id int64) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connecting[id]; ok {
		return StatusConnecting
	}
	if sess, ok := m.sessions[id]; ok {
		return sess.status
	}
	return StatusDisconnected
}

// AllStatuses returns the state of every known session and in-flight
// connect attempt.
func (m *Manager) AllStatuses() map[int64]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]Status, len(m.sessions)+len(m.connecting))
	for id := range m.connecting {
		out[id] = StatusConnecting
	}
	for id, sess := range m.sessions {
		if _, ok := out[id]; !ok {
			out[id] = sess.status
		}
	}
	return out
}

// ActiveConnectionID returns the current active connection, 0 when none.
func (m *Manager) ActiveConnectionID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// SetActive marks id as the active connection and persists the choice.
func (m *Manager) SetActive(ctx context.Context, id int64) {
	m.mu.Lock()
	m.activeID = id
	m.mu.Unlock()
	m.persistActive(ctx, id)
}

// ClearActive clears the active connection marker.
func (m *Manager) ClearActive(ctx context.Context) {
	m.mu.Lock()
	m.activeID = 0
	m.mu.Unlock()
	if err := m.store.DeleteAppState(ctx, activeConnectionKey); err != nil {
		m.log.Warn("clear active connection failed", "error", err)
	}
}

// ResetConnecting force-clears the in-flight guard for id. Used when a
// bounded connect attempt times out so a retry is not locked out.
func (m *Manager) ResetConnecting(id int64) {
	m.clearConnecting(id)
}

// Shutdown disconnects every live session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Disconnect(ctx, id, "shutdown"); err != nil {
			m.log.Warn("shutdown disconnect failed", "connection_id", id, "error", err)
		}
	}
}

func (m *Manager) clearConnecting(id int64) {
	m.mu.Lock()
	delete(m.connecting, id)
	m.mu.Unlock()
}

// ensureSessionLocked returns the session for id, creating a disconnected
// placeholder when none exists. Callers hold m.mu.
func (m *Manager) ensureSessionLocked(id int64) *session {
	sess, ok := m.sessions[id]
	if !ok {
		sess = &session{
			status:    StatusDisconnected,
			buffer:    NewEventBuffer(m.bufferCap),
			listening: make(map[string]struct{}),
		}
		m.sessions[id] = sess
	}
	return sess
}

func (m *Manager) handleConnect(id int64, tr Transport, profile *persistence.Connection) {
	ctx := context.Background()

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || sess.transport != tr {
		// A disconnect or a newer connect won the race while this transport
		// was dialing; close the orphaned handle instead of resurrecting it.
		m.mu.Unlock()
		_ = tr.Disconnect(ctx)
		return
	}
	delete(m.connecting, id)
	_, reconnect := m.connectedOnce[id]
	m.connectedOnce[id] = struct{}{}
	sess.status = StatusConnected
	sess.statusMsg = ""
	m.activeID = id
	buffer := sess.buffer
	m.mu.Unlock()

	m.persistActive(ctx, id)
	m.log.Info("connected", "connection_id", id, "reconnect", reconnect)
	m.publishStatus(id, StatusConnected, "")
	m.recordEvent(ctx, id, eventConnect, fmt.Sprintf(`{"connectionId":%d}`, id), persistence.DirectionIn, buffer)

	autoSend := profile.AutoSendOnConnect
	if reconnect {
		autoSend = profile.AutoSendOnReconnect
	}
	if autoSend {
		go m.runAutoSend(id)
	}
}

func (m *Manager) handleClose(id int64, tr Transport, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || sess.transport != tr {
		m.mu.Unlock()
		return
	}
	sess.status = StatusDisconnected
	sess.statusMsg = reason
	buffer := sess.buffer
	m.mu.Unlock()

	m.log.Info("transport closed", "connection_id", id, "reason", reason)
	m.publishStatus(id, StatusDisconnected, reason)
	m.recordEvent(context.Background(), id, eventDisconnect, fmt.Sprintf(`{"reason":%q}`, reason), persistence.DirectionIn, buffer)
}

func (m *Manager) handleError(id int64, tr Transport, err error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || sess.transport != tr {
		m.mu.Unlock()
		m.bus.Publish(bus.TopicSocketError, bus.SocketErrorEvent{ConnectionID: id, Message: err.Error()})
		return
	}
	sess.status = StatusError
	sess.statusMsg = err.Error()
	buffer := sess.buffer
	m.mu.Unlock()

	m.log.Warn("transport error", "connection_id", id, "error", err)
	m.publishStatus(id, StatusError, err.Error())
	m.bus.Publish(bus.TopicSocketError, bus.SocketErrorEvent{ConnectionID: id, Message: err.Error()})
	m.recordEvent(context.Background(), id, eventConnectError, fmt.Sprintf(`{"message":%q}`, err.Error()), persistence.DirectionIn, buffer)
}

func (m *Manager) handleEvent(id int64, tr Transport, eventName, payload string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || sess.transport != tr {
		m.mu.Unlock()
		return
	}
	if _, listening := sess.listening[eventName]; !listening {
		m.mu.Unlock()
		return
	}
	buffer := sess.buffer
	m.mu.Unlock()

	m.recordEvent(context.Background(), id, eventName, payload, persistence.DirectionIn, buffer)
}

// runAutoSend plays the connection's auto-send templates in sort order,
// pausing before each one. The batch aborts as soon as the session leaves
// the connected state.
func (m *Manager) runAutoSend(id int64) {
	ctx := context.Background()
	templates, err := m.store.ListAutoSendMessages(ctx, id)
	if err != nil {
		m.log.Warn("load auto send templates failed", "connection_id", id, "error", err)
		return
	}
	for _, tpl := range templates {
		if m.autoSendDelay > 0 {
			time.Sleep(m.autoSendDelay)
		}
		if status := m.Status(id); status != StatusConnected {
			m.log.Warn("auto send aborted", "connection_id", id, "status", string(status))
			return
		}
		if err := m.Emit(ctx, id, tpl.EventName, tpl.Payload); err != nil {
			m.log.Warn("auto send emit failed", "connection_id", id, "event", tpl.EventName, "error", err)
		}
	}
}

func (m *Manager) recordEvent(ctx context.Context, id int64, eventName, payload, direction string, buffer *EventBuffer) {
	ts := time.Now().UTC()
	if buffer != nil {
		buffer.Push(BufferedEvent{
			EventName: eventName,
			Payload:   payload,
			Timestamp: ts,
			Direction: direction,
		})
	}
	if err := m.store.AppendEventHistory(ctx, id, eventName, payload, ts, direction); err != nil {
		m.log.Warn("event history write failed", "connection_id", id, "event", eventName, "error", err)
	}
	m.bus.Publish(bus.TopicSocketEvent, bus.SocketEvent{
		ConnectionID: id,
		EventName:    eventName,
		Payload:      payload,
		Timestamp:    ts,
		Direction:    direction,
	})
}

func (m *Manager) publishStatus(id int64, status Status, message string) {
	m.bus.Publish(bus.TopicSocketStatus, bus.StatusChangedEvent{
		ConnectionID: id,
		Status:       string(status),
		Message:      message,
	})
}

func (m *Manager) persistActive(ctx context.Context, id int64) {
	if err := m.store.SetAppState(ctx, activeConnectionKey, strconv.FormatInt(id, 10)); err != nil {
		m.log.Warn("persist active connection failed", "error", err)
	}
}
