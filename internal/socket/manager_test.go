package socket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-sockdock/internal/persistence"
)

type fakeStore struct {
	mu       sync.Mutex
	profiles map[int64]*persistence.Connection
	subs     map[int64][]persistence.Subscription
	autoSend map[int64][]persistence.PinnedMessage
	emitLogs []string
	history  []string
	appState map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles: make(map[int64]*persistence.Connection),
		subs:     make(map[int64][]persistence.Subscription),
		autoSend: make(map[int64][]persistence.PinnedMessage),
		appState: make(map[string]string),
	}
}

func (s *fakeStore) GetConnection(_ context.Context, id int64) (*persistence.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[id], nil
}

func (s *fakeStore) ListSubscriptions(_ context.Context, id int64) ([]persistence.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[id], nil
}

func (s *fakeStore) ListAutoSendMessages(_ context.Context, id int64) ([]persistence.PinnedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoSend[id], nil
}

func (s *fakeStore) AddEmitLog(_ context.Context, _ int64, eventName, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLogs = append(s.emitLogs, eventName)
	return nil
}

func (s *fakeStore) AppendEventHistory(_ context.Context, _ int64, eventName, _ string, _ time.Time, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, eventName)
	return nil
}

func (s *fakeStore) SetAppState(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appState[key] = value
	return nil
}

func (s *fakeStore) DeleteAppState(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.appState, key)
	return nil
}

type emitRecord struct {
	event   string
	payload string
}

type fakeTransport struct {
	mu           sync.Mutex
	cb           Callbacks
	dialErr      error
	dialDelay    time.Duration
	dialStarted  chan struct{}
	emitted      []emitRecord
	disconnected bool
}

func (t *fakeTransport) Connect(_ context.Context, cb Callbacks) error {
	t.mu.Lock()
	if t.dialStarted != nil {
		close(t.dialStarted)
		t.dialStarted = nil
	}
	t.mu.Unlock()
	if t.dialDelay > 0 {
		time.Sleep(t.dialDelay)
	}
	if t.dialErr != nil {
		return &TransportError{Op: "dial", Err: t.dialErr}
	}
	t.mu.Lock()
	t.cb = cb
	t.mu.Unlock()
	cb.OnConnect()
	return nil
}

func (t *fakeTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected = true
	return nil
}

func (t *fakeTransport) Emit(_ context.Context, eventName, payload string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitted = append(t.emitted, emitRecord{event: eventName, payload: payload})
	return nil
}

func (t *fakeTransport) emitCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.emitted)
}

func (t *fakeTransport) callbacks() Callbacks {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cb
}

type fakeNotifier struct {
	mu     sync.Mutex
	topics []string
}

func (n *fakeNotifier) Publish(topic string, _ interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.topics = append(n.topics, topic)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(store Store, tr Transport, cfg ManagerConfig) *Manager {
	dial := func(_ TransportConfig) Transport { return tr }
	tracer := nooptrace.NewTracerProvider().Tracer("test")
	return NewManager(store, &fakeNotifier{}, dial, testLogger(), tracer, cfg)
}

func addProfile(s *fakeStore, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[id] = &persistence.Connection{
		ID: id, Name: "test", URL: "ws://localhost:1", Namespace: "/", Options: "{}",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestManager_ConnectCreatesSession(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	tr := &fakeTransport{}
	m := newTestManager(store, tr, ManagerConfig{})

	if err := m.Connect(context.Background(), 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := m.Status(1); got != StatusConnected {
		t.Fatalf("status = %q, want connected", got)
	}
	if got := m.ActiveConnectionID(); got != 1 {
		t.Fatalf("active id = %d, want 1", got)
	}

	events := m.BufferedEvents(1, 0)
	if len(events) != 1 || events[0].EventName != "connect" {
		t.Fatalf("buffer = %+v, want one synthetic connect", events)
	}

	store.mu.Lock()
	active := store.appState["active_connection_id"]
	store.mu.Unlock()
	if active != "1" {
		t.Fatalf("persisted active id = %q, want 1", active)
	}
}

func TestManager_ConnectUnknownProfile(t *testing.T) {
	m := newTestManager(newFakeStore(), &fakeTransport{}, ManagerConfig{})

	err := m.Connect(context.Background(), 42)
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("err = %v, want ErrProfileNotFound", err)
	}
	// The guard is released; a retry gets the same answer, not a lockout.
	if err := m.Connect(context.Background(), 42); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("retry err = %v, want ErrProfileNotFound", err)
	}
}

func TestManager_ConcurrentConnectGuard(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	tr := &fakeTransport{dialDelay: 150 * time.Millisecond}
	m := newTestManager(store, tr, ManagerConfig{})

	first := make(chan error, 1)
	go func() { first <- m.Connect(context.Background(), 1) }()

	waitFor(t, "connecting state", func() bool { return m.Status(1) == StatusConnecting })

	if err := m.Connect(context.Background(), 1); !errors.Is(err, ErrAlreadyConnecting) {
		t.Fatalf("second connect err = %v, want ErrAlreadyConnecting", err)
	}
	if err := <-first; err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if got := m.Status(1); got != StatusConnected {
		t.Fatalf("status = %q, want connected", got)
	}
}

func TestManager_DialFailureReleasesGuard(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	tr := &fakeTransport{dialErr: errors.New("refused")}
	m := newTestManager(store, tr, ManagerConfig{})

	if err := m.Connect(context.Background(), 1); err == nil {
		t.Fatal("expected dial error")
	}
	// A failed dial leaves the session behind in the error state.
	if got := m.Status(1); got != StatusError {
		t.Fatalf("status = %q, want error", got)
	}

	// Retry is possible once the transport recovers.
	tr.dialErr = nil
	if err := m.Connect(context.Background(), 1); err != nil {
		t.Fatalf("retry connect: %v", err)
	}
}

func TestManager_EmitNotConnected(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	m := newTestManager(store, &fakeTransport{}, ManagerConfig{})

	if err := m.Emit(context.Background(), 1, "ping", "{}"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestManager_EmitRecords(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	tr := &fakeTransport{}
	m := newTestManager(store, tr, ManagerConfig{})

	if err := m.Connect(context.Background(), 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Emit(context.Background(), 1, "chat", `{"msg":"hi"}`); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if tr.emitCount() != 1 {
		t.Fatalf("transport emits = %d, want 1", tr.emitCount())
	}

	events := m.BufferedEvents(1, 1)
	if len(events) != 1 || events[0].EventName != "chat" || events[0].Direction != persistence.DirectionOut {
		t.Fatalf("newest buffered = %+v, want outbound chat", events)
	}

	store.mu.Lock()
	logs := len(store.emitLogs)
	store.mu.Unlock()
	if logs != 1 {
		t.Fatalf("emit logs = %d, want 1", logs)
	}
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	tr := &fakeTransport{}
	m := newTestManager(store, tr, ManagerConfig{})

	if err := m.Disconnect(context.Background(), 99, "manual"); err != nil {
		t.Fatalf("disconnect unknown: %v", err)
	}

	if err := m.Connect(context.Background(), 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Disconnect(context.Background(), 1, "manual"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !tr.disconnected {
		t.Fatal("transport should be disconnected")
	}
	if got := m.Status(1); got != StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", got)
	}
	if got := m.ActiveConnectionID(); got != 0 {
		t.Fatalf("active id = %d, want 0", got)
	}
	if err := m.Disconnect(context.Background(), 1, "manual"); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
}

func TestManager_ListenerFiltering(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	store.subs[1] = []persistence.Subscription{
		{ID: 1, EventName: "chat", Listening: true},
		{ID: 2, EventName: "noise", Listening: false},
	}
	tr := &fakeTransport{}
	m := newTestManager(store, tr, ManagerConfig{})

	if err := m.Connect(context.Background(), 1); err != nil {
		t.Fatalf("connect: %v", err)
	}

	cb := tr.callbacks()
	cb.OnAnyEvent("chat", `{"a":1}`)
	cb.OnAnyEvent("noise", `{"b":2}`)
	cb.OnAnyEvent("unlisted", `{}`)

	events := m.BufferedEvents(1, 0)
	// One synthetic connect plus the one listened event.
	if len(events) != 2 {
		t.Fatalf("buffer len = %d, want 2: %+v", len(events), events)
	}
	if events[0].EventName != "chat" {
		t.Fatalf("newest = %q, want chat", events[0].EventName)
	}

	if err := m.AddListener(1, "unlisted"); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	cb.OnAnyEvent("unlisted", `{}`)
	if got := m.BufferedEvents(1, 1)[0].EventName; got != "unlisted" {
		t.Fatalf("newest = %q, want unlisted", got)
	}

	m.RemoveListener(1, "chat")
	cb.OnAnyEvent("chat", `{}`)
	if got := m.BufferedEvents(1, 1)[0].EventName; got == "chat" {
		t.Fatal("removed listener should stop recording")
	}

	listeners := m.ListListeners(1)
	if len(listeners) != 1 || listeners[0] != "unlisted" {
		t.Fatalf("listeners = %v, want [unlisted]", listeners)
	}
}

func TestManager_StaleCallbacksIgnored(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	tr := &fakeTransport{}
	m := newTestManager(store, tr, ManagerConfig{})

	if err := m.Connect(context.Background(), 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	cb := tr.callbacks()
	if err := m.Disconnect(context.Background(), 1, "manual"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	// Late callbacks from the dead transport must not resurrect state.
	cb.OnAnyEvent("chat", `{}`)
	cb.OnError(errors.New("late error"))
	cb.OnClose("late close")

	if got := m.Status(1); got != StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", got)
	}
	if events := m.BufferedEvents(1, 0); len(events) != 0 {
		t.Fatalf("buffer should be gone, got %+v", events)
	}
}

func TestManager_TransportCloseKeepsSession(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	tr := &fakeTransport{}
	m := newTestManager(store, tr, ManagerConfig{})

	if err := m.Connect(context.Background(), 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	tr.callbacks().OnClose("server went away")

	if got := m.Status(1); got != StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", got)
	}
	// The buffer survives a server-side close for post-mortem reads.
	events := m.BufferedEvents(1, 0)
	if len(events) != 2 || events[0].EventName != "disconnect" {
		t.Fatalf("buffer = %+v, want disconnect on top", events)
	}
}

func TestManager_TransportErrorSetsErrorStatus(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	tr := &fakeTransport{}
	m := newTestManager(store, tr, ManagerConfig{})

	if err := m.Connect(context.Background(), 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	tr.callbacks().OnError(errors.New("boom"))

	if got := m.Status(1); got != StatusError {
		t.Fatalf("status = %q, want error", got)
	}
}

func TestManager_AutoSendOnConnect(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	store.profiles[1].AutoSendOnConnect = true
	store.autoSend[1] = []persistence.PinnedMessage{
		{ID: 1, ConnectionID: 1, EventName: "hello", Payload: `{"n":1}`},
		{ID: 2, ConnectionID: 1, EventName: "subscribe", Payload: `{"n":2}`},
	}
	tr := &fakeTransport{}
	m := newTestManager(store, tr, ManagerConfig{})

	if err := m.Connect(context.Background(), 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "auto send batch", func() bool { return tr.emitCount() == 2 })

	tr.mu.Lock()
	first, second := tr.emitted[0].event, tr.emitted[1].event
	tr.mu.Unlock()
	if first != "hello" || second != "subscribe" {
		t.Fatalf("order = %q,%q, want hello,subscribe", first, second)
	}
}

func TestManager_AutoSendAbortsWhenDisconnected(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	store.profiles[1].AutoSendOnConnect = true
	store.autoSend[1] = []persistence.PinnedMessage{
		{ID: 1, ConnectionID: 1, EventName: "a"},
		{ID: 2, ConnectionID: 1, EventName: "b"},
		{ID: 3, ConnectionID: 1, EventName: "c"},
	}
	tr := &fakeTransport{}
	m := newTestManager(store, tr, ManagerConfig{AutoSendDelay: 50 * time.Millisecond})

	if err := m.Connect(context.Background(), 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// Tear down before the first delayed template fires.
	if err := m.Disconnect(context.Background(), 1, "manual"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	time.Sleep(250 * time.Millisecond)
	if got := tr.emitCount(); got != 0 {
		t.Fatalf("emits after abort = %d, want 0", got)
	}
}

func TestManager_ReconnectUsesReconnectFlag(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	store.profiles[1].AutoSendOnConnect = false
	store.profiles[1].AutoSendOnReconnect = true
	store.autoSend[1] = []persistence.PinnedMessage{
		{ID: 1, ConnectionID: 1, EventName: "resync"},
	}
	tr := &fakeTransport{}
	m := newTestManager(store, tr, ManagerConfig{})

	if err := m.Connect(context.Background(), 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := tr.emitCount(); got != 0 {
		t.Fatalf("first connect should not auto-send, got %d", got)
	}

	// A redial fires OnConnect again; the id is already in the
	// connected-once set, so the reconnect flag applies.
	tr.callbacks().OnConnect()
	waitFor(t, "reconnect auto send", func() bool { return tr.emitCount() == 1 })
}

func TestManager_AllStatuses(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	addProfile(store, 2)
	tr := &fakeTransport{}
	m := newTestManager(store, tr, ManagerConfig{})

	if err := m.Connect(context.Background(), 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	statuses := m.AllStatuses()
	if len(statuses) != 1 || statuses[1] != StatusConnected {
		t.Fatalf("statuses = %+v", statuses)
	}
	if got := m.Status(2); got != StatusDisconnected {
		t.Fatalf("unknown status = %q, want disconnected", got)
	}
}

func TestManager_ListenerEditsPrecedeConnect(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store, &fakeTransport{}, ManagerConfig{})

	if err := m.AddListener(1, " chat "); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if err := m.AddListener(1, "   "); !errors.Is(err, ErrEmptyEventName) {
		t.Fatalf("err = %v, want ErrEmptyEventName", err)
	}
	if got := m.ListListeners(1); len(got) != 1 || got[0] != "chat" {
		t.Fatalf("pre-connect listeners = %v, want [chat]", got)
	}
	if got := m.Status(1); got != StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", got)
	}

	m.RemoveListener(1, "chat")
	if got := m.ListListeners(1); len(got) != 0 {
		t.Fatalf("listeners = %v, want none", got)
	}
}

func TestManager_DisconnectDuringDial(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	tr := &fakeTransport{dialDelay: 200 * time.Millisecond, dialStarted: make(chan struct{})}
	m := newTestManager(store, tr, ManagerConfig{})

	dialing := tr.dialStarted
	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), 1) }()
	<-dialing

	if err := m.Disconnect(context.Background(), 1, "manual"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}

	// The late connect callback must not resurrect the session.
	if got := m.Status(1); got != StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", got)
	}
	if got := m.ActiveConnectionID(); got != 0 {
		t.Fatalf("active id = %d, want 0", got)
	}
	tr.mu.Lock()
	closed := tr.disconnected
	tr.mu.Unlock()
	if !closed {
		t.Fatal("abandoned transport should be closed")
	}
}

func TestManager_ReplacedDialClosesOldTransport(t *testing.T) {
	store := newFakeStore()
	addProfile(store, 1)
	slow := &fakeTransport{dialDelay: 200 * time.Millisecond, dialStarted: make(chan struct{})}
	fast := &fakeTransport{}

	var dialMu sync.Mutex
	queue := []Transport{slow, fast}
	dial := func(_ TransportConfig) Transport {
		dialMu.Lock()
		defer dialMu.Unlock()
		tr := queue[0]
		if len(queue) > 1 {
			queue = queue[1:]
		}
		return tr
	}
	tracer := nooptrace.NewTracerProvider().Tracer("test")
	m := NewManager(store, &fakeNotifier{}, dial, testLogger(), tracer, ManagerConfig{})

	dialing := slow.dialStarted
	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), 1) }()
	<-dialing

	// Force-clear the stuck attempt and redial, the way the bridge recovers
	// from a connect timeout.
	m.ResetConnecting(1)
	if err := m.Connect(context.Background(), 1); err != nil {
		t.Fatalf("redial: %v", err)
	}
	<-done

	waitFor(t, "old transport closed", func() bool {
		slow.mu.Lock()
		defer slow.mu.Unlock()
		return slow.disconnected
	})
	if got := m.Status(1); got != StatusConnected {
		t.Fatalf("status = %q, want connected", got)
	}

	if err := m.Emit(context.Background(), 1, "ping", "{}"); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if slow.emitCount() != 0 || fast.emitCount() != 1 {
		t.Fatalf("emits slow=%d fast=%d, want 0 and 1", slow.emitCount(), fast.emitCount())
	}
}

func TestManager_SetAndClearActive(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store, &fakeTransport{}, ManagerConfig{})

	m.SetActive(context.Background(), 7)
	if got := m.ActiveConnectionID(); got != 7 {
		t.Fatalf("active = %d, want 7", got)
	}
	m.ClearActive(context.Background())
	if got := m.ActiveConnectionID(); got != 0 {
		t.Fatalf("active = %d, want 0", got)
	}
	store.mu.Lock()
	_, ok := store.appState["active_connection_id"]
	store.mu.Unlock()
	if ok {
		t.Fatal("app state should be cleared")
	}
}
