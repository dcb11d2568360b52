package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	redialBaseDelay = time.Second
	redialMaxDelay  = 30 * time.Second
)

// wireFrame is the plain JSON event frame this transport speaks: one JSON
// object per websocket message.
type wireFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSTransport is the default transport: a plain websocket carrying one JSON
// event frame per message. Auth entries travel as request headers (a bearer
// header for "token", X-Auth-* for the rest) and query options as URL query
// parameters.
type WSTransport struct {
	cfg TransportConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	cancel context.CancelFunc
}

// NewWSDialer returns a DialFunc producing plain-websocket transports.
func NewWSDialer() DialFunc {
	return func(cfg TransportConfig) Transport {
		return &WSTransport{cfg: cfg}
	}
}

func (t *WSTransport) Connect(ctx context.Context, cb Callbacks) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.conn = conn
	t.closed = false
	t.cancel = cancel
	t.mu.Unlock()

	if cb.OnConnect != nil {
		cb.OnConnect()
	}
	go t.readLoop(loopCtx, conn, cb)
	return nil
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	timeout := t.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, err := t.dialURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for k, v := range t.cfg.Options.Headers {
		header.Set(k, v)
	}
	for k, v := range t.cfg.Options.Auth {
		if k == "token" {
			header.Set("Authorization", "Bearer "+v)
			continue
		}
		header.Set("X-Auth-"+k, v)
	}

	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *WSTransport) dialURL() (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if ns := t.cfg.Namespace; ns != "" && ns != "/" {
		u.Path = ns
	}
	if len(t.cfg.Options.Query) > 0 {
		q := u.Query()
		for k, v := range t.cfg.Options.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn, cb Callbacks) {
	for {
		var frame wireFrame
		err := wsjson.Read(ctx, conn, &frame)
		if err == nil {
			if cb.OnAnyEvent != nil && frame.Event != "" {
				cb.OnAnyEvent(frame.Event, PayloadText(frame.Payload))
			}
			continue
		}

		if t.isClosed() || errors.Is(err, context.Canceled) {
			t.emitClose(cb, "client disconnect")
			return
		}

		if cb.OnError != nil {
			cb.OnError(&TransportError{Op: "read", Err: err})
		}
		if !t.cfg.Options.Reconnection {
			t.emitClose(cb, "transport closed")
			return
		}

		next, ok := t.redial(ctx, cb)
		if !ok {
			t.emitClose(cb, "transport closed")
			return
		}
		conn = next
	}
}

// redial retries the dial with exponential backoff until it succeeds or the
// transport is disconnected.
func (t *WSTransport) redial(ctx context.Context, cb Callbacks) (*websocket.Conn, bool) {
	delay := redialBaseDelay
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}
		if t.isClosed() {
			return nil, false
		}

		conn, err := t.dial(ctx)
		if err == nil {
			t.mu.Lock()
			t.conn = conn
			t.mu.Unlock()
			if cb.OnConnect != nil {
				cb.OnConnect()
			}
			return conn, true
		}
		if cb.OnError != nil {
			cb.OnError(&TransportError{Op: "redial", Err: err})
		}
		delay *= 2
		if delay > redialMaxDelay {
			delay = redialMaxDelay
		}
	}
}

func (t *WSTransport) emitClose(cb Callbacks, reason string) {
	if cb.OnClose != nil {
		cb.OnClose(reason)
	}
}

func (t *WSTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *WSTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

func (t *WSTransport) Emit(ctx context.Context, eventName string, payload string) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed || conn == nil {
		return &TransportError{Op: "emit", Err: ErrNotConnected}
	}
	frame := wireFrame{
		Event:   eventName,
		Payload: EncodePayload(payload),
	}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return &TransportError{Op: "emit", Err: err}
	}
	return nil
}
