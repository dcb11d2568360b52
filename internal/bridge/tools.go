package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-sockdock/internal/persistence"
	"github.com/basket/go-sockdock/internal/socket"
)

// SocketManager is the slice of the connection manager the bridge drives.
type SocketManager interface {
	Connect(ctx context.Context, id int64) error
	Disconnect(ctx context.Context, id int64, reason string) error
	Emit(ctx context.Context, id int64, eventName, payload string) error
	AddListener(id int64, eventName string) error
	RemoveListener(id int64, eventName string)
	ListListeners(id int64) []string
	BufferedEvents(id int64, limit int) []socket.BufferedEvent
	Status(id int64) socket.Status
	ActiveConnectionID() int64
	ResetConnecting(id int64)
}

// Store is the slice of the persistence layer the bridge reads and writes.
type Store interface {
	ListConnections(ctx context.Context) ([]persistence.Connection, error)
	ListSubscriptions(ctx context.Context, connectionID int64) ([]persistence.Subscription, error)
	AddSubscription(ctx context.Context, connectionID int64, eventName string) (int64, error)
	ToggleSubscription(ctx context.Context, id int64, listening bool) error
}

// toolDef is one entry in the tool catalog, with its input schema compiled
// for argument validation.
type toolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`

	schema *jsonschema.Schema
}

const emptyObjectSchema = `{"type":"object","properties":{},"required":[]}`

func toolCatalog() ([]*toolDef, error) {
	defs := []*toolDef{
		{
			Name:        "list_connections",
			Description: "List saved connection profiles",
			InputSchema: json.RawMessage(emptyObjectSchema),
		},
		{
			Name:        "get_connection_status",
			Description: "Get the current connection status",
			InputSchema: json.RawMessage(emptyObjectSchema),
		},
		{
			Name:        "connect",
			Description: "Connect to a server by connection ID",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"connection_id": {
						"type": "integer",
						"description": "The connection ID to connect to"
					}
				},
				"required": ["connection_id"]
			}`),
		},
		{
			Name:        "disconnect",
			Description: "Disconnect from the current server",
			InputSchema: json.RawMessage(emptyObjectSchema),
		},
		{
			Name:        "send_message",
			Description: "Send an event with payload to the server",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"event_name": {
						"type": "string",
						"description": "The event name to send"
					},
					"payload": {
						"type": "string",
						"description": "The JSON payload to send"
					}
				},
				"required": ["event_name", "payload"]
			}`),
		},
		{
			Name:        "get_recent_events",
			Description: "Get recent events received on the current connection",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"limit": {
						"type": "integer",
						"description": "Maximum number of events to return (default: 50)"
					}
				},
				"required": []
			}`),
		},
		{
			Name:        "list_event_listeners",
			Description: "List all current event listeners",
			InputSchema: json.RawMessage(emptyObjectSchema),
		},
		{
			Name:        "add_event_listener",
			Description: "Add an event listener for incoming events",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"event_name": {
						"type": "string",
						"description": "The event name to listen for"
					}
				},
				"required": ["event_name"]
			}`),
		},
		{
			Name:        "remove_event_listener",
			Description: "Remove an event listener",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"event_name": {
						"type": "string",
						"description": "The event name to stop listening for"
					}
				},
				"required": ["event_name"]
			}`),
		},
	}

	for _, def := range defs {
		schema, err := compileSchema(def.Name, def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", def.Name, err)
		}
		def.schema = schema
	}
	return defs, nil
}

func compileSchema(name string, schemaJSON json.RawMessage) (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateArgs checks raw tool arguments against the tool's input schema.
func (d *toolDef) validateArgs(raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := d.schema.Validate(parsed); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// executeTool runs one tool against the manager and store. An error return
// becomes an isError tool result, not a protocol error.
func (s *Server) executeTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "list_connections":
		return s.toolListConnections(ctx)
	case "get_connection_status":
		return s.toolConnectionStatus(), nil
	case "connect":
		return s.toolConnect(ctx, args)
	case "disconnect":
		return s.toolDisconnect(ctx)
	case "send_message":
		return s.toolSendMessage(ctx, args)
	case "get_recent_events":
		return s.toolRecentEvents(args), nil
	case "list_event_listeners":
		return s.toolListListeners(ctx)
	case "add_event_listener":
		return s.toolAddListener(ctx, args)
	case "remove_event_listener":
		return s.toolRemoveListener(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func (s *Server) toolListConnections(ctx context.Context) (any, error) {
	profiles, err := s.store.ListConnections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	connections := make([]map[string]any, 0, len(profiles))
	for _, p := range profiles {
		connections = append(connections, map[string]any{
			"id":        p.ID,
			"name":      p.Name,
			"url":       p.URL,
			"namespace": p.Namespace,
		})
	}
	return map[string]any{"connections": connections}, nil
}

func (s *Server) toolConnectionStatus() any {
	active := s.manager.ActiveConnectionID()
	result := map[string]any{
		"status":                string(socket.StatusDisconnected),
		"current_connection_id": nil,
	}
	if active != 0 {
		result["status"] = string(s.manager.Status(active))
		result["current_connection_id"] = active
	}
	return result
}

// toolConnect bounds the connect attempt with the configured timeout. The
// in-flight guard is reset first so a previous aborted attempt cannot lock
// the tool out, and reset again on failure or timeout so a retry is safe.
func (s *Server) toolConnect(ctx context.Context, args map[string]any) (any, error) {
	id, ok := intArg(args, "connection_id")
	if !ok {
		return nil, fmt.Errorf("connection_id is required")
	}

	s.manager.ResetConnecting(id)

	done := make(chan error, 1)
	go func() {
		done <- s.manager.Connect(context.Background(), id)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.manager.ResetConnecting(id)
			return nil, err
		}
		return map[string]any{"ok": true, "message": "Connection initiated"}, nil
	case <-time.After(s.connectTimeout):
		s.manager.ResetConnecting(id)
		return nil, fmt.Errorf("connection timeout")
	case <-ctx.Done():
		s.manager.ResetConnecting(id)
		return nil, ctx.Err()
	}
}

// toolDisconnect succeeds even with nothing connected; disconnecting an
// absent session is a no-op in the manager.
func (s *Server) toolDisconnect(ctx context.Context) (any, error) {
	if err := s.manager.Disconnect(ctx, s.manager.ActiveConnectionID(), "mcp"); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "message": "Disconnected"}, nil
}

func (s *Server) toolSendMessage(ctx context.Context, args map[string]any) (any, error) {
	eventName, ok := stringArg(args, "event_name")
	if !ok {
		return nil, fmt.Errorf("event_name is required")
	}
	payload, ok := stringArg(args, "payload")
	if !ok {
		return nil, fmt.Errorf("payload is required")
	}
	// No pre-check: an emit against a missing or idle session reports the
	// manager's own not-connected failure.
	if err := s.manager.Emit(ctx, s.manager.ActiveConnectionID(), eventName, payload); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "message": "Message sent"}, nil
}

func (s *Server) toolRecentEvents(args map[string]any) any {
	limit := 50
	if n, ok := intArg(args, "limit"); ok && n > 0 {
		limit = int(n)
	}
	active := s.manager.ActiveConnectionID()
	events := make([]map[string]any, 0)
	if active != 0 {
		for _, ev := range s.manager.BufferedEvents(active, limit) {
			events = append(events, map[string]any{
				"event_name": ev.EventName,
				"payload":    ev.Payload,
				"timestamp":  ev.Timestamp.Format(time.RFC3339Nano),
				"direction":  ev.Direction,
			})
		}
	}
	return map[string]any{"events": events}
}

func (s *Server) toolListListeners(ctx context.Context) (any, error) {
	active := s.manager.ActiveConnectionID()

	persisted := make(map[string]bool)
	var connectionID any
	if active != 0 {
		connectionID = active
		subs, err := s.store.ListSubscriptions(ctx, active)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		for _, sub := range subs {
			if sub.Listening {
				persisted[sub.EventName] = true
			}
		}
	}

	listeners := make([]map[string]any, 0)
	if active != 0 {
		for _, name := range s.manager.ListListeners(active) {
			listeners = append(listeners, map[string]any{
				"event_name": name,
				"persisted":  persisted[name],
			})
		}
	}
	return map[string]any{"listeners": listeners, "connection_id": connectionID}, nil
}

func (s *Server) toolAddListener(ctx context.Context, args map[string]any) (any, error) {
	eventName, ok := stringArg(args, "event_name")
	if !ok {
		return nil, fmt.Errorf("event_name is required")
	}
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return nil, fmt.Errorf("event name cannot be empty")
	}

	persisted := false
	if active := s.manager.ActiveConnectionID(); active != 0 {
		if err := s.manager.AddListener(active, eventName); err != nil {
			return nil, err
		}

		subs, err := s.store.ListSubscriptions(ctx, active)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		found := false
		for _, sub := range subs {
			if sub.EventName != eventName {
				continue
			}
			found = true
			if !sub.Listening {
				if err := s.store.ToggleSubscription(ctx, sub.ID, true); err != nil {
					return nil, fmt.Errorf("enable subscription: %w", err)
				}
			}
			break
		}
		if !found {
			if _, err := s.store.AddSubscription(ctx, active, eventName); err != nil {
				return nil, fmt.Errorf("add subscription: %w", err)
			}
		}
		persisted = true
	}

	message := "Listener added (not persisted)"
	if persisted {
		message = "Listener added and persisted"
	}
	return map[string]any{"ok": true, "message": message}, nil
}

func (s *Server) toolRemoveListener(ctx context.Context, args map[string]any) (any, error) {
	eventName, ok := stringArg(args, "event_name")
	if !ok {
		return nil, fmt.Errorf("event_name is required")
	}
	eventName = strings.TrimSpace(eventName)

	active := s.manager.ActiveConnectionID()
	if active != 0 {
		s.manager.RemoveListener(active, eventName)

		subs, err := s.store.ListSubscriptions(ctx, active)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		for _, sub := range subs {
			if sub.EventName == eventName && sub.Listening {
				if err := s.store.ToggleSubscription(ctx, sub.ID, false); err != nil {
					return nil, fmt.Errorf("disable subscription: %w", err)
				}
				break
			}
		}
	}
	return map[string]any{"ok": true, "message": "Listener removed"}, nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func intArg(args map[string]any, key string) (int64, bool) {
	switch v := args[key].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
