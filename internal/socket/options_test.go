package socket

import (
	"encoding/json"
	"testing"
)

func TestParseOptions_Defaults(t *testing.T) {
	opts := ParseOptions("", "")
	if !opts.Reconnection {
		t.Fatal("reconnection should default to true")
	}
	if opts.Auth != nil || opts.Query != nil || opts.Headers != nil {
		t.Fatalf("unexpected non-empty maps: %+v", opts)
	}
}

func TestParseOptions_MalformedDocumentDegrades(t *testing.T) {
	opts := ParseOptions("{nope", "")
	if !opts.Reconnection {
		t.Fatal("malformed document should keep reconnection default")
	}
}

func TestParseOptions_WebSocketOnlyHint(t *testing.T) {
	opts := ParseOptions(`{"transports": ["polling", "websocket"]}`, "")
	if !opts.WebSocketOnly {
		t.Fatal("websocket transport entry should set the hint")
	}
	opts = ParseOptions(`{"transports": ["polling"]}`, "")
	if opts.WebSocketOnly {
		t.Fatal("hint should stay off without a websocket entry")
	}
}

func TestParseOptions_ReconnectionOff(t *testing.T) {
	opts := ParseOptions(`{"reconnection": false}`, "")
	if opts.Reconnection {
		t.Fatal("reconnection should be off")
	}
}

func TestParseOptions_AuthTokenWins(t *testing.T) {
	opts := ParseOptions(`{"auth": {"token": "from-options", "user": "alice"}}`, "profile-token")
	if got := opts.Auth["token"]; got != "profile-token" {
		t.Fatalf("auth token = %q, want profile-token", got)
	}
	if got := opts.Auth["user"]; got != "alice" {
		t.Fatalf("auth user = %q, want alice", got)
	}
}

func TestParseOptions_IgnoresIllTypedEntries(t *testing.T) {
	opts := ParseOptions(`{"query": {"room": "lobby", "nested": {"x": 1}, "n": 7}}`, "")
	if got := opts.Query["room"]; got != "lobby" {
		t.Fatalf("query room = %q", got)
	}
	if _, ok := opts.Query["nested"]; ok {
		t.Fatal("nested object should be dropped")
	}
	if got := opts.Query["n"]; got != "7" {
		t.Fatalf("numeric query entry = %q, want 7", got)
	}
}

func TestPayloadText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare string", `"hello"`, "hello"},
		{"object", `{"a":1}`, `{"a":1}`},
		{"single element array flattens", `[{"a":1}]`, `{"a":1}`},
		{"single string array flattens and unquotes", `["ping"]`, "ping"},
		{"multi element array stays", `[1,2]`, `[1,2]`},
		{"empty", ``, ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PayloadText(json.RawMessage(tt.in))
			if got != tt.want {
				t.Fatalf("PayloadText(%s) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEncodePayload(t *testing.T) {
	if got := string(EncodePayload(`{"a":1}`)); got != `{"a":1}` {
		t.Fatalf("valid JSON should pass through, got %s", got)
	}
	if got := string(EncodePayload("plain text")); got != `"plain text"` {
		t.Fatalf("plain text should be quoted, got %s", got)
	}
	if got := string(EncodePayload("")); got != `""` {
		t.Fatalf("empty payload = %s, want \"\"", got)
	}
}
