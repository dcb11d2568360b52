package socket

import (
	"encoding/json"
	"strings"
)

// Options are the per-profile transport options, parsed tolerantly from the
// profile's free-form options document. Unknown or ill-typed fields are
// ignored rather than failing the connect.
type Options struct {
	// Reconnection enables automatic redial after an unexpected close.
	// Defaults to true when the document does not say otherwise.
	Reconnection bool
	// Auth entries are presented to the server at dial time. A profile-level
	// auth token wins over any "token" entry in the document.
	Auth map[string]string
	// Query entries are appended to the dial URL.
	Query map[string]string
	// Headers are extra HTTP headers sent with the dial request.
	Headers map[string]string
	// WebSocketOnly is set when the document restricts transports to
	// websocket. The default transport is websocket anyway; alternate
	// implementations use this to skip polling fallbacks.
	WebSocketOnly bool
}

type rawOptions struct {
	Reconnection *bool          `json:"reconnection"`
	Auth         map[string]any `json:"auth"`
	Query        map[string]any `json:"query"`
	ExtraHeaders map[string]any `json:"extraHeaders"`
	Transports   []any          `json:"transports"`
}

// ParseOptions decodes a profile options document. authToken, when
// non-empty, overrides any token carried in the document's auth map.
func ParseOptions(doc string, authToken string) Options {
	opts := Options{Reconnection: true}

	var raw rawOptions
	if doc != "" {
		// Tolerant parse: a malformed document degrades to defaults.
		_ = json.Unmarshal([]byte(doc), &raw)
	}

	if raw.Reconnection != nil {
		opts.Reconnection = *raw.Reconnection
	}
	opts.Auth = stringEntries(raw.Auth)
	opts.Query = stringEntries(raw.Query)
	opts.Headers = stringEntries(raw.ExtraHeaders)
	for _, tr := range raw.Transports {
		if name, ok := tr.(string); ok && name == "websocket" {
			opts.WebSocketOnly = true
		}
	}

	if authToken != "" {
		if opts.Auth == nil {
			opts.Auth = make(map[string]string, 1)
		}
		opts.Auth["token"] = authToken
	}
	return opts
}

// stringEntries keeps the string-valued entries of a loosely typed map and
// stringifies scalar values; nested documents are dropped.
func stringEntries(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool, float64:
			b, err := json.Marshal(val)
			if err == nil {
				out[k] = string(b)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// PayloadText renders an event payload for display and storage. A
// single-element array is flattened to its element, and a bare JSON string
// is unquoted; anything else passes through as raw JSON text.
func PayloadText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == 1 {
		raw = arr[0]
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// EncodePayload turns operator-supplied payload text into a JSON value:
// valid JSON passes through untouched, anything else becomes a JSON string.
func EncodePayload(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	b, err := json.Marshal(text)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return b
}
