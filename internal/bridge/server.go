package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	sdotel "github.com/basket/go-sockdock/internal/otel"
)

const serverName = "sockdock-bridge"
const serverVersion = "0.1.0"

// Config wires the bridge server.
type Config struct {
	BindAddr       string
	ConnectTimeout time.Duration
	Manager        SocketManager
	Store          Store
	Logger         *slog.Logger
	Tracer         trace.Tracer
}

// Server is the automation bridge: JSON-RPC 2.0 over POST with responses
// mirrored to every SSE subscriber.
type Server struct {
	manager        SocketManager
	store          Store
	broadcaster    *Broadcaster
	tools          []*toolDef
	log            *slog.Logger
	tracer         trace.Tracer
	connectTimeout time.Duration

	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	tools, err := toolCatalog()
	if err != nil {
		return nil, fmt.Errorf("build tool catalog: %w", err)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(sdotel.TracerName)
	}
	logger := cfg.Logger.With("component", "bridge")
	return &Server{
		manager:        cfg.Manager,
		store:          cfg.Store,
		broadcaster:    NewBroadcaster(logger),
		tools:          tools,
		log:            logger,
		tracer:         tracer,
		connectTimeout: cfg.ConnectTimeout,
		httpSrv: &http.Server{
			Addr:              cfg.BindAddr,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler returns the bridge's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", s.handleSSE)
	mux.HandleFunc("/message", s.handleMessage)
	return corsAny(mux)
}

// Start begins listening on the configured address. It returns once the
// listener is bound; Serve runs on its own goroutine until Stop.
func (s *Server) Start() error {
	s.httpSrv.Handler = s.Handler()
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("bridge listen %s: %w", s.httpSrv.Addr, err)
	}
	s.log.Info("bridge listening", "addr", ln.Addr().String())
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("bridge serve failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// corsAny allows any origin. The bridge binds to loopback by default; the
// open CORS policy is for local browser-based automation clients.
func corsAny(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleSSE streams broadcast responses to one client. POST to /sse is
// accepted as an alias of /message for clients that reuse the endpoint.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		s.handleMessage(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, ch := s.broadcaster.Register()
	defer s.broadcaster.Unregister(id)

	// MCP HTTP+SSE handshake: tell the client where to POST.
	fmt.Fprintf(w, "event: endpoint\ndata: /message\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// handleMessage processes one JSON-RPC request. The response goes back in
// the HTTP body and is also broadcast to SSE subscribers.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	resp := s.process(r.Context(), body)

	out, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("marshal response failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.broadcaster.Broadcast(out)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) process(ctx context.Context, body []byte) *rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(nil, codeParseError, "Parse error")
	}

	ctx, span := sdotel.StartServerSpan(ctx, s.tracer, "bridge.rpc",
		sdotel.AttrRPCMethod.String(req.Method),
	)
	defer span.End()

	switch req.Method {
	case "initialize":
		return successResponse(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			"serverInfo": map[string]any{
				"name":    serverName,
				"version": serverVersion,
			},
		})

	case "notifications/initialized":
		return successResponse(req.ID, map[string]any{})

	case "tools/list":
		return successResponse(req.ID, map[string]any{"tools": s.tools})

	case "tools/call":
		return s.handleToolCall(ctx, req)

	case "ping":
		return successResponse(req.ID, map[string]any{})

	default:
		if len(req.ID) == 0 {
			// Unknown notifications are acknowledged silently.
			return successResponse(nil, map[string]any{})
		}
		return errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}
}

func (s *Server) handleToolCall(ctx context.Context, req rpcRequest) *rpcResponse {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, codeInvalidParams, "Invalid params")
		}
	}
	if params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, "Missing tool name")
	}

	ctx, span := sdotel.StartSpan(ctx, s.tracer, "bridge.tool",
		sdotel.AttrToolName.String(params.Name),
	)
	defer span.End()

	var def *toolDef
	for _, d := range s.tools {
		if d.Name == params.Name {
			def = d
			break
		}
	}
	if def != nil {
		if err := def.validateArgs(params.Arguments); err != nil {
			return successResponse(req.ID, toolResult(err.Error(), true))
		}
	}

	args := map[string]any{}
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return successResponse(req.ID, toolResult("arguments must be an object", true))
		}
	}

	s.log.Info("tool call", "tool", params.Name)
	result, err := s.executeTool(ctx, params.Name, args)
	if err != nil {
		s.log.Warn("tool call failed", "tool", params.Name, "error", err)
		return successResponse(req.ID, toolResult(err.Error(), true))
	}

	text, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return successResponse(req.ID, toolResult(err.Error(), true))
	}
	return successResponse(req.ID, toolResult(string(text), false))
}
