// Package gateway exposes a websocket endpoint external producers use to
// create work tasks without importing this module directly.
//
// The surface is deliberately small: submitting a work task, reading a
// task back, and reading queue/worker status. The gateway is a thin
// transport shim over internal/store and internal/dispatcher and carries
// no scheduling logic of its own.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/taskfabric/fabric/internal/dispatcher"
	"github.com/taskfabric/fabric/internal/store"
)

// JSON-RPC style error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603
	ErrCodeInvalid        = 1000
)

// Config holds the gateway's dependencies.
type Config struct {
	Store      *store.Store
	Dispatcher *dispatcher.Dispatcher

	// AuthToken, if non-empty, is required as a Bearer token on every
	// connection. Empty means the gateway refuses all connections.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser
	// WebSocket connections. Empty means same-origin only.
	AllowOrigins []string

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server serves the work-submission websocket endpoint.
type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg.withDefaults(), clients: map[*client]struct{}{}}
}

// Handler returns the HTTP handler serving /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	_, _, err := s.cfg.Store.TaskCounts(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy": false})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"healthy": true})
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.cfg.Logger.Info("gateway: client connected")
	defer func() {
		s.removeClient(c)
		s.cfg.Logger.Info("gateway: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			s.cfg.Logger.Info("gateway: read error, closing", "error", err)
			return
		}
		resp := s.handleRPC(r.Context(), req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.cfg.Logger.Error("gateway: write response error", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) handleRPC(ctx context.Context, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"}}
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "task.submit":
		var p struct {
			TaskType string         `json:"task_type"`
			Payload  map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || strings.TrimSpace(p.TaskType) == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "task_type is required"}
			break
		}
		taskID, err := s.cfg.Store.TaskCreate(ctx, p.TaskType, p.Payload)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"task_id": taskID}
	case "task.get":
		var p struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.TaskID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "task_id is required"}
			break
		}
		task, err := s.cfg.Store.TaskGet(ctx, p.TaskID)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		if task == nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "task not found"}
			break
		}
		result = task
	case "system.status":
		pending, running, err := s.cfg.Store.TaskCounts(ctx)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		status := map[string]any{
			"queue_depth":   pending,
			"running_tasks": running,
		}
		if s.cfg.Dispatcher != nil {
			snap := s.cfg.Dispatcher.Snapshot()
			status["pending_work"] = snap.Pending
			status["inflight_work"] = snap.Inflight
		}
		result = status
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}
