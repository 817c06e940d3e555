// Package a2a serves the bridge to other agents: the discovery card, a
// JSON-RPC 2.0 message/send endpoint, and a plain JSON endpoint for
// humans with curl.
package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/m5bridge/internal/buildinfo"
	"github.com/nugget/m5bridge/internal/connwatch"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 1 << 20

// Handler answers one instruction. *router.Router implements it.
type Handler interface {
	Reply(ctx context.Context, text string) string
}

// HealthReporter reports watched service state for /health.
type HealthReporter interface {
	Status() map[string]connwatch.ServiceStatus
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the inbound HTTP server.
type Server struct {
	address string
	port    int
	card    AgentCard
	handler Handler
	health  HealthReporter
	metrics http.Handler
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewServer creates a server that answers messages with h.
func NewServer(address string, port int, card AgentCard, h Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		card:    card,
		handler: h,
		logger:  logger,
	}
}

// SetHealth configures the reporter behind /health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// SetMetricsHandler mounts h at /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// Handler returns the routed, logged handler Start serves.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Discovery and A2A JSON-RPC
	mux.HandleFunc("GET "+CardPath, s.handleCard)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("POST /a2a", s.handleRPC)

	// Plain JSON for curl
	mux.HandleFunc("POST /v1/message", s.handleMessage)

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.withLogging(mux)
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown, including when Shutdown ran first.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting A2A server", "address", addr, "port", s.port)
	s.logger.Info("agent card available", "url", fmt.Sprintf("http://localhost:%d%s", s.port, CardPath))

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	}, s.logger)
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.card.forRequest(r), s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// HealthResponse is the /health body. Status is "healthy" when every
// watched service is ready, otherwise "degraded". The bridge itself is
// up either way, so the HTTP status is always 200.
type HealthResponse struct {
	Status   string                             `json:"status"`
	Services map[string]connwatch.ServiceStatus `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy"}
	if s.health != nil {
		resp.Services = s.health.Status()
		for _, st := range resp.Services {
			if !st.Ready {
				resp.Status = "degraded"
				break
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// TextMessage is the /v1/message request and response body.
type TextMessage struct {
	Text string `json:"text"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req TextMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// Empty text routes like any other instruction and gets the help reply.
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, TextMessage{Text: s.handler.Reply(r.Context(), req.Text)}, s.logger)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeRPC(w, rpcResponse{Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}
	resp := rpcResponse{ID: req.ID}

	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		resp.Error = &rpcError{Code: codeInvalidRequest, Message: "invalid request"}
		s.writeRPC(w, resp)
		return
	}

	switch req.Method {
	case MethodSendMessage:
		msg, rpcErr := s.sendMessage(r.Context(), req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = msg
		}
	default:
		s.logger.Debug("unknown JSON-RPC method", "method", req.Method)
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}

	s.writeRPC(w, resp)
}

func (s *Server) sendMessage(ctx context.Context, raw json.RawMessage) (*Message, *rpcError) {
	var params SendParams
	if len(raw) == 0 {
		return nil, &rpcError{Code: codeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
	}

	text, ok := params.Message.FirstText()
	if !ok {
		return nil, &rpcError{Code: codeInvalidParams, Message: "message has no text part"}
	}

	contextID := params.Message.ContextID
	if contextID == "" {
		contextID = uuid.New().String()
	}

	reply := s.handler.Reply(ctx, text)
	return &Message{
		Kind:      "message",
		Role:      RoleAgent,
		Parts:     []Part{{Kind: PartText, Text: reply}},
		MessageID: uuid.New().String(),
		ContextID: contextID,
	}, nil
}

func (s *Server) writeRPC(w http.ResponseWriter, resp rpcResponse) {
	resp.JSONRPC = jsonrpcVersion
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}
