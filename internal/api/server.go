// Package api implements the HTTP surface: chat, webhook ingestion,
// status introspection, and a websocket event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cairnlabs/cairn/internal/buildinfo"
	"github.com/cairnlabs/cairn/internal/events"
	"github.com/cairnlabs/cairn/internal/webhook"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ChatFunc runs a synchronous chat exchange for an identity.
type ChatFunc func(ctx context.Context, identityID, message string) (string, error)

// StatsFunc reports a component's operational counters.
type StatsFunc func() map[string]any

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	chat    ChatFunc
	hooks   *webhook.Handler
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server

	statsFns map[string]StatsFunc
	upgrader websocket.Upgrader
}

// NewServer creates the API server. hooks and bus may be nil; the
// corresponding routes then report unavailability.
func NewServer(address string, port int, chat ChatFunc, hooks *webhook.Handler, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		chat:     chat,
		hooks:    hooks,
		bus:      bus,
		logger:   logger.With("component", "api"),
		statsFns: make(map[string]StatsFunc),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The stream carries operational telemetry only; it is
			// reachable from any origin the listener is.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RegisterStats exposes a component's counters under /v1/status.
func (s *Server) RegisterStats(name string, fn StatsFunc) {
	s.statsFns[name] = fn
}

// Handler builds the route table. Exposed for tests; Start wraps it in
// an http.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)

	if s.hooks != nil {
		mux.HandleFunc("POST /invoke/{key}", s.hooks.Invoke)
	}

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // chat turns can run long
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
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

type chatRequest struct {
	Identity string `json:"identity"`
	Message  string `json:"message"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	req.Identity = strings.TrimSpace(req.Identity)
	if req.Identity == "" || strings.TrimSpace(req.Message) == "" {
		http.Error(w, "identity and message are required", http.StatusBadRequest)
		return
	}
	if s.chat == nil {
		http.Error(w, "chat unavailable", http.StatusServiceUnavailable)
		return
	}

	reply, err := s.chat(r.Context(), req.Identity, req.Message)
	if err != nil {
		s.logger.Error("chat turn failed", "identity", req.Identity, "error", err)
		http.Error(w, "turn failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, chatResponse{Reply: reply}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": buildinfo.Uptime().Round(time.Second).String(),
	}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"build":  buildinfo.Info(),
		"uptime": buildinfo.Uptime().Round(time.Second).String(),
	}
	for name, fn := range s.statsFns {
		status[name] = fn()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, status, s.logger)
}

// handleEvents upgrades to a websocket and streams bus events until
// the client disconnects. Slow clients miss events rather than
// backpressuring publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	// Reader goroutine: we never expect client frames, but reading is
	// how we notice the peer closed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
