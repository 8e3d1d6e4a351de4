// ============================================================================
// Edge-Relay HTTP Surface
// ============================================================================
//
// Package: internal/server
// File: server.go
//
// Routes (each also registered under /api/event/...):
//
//   POST /triggers          edge trigger intake        200 | 400
//   POST /commands          enqueue for an edge        201 | 400 | 409 | 429
//   POST /commands/pull     edge pull                  200 | 204 | 400
//   POST /commands/result   edge result                200 | 400
//   GET  /edges             edge registry
//   GET  /triggers          recent accepted triggers
//   GET  /results           recent correlated results
//   GET  /commands/pending  queued commands
//   POST /mcp               JSON-RPC operator tools
//
// Unauthenticated: GET /healthz, GET /api/health, GET /metrics.
//
// Auth is a shared bearer token compared in constant time. An empty token
// disables auth.
//
// ============================================================================

package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/edge-relay/internal/controller"
)

var log = slog.Default()

// ServiceName is reported by the health endpoints.
const ServiceName = "edge-relay"

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// defaultListLimit applies to list endpoints without ?limit=.
const defaultListLimit = 20

// Option configures a Server.
type Option func(*Server)

// WithToken enables bearer auth.
func WithToken(token string) Option {
	return func(s *Server) { s.token = strings.TrimSpace(token) }
}

// WithMetricsHandler exposes h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// Server serves the relay over HTTP.
type Server struct {
	ctrl    *controller.Controller
	token   string
	metrics http.Handler
	mux     *http.ServeMux
}

// New builds the HTTP surface for ctrl.
func New(ctrl *controller.Controller, opts ...Option) *Server {
	s := &Server{ctrl: ctrl, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	for _, prefix := range []string{"", "/api/event"} {
		s.mux.Handle("POST "+prefix+"/triggers", s.auth(s.handleTrigger))
		s.mux.Handle("GET "+prefix+"/triggers", s.auth(s.handleListTriggers))
		s.mux.Handle("POST "+prefix+"/commands", s.auth(s.handleEnqueue))
		s.mux.Handle("POST "+prefix+"/commands/pull", s.auth(s.handlePull))
		s.mux.Handle("POST "+prefix+"/commands/result", s.auth(s.handleResult))
		s.mux.Handle("GET "+prefix+"/commands/pending", s.auth(s.handleListPending))
		s.mux.Handle("GET "+prefix+"/edges", s.auth(s.handleListEdges))
		s.mux.Handle("GET "+prefix+"/results", s.auth(s.handleListResults))
	}
	s.mux.Handle("POST /mcp", s.auth(s.handleMCP))
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve runs the HTTP server on lis until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", lis.Addr().String())
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info("HTTP server stopped")
	return nil
}

// ============================================================================
// Middleware and helpers
// ============================================================================

func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && !bearerMatches(r.Header.Get("Authorization"), s.token) {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	})
}

func bearerMatches(header, token string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"status": "error", "error": msg})
}
