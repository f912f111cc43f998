// Package health serves the bot's liveness and metrics endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server provides /healthz and /metrics over HTTP.
// It runs in a background goroutine and can be gracefully shut down.
type Server struct {
	server   *http.Server
	listener net.Listener
	ledger   Pinger
	logger   zerolog.Logger
}

// Response is the JSON body of /healthz.
type Response struct {
	Status string `json:"status"`
	Ledger string `json:"ledger"`
	Error  string `json:"error,omitempty"`
}

// NewServer creates a health server listening on addr (for example ":8080").
// metrics may be nil, in which case /metrics is not registered.
func NewServer(addr string, ledger Pinger, metrics http.Handler, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		ledger: ledger,
		logger: logger,
	}

	mux.HandleFunc("/healthz", s.handleHealthz)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	return s
}

// Start binds the listener and serves in a background goroutine.
// Returns an error if the address cannot be bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		s.logger.Debug().Str("addr", ln.Addr().String()).Msg("health server starting")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("health server error")
		}
		s.logger.Debug().Msg("health server stopped")
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleHealthz returns 200 when the ledger answers a ping, 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := Response{Status: "healthy", Ledger: "connected"}
	statusCode := http.StatusOK

	if err := s.ledger.Ping(ctx); err != nil {
		response = Response{Status: "unhealthy", Ledger: "disconnected", Error: err.Error()}
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode health response")
	}
}
