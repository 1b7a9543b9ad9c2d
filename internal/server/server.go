// Package server exposes the bridge over HTTP: provisioning, liveness,
// the relay WebSocket endpoint and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

const (
	defaultMaxBodyBytes    = 1 << 20
	defaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// Provisioner resolves or creates the channel of a visitor.
type Provisioner interface {
	Provision(ctx context.Context, identity domain.VisitorIdentity) (domain.Channel, error)
}

// Config configures the HTTP server.
type Config struct {
	Host            string
	Port            int
	Provisioner     Provisioner
	Relay           http.Handler
	RelayPath       string
	MetricsEndpoint string // empty disables /metrics
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	Version         string
	Logger          *slog.Logger
}

// Server is the bridge's HTTP front.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

func New(cfg Config) *Server {
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.RelayPath == "" {
		cfg.RelayPath = "/ws"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger.With("component", "http")}
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /provision", s.handleProvision)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ping", s.handleHealth)
	if s.cfg.Relay != nil {
		mux.Handle("GET "+s.cfg.RelayPath, s.cfg.Relay)
	}
	if s.cfg.MetricsEndpoint != "" {
		mux.Handle("GET "+s.cfg.MetricsEndpoint, metrics.Handler())
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", "addr", addr, "relay", s.cfg.RelayPath)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

type provisionRequest struct {
	Identity string `json:"identity"`
	Email    string `json:"email"`
}

type provisionResponse struct {
	Success     bool   `json:"success"`
	ChannelID   string `json:"channelId"`
	DisplayName string `json:"displayName"`
	Exists      bool   `json:"exists"`
}

func (s *Server) handleProvision(rw http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(rw, r.Body, s.cfg.MaxBodyBytes)

	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(rw, &domain.ProtocolError{Reason: "invalid request body", Err: err})
		return
	}
	raw := req.Identity
	if raw == "" {
		raw = req.Email
	}
	identity, err := domain.ParseVisitorIdentity(raw)
	if err != nil {
		s.writeError(rw, err)
		return
	}

	ch, err := s.cfg.Provisioner.Provision(r.Context(), identity)
	if err != nil {
		s.logger.Error("provision failed", "identity", identity, "err", err)
		s.writeError(rw, err)
		return
	}

	writeJSON(rw, http.StatusOK, provisionResponse{
		Success:     true,
		ChannelID:   ch.ID,
		DisplayName: ch.DisplayName,
		Exists:      ch.Exists,
	})
}

func (s *Server) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{
		"message": "chat bridge is running",
		"version": s.cfg.Version,
	})
}

func (s *Server) writeError(rw http.ResponseWriter, err error) {
	writeJSON(rw, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		perr *domain.ProtocolError
		cerr *domain.ConflictError
		ferr *domain.ConfigurationError
		derr *domain.DeliveryError
	)
	switch {
	case errors.As(err, &perr):
		return http.StatusBadRequest
	case errors.As(err, &cerr):
		return http.StatusConflict
	case errors.As(err, &ferr):
		return http.StatusInternalServerError
	case errors.As(err, &derr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
