// Package health serves liveness, status and metrics over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"crypto-stats-worker/internal/scheduler"
	"crypto-stats-worker/internal/version"
)

// StatusSource reports the scheduler status.
type StatusSource interface {
	Status() scheduler.Status
}

// Pinger is a dependency probed by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Circuit   string            `json:"circuit"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

type check struct {
	name   string
	pinger Pinger
}

const checkTimeout = 2 * time.Second

// StatusResponse is the /status body.
type StatusResponse struct {
	Service string           `json:"service"`
	Build   version.Info     `json:"build"`
	Status  scheduler.Status `json:"scheduler"`
}

// Server is the status HTTP listener.
type Server struct {
	service string
	source  StatusSource
	checks  []check
	router  *mux.Router
	srv     *http.Server
	logger  zerolog.Logger
}

// New builds the router. metricsHandler may be nil.
func New(addr, service string, source StatusSource, metricsHandler http.Handler, logger zerolog.Logger) *Server {
	s := &Server{
		service: service,
		source:  source,
		router:  mux.NewRouter(),
		logger:  logger.With().Str("component", "health").Logger(),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if metricsHandler != nil {
		s.router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// AddCheck registers a dependency; /health reports 503 while its Ping fails.
func (s *Server) AddCheck(name string, p Pinger) {
	s.checks = append(s.checks, check{name: name, pinger: p})
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("status server listening")

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("status server stopped")
		}
	}()
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.source.Status()
	resp := HealthResponse{
		Status:    "ok",
		Service:   s.service,
		Version:   version.Version,
		Circuit:   st.Circuit.State.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()
		for _, c := range s.checks {
			if err := c.pinger.Ping(ctx); err != nil {
				s.logger.Warn().Str("check", c.name).Err(err).Msg("health check failed")
				resp.Checks[c.name] = err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[c.name] = "ok"
		}
	}
	if !st.Running {
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Service: s.service,
		Build:   version.Get(),
		Status:  s.source.Status(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
