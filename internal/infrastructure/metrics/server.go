package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/parkgate-core/internal/infrastructure/config"
)

const readHeaderTimeout = 5 * time.Second

// ErrServerRunning is returned by Start on a server that is already running.
var ErrServerRunning = errors.New("metrics: server already running")

// Server serves the registry on the configured path plus /health.
type Server struct {
	listen  string
	path    string
	metrics *Metrics

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics server. An empty path defaults to /metrics.
func NewServer(cfg config.MetricsConfig, m *Metrics) *Server {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	return &Server{
		listen:  cfg.Listen,
		path:    path,
		metrics: m,
	}
}

// Start binds the listen address and serves in the background. Bind
// errors are returned; the server runs until Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return ErrServerRunning
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.metrics.Registry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", s.listen, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.server = srv
	s.listener = ln

	go srv.Serve(ln) //nolint:errcheck // returns ErrServerClosed on Shutdown

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight scrapes until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}
	return nil
}
