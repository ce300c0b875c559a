// Package server is the hub's HTTP layer: it binds the listener, serves the
// WebSocket endpoint and exposes the port and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/lightforgemedia/go-wshub/pkg/broker"
	"github.com/lightforgemedia/go-wshub/pkg/shared_types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultPath              = "/ws"
	defaultReadHeaderTimeout = 10 * time.Second
)

type serverConfig struct {
	logger   *slog.Logger
	host     string
	port     int // 0 selects an ephemeral port
	path     string
	portFile string
	metrics  bool
}

// Option configures the Server.
type Option func(*serverConfig)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(c *serverConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAddr sets the bind address. Port 0 binds an ephemeral port, readable
// through Port after Listen.
func WithAddr(host string, port int) Option {
	return func(c *serverConfig) {
		c.host = host
		c.port = port
	}
}

// WithPath sets the WebSocket endpoint path. Default is /ws.
func WithPath(path string) Option {
	return func(c *serverConfig) {
		if path != "" {
			c.path = path
		}
	}
}

// WithPortFile writes the bound port as JSON to path, for peers that
// rediscover the hub after a restart. The file is removed on Shutdown.
func WithPortFile(path string) Option {
	return func(c *serverConfig) {
		c.portFile = path
	}
}

// WithMetrics toggles the /metrics endpoint. Enabled by default.
func WithMetrics(enabled bool) Option {
	return func(c *serverConfig) {
		c.metrics = enabled
	}
}

// Server serves one broker over HTTP.
type Server struct {
	broker *broker.Broker
	config serverConfig

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	port     int
}

// New creates a Server for b. Nothing is bound until Listen or Serve.
func New(b *broker.Broker, opts ...Option) *Server {
	cfg := serverConfig{
		logger:  slog.Default(),
		host:    "127.0.0.1",
		path:    defaultPath,
		metrics: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{broker: b, config: cfg}
}

// Handler returns the mux: the WebSocket endpoint, /port, /health and,
// when enabled, /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.path, s.broker.UpgradeHandler())
	mux.HandleFunc("/port", s.handlePort)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintln(w, "OK") })
	if s.config.metrics {
		mux.Handle("/metrics", promhttp.HandlerFor(s.broker.Gatherer(), promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) handlePort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.portInfo())
}

func (s *Server) portInfo() shared_types.PortInfo {
	return shared_types.PortInfo{Port: s.Port(), Path: s.config.path}
}

// Listen binds the listener. With port 0 the kernel picks a free port.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server: already listening")
	}
	addr := net.JoinHostPort(s.config.host, strconv.Itoa(s.config.port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	s.listener = l
	s.port = l.Addr().(*net.TCPAddr).Port
	s.config.logger.Info(fmt.Sprintf("Server: Listening on %s (ws path %s)", l.Addr(), s.config.path))

	if s.config.portFile != "" {
		if err := writePortFile(s.config.portFile, shared_types.PortInfo{Port: s.port, Path: s.config.path}); err != nil {
			s.config.logger.Warn(fmt.Sprintf("Server: Failed to write port file %s: %v", s.config.portFile, err))
		}
	}
	return nil
}

// writePortFile replaces path atomically so readers never see a partial file.
func writePortFile(path string, info shared_types.PortInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".port-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Port returns the bound port, or 0 before Listen.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Addr returns host:port of the listener.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.host, strconv.Itoa(s.Port()))
}

// URL returns the WebSocket URL peers dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + s.config.path
}

// HTTPURL returns the base URL of the HTTP endpoints.
func (s *Server) HTTPURL() string {
	return "http://" + s.Addr()
}

// Serve accepts connections until ctx is done or Shutdown is called. It binds
// first if Listen has not been called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	bound := s.listener != nil
	s.mu.Unlock()
	if !bound {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.httpSrv != nil {
		s.mu.Unlock()
		return errors.New("server: already serving")
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	s.httpSrv = srv
	l := s.listener
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	})
	defer stop()

	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting and removes the port file. Hijacked WebSocket
// connections are not touched; shut the broker down to close them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, l := s.httpSrv, s.listener
	s.httpSrv, s.listener = nil, nil
	s.mu.Unlock()

	var err error
	switch {
	case srv != nil:
		err = srv.Shutdown(ctx)
	case l != nil:
		err = l.Close()
	}
	if s.config.portFile != "" && (srv != nil || l != nil) {
		if rmErr := os.Remove(s.config.portFile); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.config.logger.Warn(fmt.Sprintf("Server: Failed to remove port file: %v", rmErr))
		}
	}
	s.config.logger.Info(fmt.Sprintf("Server: Stopped listening on port %d", s.Port()))
	return err
}
