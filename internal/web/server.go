package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onllm-dev/aipulse/internal/agent"
)

// Scheduler is the part of agent.Scheduler the server drives.
type Scheduler interface {
	Status() agent.Status
	SessionStatus() agent.SessionStatus
	ForceRefresh(ctx context.Context) error
	Resume(ctx context.Context) error
	Start()
	Stop()
	SetInterval(secs int) int
}

// Server wraps an HTTP server with graceful shutdown capabilities.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	quit       chan struct{}
	quitOnce   sync.Once

	mu       sync.Mutex
	listener net.Listener
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	gatherer prometheus.Gatherer
	events   Subscriber
	username string
	password string
}

// WithMetrics exposes the gatherer on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(o *serverOptions) {
		o.gatherer = g
	}
}

// WithEvents streams events from sub on /api/events.
func WithEvents(sub Subscriber) Option {
	return func(o *serverOptions) {
		o.events = sub
	}
}

// WithBasicAuth protects every route except /healthz.
func WithBasicAuth(username, password string) Option {
	return func(o *serverOptions) {
		o.username = username
		o.password = password
	}
}

// NewServer creates a server bound to addr once Start is called.
func NewServer(addr string, sched Scheduler, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	quit := make(chan struct{})
	h := &Handler{scheduler: sched, events: o.events, logger: logger, quit: quit}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /api/status", h.Status)
	mux.HandleFunc("POST /api/refresh", h.Refresh)
	mux.HandleFunc("POST /api/resume", h.Resume)
	mux.HandleFunc("POST /api/start", h.Start)
	mux.HandleFunc("POST /api/stop", h.Stop)
	mux.HandleFunc("POST /api/interval", h.SetInterval)
	if o.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{}))
	}
	if o.events != nil {
		mux.HandleFunc("GET /api/events", h.Events)
	}

	var handler http.Handler = mux
	if o.username != "" && o.password != "" {
		handler = AuthMiddleware(o.username, o.password)(mux)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
		quit:   quit,
	}
}

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("web.Start: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Starting web server", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web.Start: %w", err)
	}
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Shutdown gracefully shuts down the server. Open event streams are ended
// first so they do not hold the shutdown open.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down web server")
	s.quitOnce.Do(func() { close(s.quit) })
	return s.httpServer.Shutdown(ctx)
}
