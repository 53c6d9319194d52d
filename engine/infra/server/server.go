package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/compozy/taskvisor/engine/infra/monitoring"
	"github.com/compozy/taskvisor/engine/supervisor"
	"github.com/compozy/taskvisor/pkg/config"
	"github.com/compozy/taskvisor/pkg/logger"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultReadTimeout     = 15 * time.Second
	httpIdleTimeout        = 60 * time.Second
	hostAny                = "0.0.0.0"
	hostLoopback           = "127.0.0.1"
)

type closer struct {
	name string
	fn   func(context.Context) error
}

type Server struct {
	ctx          context.Context
	serverConfig config.ServerConfig
	supervisor   *supervisor.Supervisor
	monitoring   *monitoring.Service
	router       *gin.Engine
	heartbeat    time.Duration
	closers      []closer
	ready        atomic.Bool

	mu           sync.Mutex
	httpServer   *http.Server
	shutdownOnce sync.Once
	shutdownErr  error
}

type Option func(*Server)

// WithMonitoring mounts the metrics endpoint and HTTP metrics middleware
// when svc is initialized, and shuts svc down with the server.
func WithMonitoring(svc *monitoring.Service) Option {
	return func(s *Server) {
		s.monitoring = svc
	}
}

// WithCloser registers fn to run after the HTTP server and supervisor have
// stopped. Closers run concurrently.
func WithCloser(name string, fn func(context.Context) error) Option {
	return func(s *Server) {
		s.closers = append(s.closers, closer{name: name, fn: fn})
	}
}

// WithStreamHeartbeat sets the keep-alive interval of event streams.
func WithStreamHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeat = d
	}
}

func NewServer(ctx context.Context, sup *supervisor.Supervisor, opts ...Option) (*Server, error) {
	if sup == nil {
		return nil, errors.New("server requires a supervisor")
	}
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, errors.New("configuration not found in context")
	}
	s := &Server{
		ctx:          ctx,
		serverConfig: cfg.Server,
		supervisor:   sup,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.monitoring != nil {
		s.closers = append(s.closers, closer{name: "monitoring", fn: s.monitoring.Shutdown})
	}
	s.buildRouter()
	s.ready.Store(true)
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// IsReady reports whether the server still accepts work.
func (s *Server) IsReady() bool {
	return s.ready.Load()
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.serverConfig.Host, strconv.Itoa(s.serverConfig.Port))
}

// Run listens on the configured address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		shutdownErr := s.Shutdown(context.WithoutCancel(ctx))
		return errors.Join(fmt.Errorf("failed to listen on %s: %w", s.Addr(), err), shutdownErr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts everything down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := s.createHTTPServer()
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logStartupBanner(ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.FromContext(s.ctx).Debug("Received shutdown signal, initiating graceful shutdown")
		return s.Shutdown(context.WithoutCancel(ctx))
	})
	return g.Wait()
}

func (s *Server) createHTTPServer() *http.Server {
	readTimeout := s.serverConfig.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()
	return srv
}

// Shutdown stops accepting work, stops every live task, drains HTTP
// connections and then runs the registered closers. It runs once; later
// calls return the first result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	log := logger.FromContext(s.ctx)
	s.ready.Store(false)
	timeout := s.serverConfig.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var errs []error
	if err := s.supervisor.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown failed: %w", err))
		}
	}
	g, gCtx := errgroup.WithContext(shutdownCtx)
	for _, c := range s.closers {
		g.Go(func() error {
			if err := c.fn(gCtx); err != nil {
				return fmt.Errorf("failed to close %s: %w", c.name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		log.Error("Server shutdown completed with errors", "error", err)
		return err
	}
	log.Info("Server shutdown completed successfully")
	return nil
}
