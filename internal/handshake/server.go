package handshake

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// SessionHandler is invoked for each established connection. The handler
// owns the connection and must close it.
type SessionHandler func(ctx context.Context, conn *tls.Conn, session *Session)

// ServerConfig contains configuration for the listener.
type ServerConfig struct {
	// ListenAddr is the address to listen on.
	ListenAddr string

	// MaxConnections caps concurrently active connections. Zero means no cap.
	MaxConnections int

	// AcceptRate limits accepted connections per second. Zero disables
	// rate limiting.
	AcceptRate float64

	// AcceptBurst is the burst size for the accept rate limiter.
	AcceptBurst int

	// ShutdownTimeout bounds the wait for active connections on Stop.
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns a server configuration with sane defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:      ":8443",
		MaxConnections:  1000,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Server accepts TCP connections, runs the handshake coordinator on each,
// and hands established sessions to the configured handler. Rejected
// handshakes close the connection; the accept loop keeps serving.
type Server struct {
	config      *ServerConfig
	coordinator *Coordinator
	handler     SessionHandler
	logger      observability.Logger
	metrics     MetricsRecorder

	limiter  *rate.Limiter
	listener net.Listener

	mu      sync.Mutex
	running bool

	active atomic.Int64

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// ServerOption is a functional option for configuring Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger observability.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerMetrics sets the metrics recorder for the server.
func WithServerMetrics(metrics MetricsRecorder) ServerOption {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// NewServer creates a server that authenticates connections with the given
// coordinator and dispatches sessions to handler.
func NewServer(config *ServerConfig, coordinator *Coordinator, handler SessionHandler, opts ...ServerOption) (*Server, error) {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.ListenAddr == "" {
		return nil, errors.New("listen address is required")
	}
	if coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if handler == nil {
		return nil, errors.New("session handler is required")
	}

	s := &Server{
		config:      config,
		coordinator: coordinator,
		handler:     handler,
		logger:      observability.NopLogger(),
		metrics:     NewNopMetrics(),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if config.AcceptRate > 0 {
		burst := config.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.AcceptRate), burst)
	}

	return s, nil
}

// Start begins listening and serving. It returns once the listener is bound;
// the accept loop runs until Stop is called or the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.logger.Info("server listening",
		observability.String("addr", listener.Addr().String()),
		observability.Int("max_connections", s.config.MaxConnections),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of currently active connections.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// acceptLoop accepts connections until shutdown.
func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			s.logger.Error("accept error", observability.Error(err))
			return
		}

		if !s.admit(conn) {
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// admit applies the rate limit and connection cap, closing conn when it
// cannot be served.
func (s *Server) admit(conn net.Conn) bool {
	if s.limiter != nil && !s.limiter.Allow() {
		s.logger.Warn("connection rejected by rate limiter",
			observability.String("remote_addr", conn.RemoteAddr().String()),
		)
		_ = conn.Close()
		return false
	}

	if s.config.MaxConnections > 0 && int(s.active.Load()) >= s.config.MaxConnections {
		s.logger.Warn("connection rejected, connection cap reached",
			observability.String("remote_addr", conn.RemoteAddr().String()),
			observability.Int("max_connections", s.config.MaxConnections),
		)
		_ = conn.Close()
		return false
	}

	return true
}

// handleConnection runs the handshake and dispatches the session.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	count := s.active.Add(1)
	s.metrics.UpdateActiveConnections(int(count))
	defer func() {
		s.metrics.UpdateActiveConnections(int(s.active.Add(-1)))
	}()

	connCtx := observability.ContextWithRemoteAddr(ctx, conn.RemoteAddr().String())

	tlsConn, session, err := s.coordinator.Handshake(connCtx, conn)
	if err != nil {
		// The coordinator already logged and recorded the abort.
		_ = conn.Close()
		return
	}

	connCtx = observability.ContextWithConnectionID(connCtx, session.ID())
	s.handler(connCtx, tlsConn, session)
}

// Stop gracefully shuts the server down, waiting for active connections up
// to the configured shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	listener := s.listener
	s.mu.Unlock()

	close(s.stopCh)

	if listener != nil {
		if err := listener.Close(); err != nil {
			s.logger.Warn("failed to close listener", observability.Error(err))
		}
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("server stopped")
		return nil
	case <-shutdownCtx.Done():
		s.logger.Warn("shutdown timeout exceeded, abandoning active connections",
			observability.Int("active", s.ActiveConnections()),
		)
		return ErrServerClosed
	}
}
