package chshare

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jpillora/backoff"
	"github.com/jpillora/requestlog"
)

// Server represents a bridge service: it listens on the bind address and runs
// one Session for each accepted connection
type Server struct {
	ShutdownHelper
	config        *Config
	connStats     ConnStats
	metrics       *Metrics
	limiter       *AcceptLimiter
	listener      net.Listener
	metricsServer *HTTPServer
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewServer creates and returns a new bridge server
func NewServer(config *Config, logger Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		config:  config,
		metrics: NewMetrics(),
		limiter: NewAcceptLimiter(config.AcceptRate, config.AcceptBurst),
	}
	s.InitShutdownHelper(logger, s)
	if config.Proxy && config.Mode != ModeWSToTCP {
		s.WLogf("--proxy is only meaningful in %s mode; ignoring", ModeWSToTCP)
	}
	return s, nil
}

// Start opens the listener (and the metrics endpoint, if configured) and
// begins accepting connections in the background. The server shuts down when
// ctx is cancelled, Close() is called, or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	return s.DoOnceActivate(
		func() error {
			s.ctx, s.cancel = context.WithCancel(ctx)
			s.ShutdownOnContext(ctx)

			l, err := net.Listen("tcp", s.config.BindAddress)
			if err != nil {
				return fmt.Errorf("%s: listen on %s failed: %w", s.Prefix(), s.config.BindAddress, err)
			}
			s.listener = l

			if s.config.MetricsAddress != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", s.metrics.Handler())
				h := http.Handler(mux)
				if s.GetLogLevel() >= LogLevelDebug {
					h = requestlog.Wrap(h)
				}
				s.metricsServer = NewHTTPServer(s.Fork("metrics"))
				if err := s.metricsServer.Start(s.ctx, s.config.MetricsAddress, h); err != nil {
					l.Close()
					return err
				}
				s.AddShutdownChild(s.metricsServer)
			}

			s.ILogf("Listening on %s (%s, destination %s)...", l.Addr(), s.config.Mode, s.config.Destination)

			s.ShutdownWG().Add(1)
			go func() {
				defer s.ShutdownWG().Done()
				s.StartShutdown(s.acceptLoop())
			}()

			return nil
		},
		true,
	)
}

// Run starts the server and blocks until it has shut down, returning the
// reason. It never returns nil unless the server was closed deliberately.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.WaitShutdown()
}

// Addr returns the address of the bridge listener, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// MetricsAddr returns the address of the metrics endpoint, or nil if it is disabled
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsServer == nil {
		return nil
	}
	return s.metricsServer.ListenAddr()
}

// Metrics returns the server's metrics collector
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// NumOpenSessions returns the number of sessions currently relaying
func (s *Server) NumOpenSessions() int32 {
	return s.connStats.NumOpen()
}

// acceptLoop accepts connections until the listener is closed or fails
// permanently. Other accept errors are retried with backoff.
func (s *Server) acceptLoop() error {
	b := &backoff.Backoff{
		Min: 5 * time.Millisecond,
		Max: time.Second,
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.IsStartedShutdown() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			d := b.Duration()
			s.WLogf("Accept failed, retrying in %s: %s", d, err)
			select {
			case <-time.After(d):
				continue
			case <-s.ShutdownStartedChan():
				return nil
			}
		}
		b.Reset()

		if !s.limiter.Allow(conn.RemoteAddr()) {
			s.metrics.RateLimited()
			s.WLogf("Rate limit exceeded for %s, dropping connection", conn.RemoteAddr())
			conn.Close()
			continue
		}

		go s.handleConn(conn)
	}
}

// handleConn runs one session over an accepted connection, from setup to teardown
func (s *Server) handleConn(conn net.Conn) {
	id := s.connStats.New()
	logger := s.Fork("session#%d(%s)", id, conn.RemoteAddr())

	var wsRole, tcpRole EndpointDescriptor
	switch s.config.Mode {
	case ModeWSToTCP:
		wsRole, tcpRole = Accepted(conn), Destination(s.config.Destination)
	default:
		wsRole, tcpRole = Destination(s.config.Destination), Accepted(conn)
	}

	session := NewSession(logger, s.config, s.metrics)
	if err := session.Start(s.ctx, wsRole, tcpRole); err != nil {
		logger.ELogf("Session setup failed (destination %s): %s", s.config.Destination, err)
		return
	}

	s.connStats.Open()
	logger.ILogf("Open %s", &s.connStats)
	session.Wait()
	s.connStats.Close()
	logger.ILogf("Close %s", &s.connStats)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
