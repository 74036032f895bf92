package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/semaphore"

	"github.com/michaelbrown/coderelay/internal/config"
	"github.com/michaelbrown/coderelay/internal/relay"
	"github.com/michaelbrown/coderelay/internal/telemetry"
)

// Server accepts TCP connections and hands each one to the relay on its own
// goroutine.
type Server struct {
	cfg     config.ServerConfig
	relay   *relay.Relay
	logger  *slog.Logger
	metrics *telemetry.Metrics
	sem     *semaphore.Weighted

	mu      sync.Mutex
	ln      net.Listener
	closing bool
	conns   sync.WaitGroup
}

// New creates a new Server. A nil metrics records nothing.
func New(cfg config.ServerConfig, r *relay.Relay, logger *slog.Logger, metrics *telemetry.Metrics) *Server {
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	s := &Server{
		cfg:     cfg,
		relay:   r,
		logger:  logger,
		metrics: metrics,
	}
	if cfg.MaxConnections > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	return s
}

// Start binds the configured address and serves until ctx is cancelled or
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen binds the listener without accepting yet. After Shutdown the
// listener is closed straight away and Serve returns nil.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", relay.ErrListenBind, s.cfg.Addr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ln = ln
	if s.closing {
		ln.Close()
	}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve runs the accept loop on the listener opened by Listen. It returns
// nil once the listener is closed by Shutdown or ctx.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, s.closeListener)
	defer stop()

	s.logger.Info("listening", slog.String("addr", ln.Addr().String()))

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Same retry curve as net/http: 5ms doubling up to 1s.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, time.Second)
			}
			s.logger.Warn("accept failed", slog.String("error", err.Error()), slog.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if s.sem != nil {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				conn.Close()
				return nil
			}
		}

		s.conns.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.conns.Done()
	defer conn.Close()
	if s.sem != nil {
		defer s.sem.Release(1)
	}

	logger := s.logger.With(
		slog.String("conn_id", xid.New().String()),
		slog.String("remote", conn.RemoteAddr().String()),
	)
	logger.Debug("connection accepted")

	s.metrics.ConnectionOpened(ctx)
	err := s.relay.Serve(ctx, conn, logger)
	s.metrics.ConnectionClosed(ctx, relay.Outcome(err))

	if err != nil {
		logger.Warn("connection failed", slog.String("error", err.Error()))
		return
	}
	logger.Debug("connection closed")
}

// Shutdown stops accepting and waits for in-flight connections until ctx
// is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down listener")
	s.closeListener()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections: %w", ctx.Err())
	}
}

func (s *Server) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	if s.ln != nil {
		s.ln.Close()
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}
