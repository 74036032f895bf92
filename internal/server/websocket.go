package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/michaelbrown/coderelay/internal/protocol"
	"github.com/michaelbrown/coderelay/internal/relay"
	"github.com/michaelbrown/coderelay/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const closeWriteWait = time.Second

// Gateway exposes the relay over WebSocket: one binary message carrying a
// complete frame in, one message per output line back.
type Gateway struct {
	addr    string
	relay   *relay.Relay
	logger  *slog.Logger
	metrics *telemetry.Metrics
	router  chi.Router
	http    *http.Server

	// hijacked connections are invisible to http.Server.Shutdown
	conns sync.WaitGroup
}

// NewGateway creates a Gateway for addr. A nil metrics records nothing.
func NewGateway(addr string, r *relay.Relay, logger *slog.Logger, metrics *telemetry.Metrics) *Gateway {
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	g := &Gateway{
		addr:    addr,
		relay:   r,
		logger:  logger,
		metrics: metrics,
		router:  chi.NewRouter(),
	}
	g.setupRoutes()
	g.http = &http.Server{
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

func (g *Gateway) setupRoutes() {
	r := g.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(g.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	r.Get("/ws", g.handleWebSocket)
}

// Handler returns the gateway's router.
func (g *Gateway) Handler() http.Handler { return g.router }

// Start binds addr and serves HTTP until Shutdown. Shutdown before Start
// makes Start return nil immediately.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", relay.ErrListenBind, g.addr, err)
	}

	g.logger.Info("websocket gateway listening", slog.String("addr", ln.Addr().String()))
	if err := g.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and waits for running WebSocket sessions.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down websocket gateway")
	if err := g.http.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for websocket sessions: %w", ctx.Err())
	}
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	g.conns.Add(1)
	defer g.conns.Done()

	logger := g.logger.With(
		slog.String("conn_id", xid.New().String()),
		slog.String("remote", r.RemoteAddr),
		slog.String("transport", "websocket"),
	)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	if limit := g.relay.MaxFrameBytes(); limit > 0 {
		conn.SetReadLimit(int64(limit) + protocol.HeaderSize)
	}

	ctx := r.Context()
	g.metrics.ConnectionOpened(ctx)
	err = g.serve(ctx, conn, logger)
	g.metrics.ConnectionClosed(ctx, relay.Outcome(err))
	if err != nil {
		logger.Warn("connection failed", slog.String("error", err.Error()))
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
}

func (g *Gateway) serve(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) error {
	mt, data, err := conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return fmt.Errorf("%w: %w", relay.ErrFrameTooLarge, err)
		}
		return fmt.Errorf("%w: reading websocket message: %w", relay.ErrDecode, err)
	}
	if mt != websocket.BinaryMessage {
		return fmt.Errorf("%w: expected a binary message", relay.ErrDecode)
	}

	msg, err := g.relay.ReadRequest(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return g.relay.Execute(ctx, msg, wsSink{conn: conn}, logger)
}

// wsSink sends each line as its own message. Lines that are not valid UTF-8
// go out as binary messages so the bytes reach the client unchanged.
type wsSink struct {
	conn *websocket.Conn
}

func (s wsSink) WriteLine(line []byte) error {
	mt := websocket.TextMessage
	if !utf8.Valid(line) {
		mt = websocket.BinaryMessage
	}
	return s.conn.WriteMessage(mt, line)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
