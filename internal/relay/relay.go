// Package relay runs one request end to end: decode the frame, provision a
// workspace, spawn the interpreter, stream its output, and clean up.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/michaelbrown/coderelay/internal/process"
	"github.com/michaelbrown/coderelay/internal/protocol"
	"github.com/michaelbrown/coderelay/internal/telemetry"
	"github.com/michaelbrown/coderelay/internal/workspace"
)

// Spawner starts an interpreter for a workspace file.
type Spawner interface {
	Spawn(path string) (*process.Handle, error)
}

// Relay holds the collaborators shared by every connection. It carries no
// per-request state and is safe for concurrent use.
type Relay struct {
	workspaces    *workspace.Manager
	spawner       Spawner
	maxFrameBytes uint32
	metrics       *telemetry.Metrics
}

// Options tunes a Relay.
type Options struct {
	// MaxFrameBytes caps the declared request length. Zero trusts the
	// client's length prefix.
	MaxFrameBytes uint32
	Metrics       *telemetry.Metrics
}

// New creates a Relay.
func New(workspaces *workspace.Manager, spawner Spawner, opts Options) *Relay {
	m := opts.Metrics
	if m == nil {
		m = telemetry.Noop()
	}
	return &Relay{
		workspaces:    workspaces,
		spawner:       spawner,
		maxFrameBytes: opts.MaxFrameBytes,
		metrics:       m,
	}
}

// Serve reads exactly one framed request from conn and streams the
// program's output back to it as newline-terminated lines. The caller owns
// conn and closes it afterwards.
func (r *Relay) Serve(ctx context.Context, conn io.ReadWriter, logger *slog.Logger) error {
	msg, err := r.ReadRequest(conn)
	if err != nil {
		return err
	}
	return r.Execute(ctx, msg, NewStreamSink(conn), logger)
}

// ReadRequest reads one framed request from src, enforcing the configured
// frame size limit.
func (r *Relay) ReadRequest(src io.Reader) (protocol.Message, error) {
	msg, err := protocol.ReadMessage(src, r.maxFrameBytes)
	if err != nil {
		return protocol.Message{}, decodeError(err)
	}
	return msg, nil
}

// MaxFrameBytes reports the frame size limit; zero means unbounded.
func (r *Relay) MaxFrameBytes() uint32 { return r.maxFrameBytes }

// Execute runs an already decoded request, writing output to sink. The
// workspace created for it is gone by the time Execute returns.
func (r *Relay) Execute(ctx context.Context, msg protocol.Message, sink LineSink, logger *slog.Logger) error {
	if msg.Kind != protocol.KindExecution {
		return wrap(ErrUnsupportedKind, "dispatching "+msg.Kind.String()+" message", nil)
	}

	ws, err := r.workspaces.Provision(msg.Code)
	if err != nil {
		return wrap(ErrIO, "provisioning workspace", err)
	}
	logger = logger.With(slog.String("workspace", ws.ID.String()))
	defer func() {
		if err := ws.Destroy(); err != nil {
			logger.Error("failed to destroy workspace", slog.String("error", err.Error()))
		}
	}()

	logger.Debug("workspace provisioned",
		slog.String("language", msg.Language),
		slog.Int("code_bytes", len(msg.Code)),
	)

	h, err := r.spawner.Spawn(ws.File)
	if err != nil {
		if errors.Is(err, process.ErrPipe) {
			return wrap(ErrProcessIO, "attaching interpreter output", err)
		}
		return wrap(ErrProcessSpawn, "starting interpreter", err)
	}

	start := time.Now()
	status, err := Multiplex(FromHandle(h), sink, func(s Stream) {
		r.metrics.LineRelayed(ctx, s.String())
	})
	elapsed := time.Since(start)
	r.metrics.ExecutionFinished(ctx, elapsed)
	if err != nil {
		return err
	}

	logger.Info("interpreter exited",
		slog.Int("pid", h.PID()),
		slog.String("status", status.String()),
		slog.Duration("duration", elapsed),
	)
	return nil
}

func decodeError(err error) error {
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		return wrap(ErrFrameTooLarge, "reading request", err)
	}
	return wrap(ErrDecode, "reading request", err)
}
