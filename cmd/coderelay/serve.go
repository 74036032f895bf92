package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/coderelay/internal/process"
	"github.com/michaelbrown/coderelay/internal/relay"
	"github.com/michaelbrown/coderelay/internal/server"
	"github.com/michaelbrown/coderelay/internal/telemetry"
	"github.com/michaelbrown/coderelay/internal/workspace"
)

var (
	listenFlag string
	wsFlag     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay",
	Long: `Start the TCP relay, and the WebSocket gateway when an address for it is
configured.

Examples:
  coderelay serve
  coderelay serve --addr 0.0.0.0:8000 --ws-addr :8080`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "addr", "", "TCP listen address (overrides config)")
	serveCmd.Flags().StringVar(&wsFlag, "ws-addr", "", "WebSocket gateway address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenFlag != "" {
		cfg.Server.Addr = listenFlag
	}
	if wsFlag != "" {
		cfg.Server.WSAddr = wsFlag
	}

	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, shutdownMetrics, err := telemetry.Init(ctx, cfg.Telemetry.Enabled, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("starting telemetry: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	if err := os.MkdirAll(cfg.Workspace.Root, 0o755); err != nil {
		return fmt.Errorf("creating workspace root: %w", err)
	}
	workspaces, err := workspace.New(cfg.Workspace.Root, cfg.Workspace.FileName)
	if err != nil {
		return err
	}

	if _, err := exec.LookPath(cfg.Interpreter.Binary); err != nil {
		logger.Warn("interpreter not found; every request will fail to spawn",
			slog.String("binary", cfg.Interpreter.Binary))
	}
	if cfg.Server.MaxFrameBytes == 0 {
		logger.Warn("server.max_frame_bytes is 0; request size is limited only by the client's length prefix")
	}

	rl := relay.New(workspaces, process.New(cfg.Interpreter.Binary), relay.Options{
		MaxFrameBytes: uint32(cfg.Server.MaxFrameBytes),
		Metrics:       metrics,
	})

	srv := server.New(cfg.Server, rl, logger, metrics)
	var gw *server.Gateway
	if cfg.Server.WSAddr != "" {
		gw = server.NewGateway(cfg.Server.WSAddr, rl, logger, metrics)
	}

	logger.Info("coderelay starting",
		slog.String("interpreter", cfg.Interpreter.Binary),
		slog.String("workspace_root", cfg.Workspace.Root),
	)
	return runServers(ctx, srv, gw, cfg.Server.ShutdownTimeout, logger)
}

// runServers runs the TCP server and, when gw is non-nil, the gateway until
// ctx is cancelled or either one fails, then shuts both down within timeout.
func runServers(ctx context.Context, srv *server.Server, gw *server.Gateway, timeout time.Duration, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if gw != nil {
		g.Go(gw.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if gw != nil {
			if err := gw.Shutdown(shutdownCtx); err != nil {
				logger.Warn("gateway shutdown", slog.String("error", err.Error()))
			}
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
