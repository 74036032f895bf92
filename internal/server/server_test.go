package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/michaelbrown/coderelay/internal/config"
	"github.com/michaelbrown/coderelay/internal/process"
	"github.com/michaelbrown/coderelay/internal/protocol"
	"github.com/michaelbrown/coderelay/internal/relay"
	"github.com/michaelbrown/coderelay/internal/telemetry"
	"github.com/michaelbrown/coderelay/internal/workspace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRelay(t *testing.T, maxFrame uint32) (*relay.Relay, string) {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	root := t.TempDir()
	ws, err := workspace.New(root, "script.sh")
	require.NoError(t, err)
	return relay.New(ws, process.New(sh), relay.Options{MaxFrameBytes: maxFrame}), root
}

func startServer(t *testing.T, cfg config.ServerConfig, r *relay.Relay, m *telemetry.Metrics) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv := New(cfg, r, quietLogger(), m)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return srv
}

func frame(t *testing.T, code string) []byte {
	t.Helper()
	b, err := protocol.MarshalFrame(protocol.Message{Kind: protocol.KindExecution, Language: "sh", Code: []byte(code)})
	require.NoError(t, err)
	return b
}

func roundTrip(t *testing.T, addr string, payload []byte) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = conn.Write(payload)
	require.NoError(t, err)
	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(out)
}

func TestServerRelaysOutput(t *testing.T) {
	r, root := newRelay(t, 0)
	srv := startServer(t, config.ServerConfig{}, r, nil)

	out := roundTrip(t, srv.Addr().String(), frame(t, "echo hi\n"))
	assert.Equal(t, "hi\n", out)

	assertEmptyDir(t, root)
}

func TestServerConcurrentConnections(t *testing.T) {
	r, _ := newRelay(t, 0)
	srv := startServer(t, config.ServerConfig{}, r, nil)
	addr := srv.Addr().String()

	const n = 8
	results := make(chan string, n)
	for range n {
		go func() {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				results <- "dial: " + err.Error()
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(10 * time.Second))
			b, _ := protocol.MarshalFrame(protocol.Message{Code: []byte("sleep 0.2\necho done\n")})
			conn.Write(b)
			out, _ := io.ReadAll(conn)
			results <- string(out)
		}()
	}

	start := time.Now()
	for range n {
		assert.Equal(t, "done\n", <-results)
	}
	assert.Less(t, time.Since(start), 5*time.Second, "connections should run in parallel")
}

func TestServerBadFrameClosesConnection(t *testing.T) {
	r, root := newRelay(t, 0)
	srv := startServer(t, config.ServerConfig{}, r, nil)

	out := roundTrip(t, srv.Addr().String(), []byte{2, 0, 0, 0, 7, 0})
	assert.Empty(t, out)

	assertEmptyDir(t, root)

	// the server keeps accepting after a failed connection
	assert.Equal(t, "still here\n", roundTrip(t, srv.Addr().String(), frame(t, "echo still here\n")))
}

func TestServerListenBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	r, _ := newRelay(t, 0)
	srv := New(config.ServerConfig{Addr: taken.Addr().String()}, r, quietLogger(), nil)
	err = srv.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, relay.ErrListenBind)
}

func TestServerMaxConnections(t *testing.T) {
	r, _ := newRelay(t, 0)
	srv := startServer(t, config.ServerConfig{MaxConnections: 1}, r, nil)
	addr := srv.Addr().String()

	// holds the only slot for about half a second
	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	b, _ := protocol.MarshalFrame(protocol.Message{Code: []byte("sleep 0.5\necho first\n")})
	_, err = first.Write(b)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	out := roundTrip(t, addr, frame(t, "echo second\n"))
	assert.Equal(t, "second\n", out)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond, "second connection should wait for a slot")

	first.SetDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(first)
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(got))
}

func TestServerShutdownWaitsForInFlight(t *testing.T) {
	r, _ := newRelay(t, 0)
	srv := New(config.ServerConfig{Addr: "127.0.0.1:0"}, r, quietLogger(), nil)
	require.NoError(t, srv.Listen())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background()) }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(frame(t, "sleep 0.3\necho late\n"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-served)

	conn.SetDeadline(time.Now().Add(time.Second))
	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "late\n", string(out))

	_, err = net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
}

func TestServerShutdownDeadline(t *testing.T) {
	r, _ := newRelay(t, 0)
	srv := New(config.ServerConfig{Addr: "127.0.0.1:0"}, r, quietLogger(), nil)
	require.NoError(t, srv.Listen())
	go srv.Serve(context.Background())

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(frame(t, "sleep 2\n"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = srv.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServerRecordsConnectionMetrics(t *testing.T) {
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	m, err := telemetry.New(provider.Meter("test"))
	require.NoError(t, err)

	r, _ := newRelay(t, 0)
	srv := startServer(t, config.ServerConfig{}, r, m)
	roundTrip(t, srv.Addr().String(), frame(t, "echo one\n"))
	roundTrip(t, srv.Addr().String(), []byte{1, 0, 0, 0, 9})

	// the handler goroutine records after the connection closes
	require.Eventually(t, func() bool {
		return connectionCount(reader) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace directory leaked")
}

func connectionCount(reader *metric.ManualReader) int64 {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		return -1
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "coderelay.connections" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
