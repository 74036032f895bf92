// Package telemetry exposes the relay's OpenTelemetry metrics.
//
// Export is off by default. When enabled, Init installs an OTLP/HTTP meter
// provider configured from the standard OTEL_EXPORTER_OTLP_* variables.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/michaelbrown/coderelay"

// Metrics holds the relay instruments.
type Metrics struct {
	connections metric.Int64Counter
	active      metric.Int64UpDownCounter
	lines       metric.Int64Counter
	duration    metric.Float64Histogram
}

// Init sets up the global meter provider when enabled and returns metrics
// bound to it, plus a shutdown function that flushes pending data.
func Init(ctx context.Context, enabled bool, serviceName string) (*Metrics, func(context.Context) error, error) {
	if !enabled {
		return Noop(), func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	exp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	m, err := New(mp.Meter(scopeName))
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	return m, mp.Shutdown, nil
}

// Noop returns metrics that record nothing.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter(scopeName))
	return m
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	connections, err := meter.Int64Counter("coderelay.connections",
		metric.WithDescription("Handled connections by outcome"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter("coderelay.connections.active",
		metric.WithDescription("Connections currently being handled"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}

	lines, err := meter.Int64Counter("coderelay.lines",
		metric.WithDescription("Output lines relayed to clients"),
		metric.WithUnit("{line}"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("coderelay.execution.duration",
		metric.WithDescription("Time from interpreter start to exit"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		connections: connections,
		active:      active,
		lines:       lines,
		duration:    duration,
	}, nil
}

// ConnectionOpened marks a connection as in flight.
func (m *Metrics) ConnectionOpened(ctx context.Context) {
	m.active.Add(ctx, 1)
}

// ConnectionClosed records the outcome of a finished connection.
func (m *Metrics) ConnectionClosed(ctx context.Context, outcome string) {
	m.active.Add(ctx, -1)
	m.connections.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// LineRelayed counts one line from the named stream.
func (m *Metrics) LineRelayed(ctx context.Context, stream string) {
	m.lines.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
}

// ExecutionFinished records how long the interpreter ran.
func (m *Metrics) ExecutionFinished(ctx context.Context, d time.Duration) {
	m.duration.Record(ctx, d.Seconds())
}
