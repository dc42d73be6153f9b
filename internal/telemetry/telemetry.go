// Package telemetry initializes the OpenTelemetry metrics exporter and holds
// the instruments the engine and queue report on.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown flushes and stops the exporter.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry meter provider. An empty endpoint
// disables export and leaves the no-op provider in place. Returns a shutdown
// function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Metrics groups the instruments recorded by the worker loop.
type Metrics struct {
	ValidationsTotal metric.Int64Counter
	BlocksTotal      metric.Int64Counter
	MergesTotal      metric.Int64Counter
	QueuePassSeconds metric.Float64Histogram
}

// NewMetrics registers the worker instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := Meter("converge")
	m := &Metrics{}
	var err error

	if m.ValidationsTotal, err = meter.Int64Counter("converge.validations.total",
		metric.WithDescription("Completed validation runs")); err != nil {
		return nil, fmt.Errorf("telemetry: register validations counter: %w", err)
	}
	if m.BlocksTotal, err = meter.Int64Counter("converge.blocks.total",
		metric.WithDescription("Validation runs ending in a block")); err != nil {
		return nil, fmt.Errorf("telemetry: register blocks counter: %w", err)
	}
	if m.MergesTotal, err = meter.Int64Counter("converge.merges.total",
		metric.WithDescription("Merges executed by the queue")); err != nil {
		return nil, fmt.Errorf("telemetry: register merges counter: %w", err)
	}
	if m.QueuePassSeconds, err = meter.Float64Histogram("converge.queue.pass.seconds",
		metric.WithDescription("Duration of a queue processing pass"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("telemetry: register queue pass histogram: %w", err)
	}
	return m, nil
}
