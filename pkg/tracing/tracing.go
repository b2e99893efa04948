package tracing

import (
	"context"
	"log/slog"
	"time"

	otelcfg "db2parquet/pkg/otel"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
)

// InitTracing initializes OpenTelemetry tracing with the configured exporter.
// Returns a shutdown function that should be called on application exit.
func InitTracing() (func(), error) {
	// Check if tracing is enabled
	if !otelcfg.IsTracingEnabled() {
		slog.Debug("OpenTelemetry tracing is disabled")
		return func() {}, nil
	}

	ctx := context.Background()

	// Get exporter configuration for traces
	cfg := otelcfg.GetExporterConfig(otelcfg.SignalTraces)

	// Create exporter based on protocol
	exporter, err := otelcfg.NewTraceExporter(ctx, cfg)
	if err != nil {
		slog.Warn("Failed to create OTLP trace exporter, using noop", "error", err)
		return func() {}, nil
	}

	// Create shared resource
	res, err := otelcfg.NewResource()
	if err != nil {
		slog.Warn("Failed to create resource, using noop", "error", err)
		return func() {}, nil
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)

	// Set global trace provider
	otelapi.SetTracerProvider(tp)
	otelapi.SetTextMapPropagator(propagation.TraceContext{})

	slog.Debug("OpenTelemetry tracing initialized",
		"endpoint", cfg.Endpoint,
		"protocol", cfg.Protocol,
	)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("Error shutting down tracer provider", "error", err)
		}
	}, nil
}
