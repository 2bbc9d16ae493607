package telemetry

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// InitTracer installs a tracer provider exporting spans as JSON to w and
// returns its shutdown func. When the exporter cannot be built the global
// no-op provider stays in place.
func InitTracer(ctx context.Context, serviceName, version string, w io.Writer, logger *slog.Logger) func(context.Context) error {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if logger != nil {
			logger.Warn("telemetry exporter init failed", slog.String("error", err.Error()))
		}
		return func(context.Context) error { return nil }
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		)),
	)

	otel.SetTracerProvider(provider)

	return provider.Shutdown
}
