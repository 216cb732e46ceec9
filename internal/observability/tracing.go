package observability

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName  = "github.com/PaulBabatuyi/attachvault"
	serviceName = "attachvault"
)

// InitTracerProvider exports spans for Ingest, Resolve and Sweep as JSON to w
// and installs the provider globally. Swap the exporter for OTLP in production.
func InitTracerProvider(ctx context.Context, w io.Writer, version string, logger *zap.Logger) (*trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		logger.Error("failed to create trace exporter", zap.Error(err))
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", zap.String("service_version", version))
	return tp, nil
}

// ShutdownTracerProvider flushes pending spans and stops the provider.
func ShutdownTracerProvider(ctx context.Context, tp *trace.TracerProvider, logger *zap.Logger) {
	if err := tp.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown tracer provider", zap.Error(err))
	}
}

// Tracer returns the package tracer from the global provider.
// Without InitTracerProvider it is a no-op tracer.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(tracerName)
}
