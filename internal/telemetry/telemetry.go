// Package telemetry installs the OpenTelemetry tracer provider and offers
// small span helpers for the rest of the service.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/org/secretapproval"

// Exporter names accepted by Init.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

var (
	providerOnce sync.Once
	providerErr  error
	shutdown     = func(context.Context) error { return nil }
)

// Init installs the global tracer provider for the named exporter. Only the
// first call has an effect. The returned func flushes and stops the
// provider.
func Init(service, version, exporter string) (func(context.Context) error, error) {
	var w io.Writer
	switch exporter {
	case "", ExporterNone:
		return shutdown, nil
	case ExporterStdout:
		w = os.Stdout
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", exporter)
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("creating stdout exporter: %w", err)
	}
	return InitWithExporter(service, version, exp)
}

// InitWithExporter installs a provider around any span exporter.
func InitWithExporter(service, version string, exp sdktrace.SpanExporter) (func(context.Context) error, error) {
	providerOnce.Do(func() {
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				attribute.String("service.name", service),
				attribute.String("service.version", version),
			),
		)
		if err != nil {
			providerErr = err
			return
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		shutdown = tp.Shutdown
	})
	return shutdown, providerErr
}

// StartSpan starts a span named name under ctx.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
