// Package telemetry configures OpenTelemetry tracing for backend calls.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/gluk-w/vmfleet"

// Setup installs a global tracer provider. When enabled is false a no-op
// provider is used and shutdown does nothing.
func Setup(enabled bool, w io.Writer) (trace.Tracer, func(context.Context) error, error) {
	if !enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp.Tracer(instrumentationName), func(context.Context) error { return nil }, nil
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Tracer(instrumentationName), tp.Shutdown, nil
}

// Noop returns a tracer that records nothing.
func Noop() trace.Tracer {
	return noop.NewTracerProvider().Tracer(instrumentationName)
}

// Finish records err on span, if any, and ends it.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// VMAttrs are the standard span attributes for a VM-scoped call.
func VMAttrs(vmID uint, handle string) trace.SpanStartEventOption {
	return trace.WithAttributes(
		attribute.Int64("vm.id", int64(vmID)),
		attribute.String("vm.handle", handle),
	)
}
