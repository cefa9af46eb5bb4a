// Package telemetry configures OpenTelemetry tracing for the daemon.
//
// Custom span attributes use the `portalkombat.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/marcus-qen/portalkombat"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("portalkombatd"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartProbeSpan creates the span for one connectivity probe.
func StartProbeSpan(ctx context.Context, checkURL string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "probe.run",
		trace.WithAttributes(
			attribute.String("portalkombat.check_url", checkURL),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndProbeSpan enriches the probe span with its classification.
func EndProbeSpan(span trace.Span, state, failure string, statusCode int) {
	span.SetAttributes(
		attribute.String("portalkombat.probe_state", state),
		attribute.Int("http.response.status_code", statusCode),
	)
	if failure != "" {
		span.SetAttributes(attribute.String("portalkombat.probe_failure", failure))
	}
	span.End()
}

// StartLoginSpan creates the span for one login attempt.
func StartLoginSpan(ctx context.Context, ssid string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "login.attempt",
		trace.WithAttributes(
			attribute.String("portalkombat.ssid", ssid),
			attribute.Int("portalkombat.attempt", attempt),
		),
	)
}

// EndLoginSpan enriches the login span with the outcome.
func EndLoginSpan(span trace.Span, outcome, strategy string, success bool) {
	span.SetAttributes(
		attribute.String("portalkombat.outcome", outcome),
		attribute.String("portalkombat.strategy", strategy),
	)
	if !success {
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
}
