// Package tracing provides the ambient OpenTelemetry instrumentation the
// turn orchestrator, provider clients, and tool executor emit spans
// through, following internal/observability/tracing.go's NewTracer
// (no-op-without-an-endpoint) shape and per-concern Trace* helper pattern,
// narrowed from the channel-gateway's trace surface (messages, HTTP) to the
// turn-orchestrator's (turns, provider requests, tool calls, compactions).
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer. A nil *Tracer is a valid no-op.
// New with an empty Endpoint returns a Tracer whose spans are created
// against the global provider (a no-op unless one was installed) and are
// never exported by this package.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Config configures the tracer.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP/gRPC collector endpoint (e.g. "localhost:4317").
	// Tracing is disabled (no-op) when empty.
	Endpoint string

	// SamplingRate is in [0,1]; defaults to 1.0.
	SamplingRate float64

	EnableInsecure bool
}

// New builds a Tracer from cfg, returning a shutdown func that must be
// called on process exit. Falls back to a no-op tracer (rather than
// returning an error) if the endpoint is empty or the exporter can't be
// constructed, so a misconfigured collector never blocks startup.
func New(cfg Config) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "turnforge"
	}
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }
	}
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = 1.0
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	t := &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}
	return t, provider.Shutdown
}

// Start opens a span named name as a child of ctx's span, if any.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// RecordError records err on span and marks it failed, if err is non-nil.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceTurn opens the top-level span for one orchestrator turn.
func (t *Tracer) TraceTurn(ctx context.Context, sessionID, model string) (context.Context, trace.Span) {
	return t.Start(ctx, "turn.run", trace.SpanKindServer,
		attribute.String("session_id", sessionID),
		attribute.String("model", model),
	)
}

// TraceProviderRequest opens a span around one provider Stream call.
func (t *Tracer) TraceProviderRequest(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("llm.%s", provider), trace.SpanKindClient,
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	)
}

// TraceToolExecution opens a span around one dispatched tool call.
func (t *Tracer) TraceToolExecution(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("tool.%s", toolName), trace.SpanKindInternal,
		attribute.String("tool.name", toolName),
	)
}

// TraceCompaction opens a span around one bisect.Compact run.
func (t *Tracer) TraceCompaction(ctx context.Context, trigger string) (context.Context, trace.Span) {
	return t.Start(ctx, "bisect.compact", trace.SpanKindInternal,
		attribute.String("compaction.trigger", trigger),
	)
}

// TraceHTTPRequest opens a span around an inbound HTTP handler.
func (t *Tracer) TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("http.%s %s", method, path), trace.SpanKindServer,
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
}
