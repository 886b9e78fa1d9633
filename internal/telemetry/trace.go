package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this SDK's spans in whatever backend the host
// wires the TracerProvider to.
const tracerName = "github.com/agent-sdk/agentsdk-go"

// NewStdoutTracerProvider builds a TracerProvider that writes spans to
// stdout — the default used when a host doesn't supply its own
// trace.TracerProvider, useful for local debugging of request/tool timing
// without standing up a collector.
func NewStdoutTracerProvider() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter)), nil
}

// Tracer wraps outbound requests and inbound tool/permission dispatch in
// spans. A nil *Tracer (zero value) is valid and makes every Start call a
// no-op, so tracing can be wired optionally without nil checks at call
// sites.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer derives a Tracer from provider. Passing nil uses the global
// otel.Tracer, which no-ops until the host installs a provider via
// otel.SetTracerProvider.
func NewTracer(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		return &Tracer{tracer: otel.Tracer(tracerName)}
	}
	return &Tracer{tracer: provider.Tracer(tracerName)}
}

// StartRPCSpan starts a span around one outbound JSON-RPC request.
func (t *Tracer) StartRPCSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "rpc.request", trace.WithAttributes(
		attribute.String("rpc.method", method),
	))
}

// StartDispatchSpan starts a span around one inbound request dispatched to
// a host handler (tool.call, permission.request, ...).
func (t *Tracer) StartDispatchSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "rpc.dispatch", trace.WithAttributes(
		attribute.String("rpc.method", method),
	))
}
