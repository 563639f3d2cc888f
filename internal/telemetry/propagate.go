package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "tollgate/checkout"

// Propagator carries one causal trace identity across RPC calls and event
// messages. Spans started through it form a tree rooted at the span created
// when the checkout request was accepted, and the sampling decision made
// there travels with the context.
type Propagator struct{}

// NewPropagator returns a Propagator backed by the global OTel provider.
func NewPropagator() *Propagator { return &Propagator{} }

func (p *Propagator) tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func (p *Propagator) textMap() propagation.TextMapPropagator {
	return otel.GetTextMapPropagator()
}

// StartCheckout opens the root span for an accepted checkout request. If
// the inbound request already carried a context (extracted upstream), the
// new span becomes its child and keeps its trace identity.
func (p *Propagator) StartCheckout(ctx context.Context, orderID string) (context.Context, trace.Span) {
	return p.tracer().Start(ctx, "checkout.saga",
		trace.WithAttributes(attribute.String("order.id", orderID)))
}

// StartStep opens a child span for one saga step.
func (p *Propagator) StartStep(ctx context.Context, step string) (context.Context, trace.Span) {
	return p.tracer().Start(ctx, "checkout.step."+step,
		trace.WithAttributes(attribute.String("saga.step", step)))
}

// InjectHTTP stamps the current causal context into outgoing RPC headers.
func (p *Propagator) InjectHTTP(ctx context.Context, header http.Header) {
	p.textMap().Inject(ctx, propagation.HeaderCarrier(header))
}

// ExtractHTTP recovers the causal context from incoming RPC headers.
func (p *Propagator) ExtractHTTP(ctx context.Context, header http.Header) context.Context {
	return p.textMap().Extract(ctx, propagation.HeaderCarrier(header))
}

// InjectEvent stamps the current causal context into event envelope headers.
func (p *Propagator) InjectEvent(ctx context.Context, headers map[string]string) {
	p.textMap().Inject(ctx, propagation.MapCarrier(headers))
}

// ExtractEvent recovers the causal context from event envelope headers.
func (p *Propagator) ExtractEvent(ctx context.Context, headers map[string]string) context.Context {
	return p.textMap().Extract(ctx, propagation.MapCarrier(headers))
}

// EndSpan closes span, recording err as its status when non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceInfo returns the active trace and span ids as hex strings, or empty
// strings when the context carries no valid span.
func TraceInfo(ctx context.Context) (string, string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
