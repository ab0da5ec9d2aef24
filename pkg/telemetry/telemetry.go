// Package telemetry is the tracing layer of the focus. A conference owns a
// root span for its whole lifetime; every participant gets a child span, and
// the notable moments (joins, offers, allocation failures) become events on
// them. Exporters are wired in setup.go; without one, all of this is free.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "headwater"

var tracer = otel.Tracer(serviceName)

// Telemetry wraps one span together with the context that parents its
// children. Spans form the conference and participant hierarchy; nothing
// else in the focus nests deeper than that.
type Telemetry struct {
	span    trace.Span
	context context.Context //nolint:containedctx
}

// NewTelemetry opens a span under ctx. Conferences pass context.Background()
// here; everything below a conference goes through CreateChild instead.
func NewTelemetry(ctx context.Context, name string, attributes ...attribute.KeyValue) *Telemetry {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attributes...))

	return &Telemetry{
		span:    span,
		context: ctx,
	}
}

// CreateChild opens a span parented on this one.
func (t *Telemetry) CreateChild(name string, attributes ...attribute.KeyValue) *Telemetry {
	return NewTelemetry(t.context, name, attributes...)
}

// AddEvent records a point-in-time event on the span.
func (t *Telemetry) AddEvent(text string, attributes ...attribute.KeyValue) {
	t.span.AddEvent(text, trace.WithAttributes(attributes...))
}

// AddError records an error on the span without changing its status.
func (t *Telemetry) AddError(err error) {
	t.span.RecordError(err)
}

// Fail records the error and marks the whole span failed. Used when the
// span's subject is over for a bad reason, e.g. a participant terminated
// because no bridge could take it.
func (t *Telemetry) Fail(err error) {
	t.span.SetStatus(codes.Error, err.Error())
	t.AddError(err)
}

func (t *Telemetry) End() {
	t.span.End()
}
