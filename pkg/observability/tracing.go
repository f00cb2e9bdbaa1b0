// Package observability wires OpenTelemetry tracing into nebuladb. Pools trace
// blocking acquires and the transaction coordinator traces every outermost
// commit and rollback.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span wraps a tracing span and batches its attributes until End
type Span struct {
	span       trace.Span
	startTime  time.Time
	attributes []attribute.KeyValue
}

// StartSpan starts a span on the current tracer
func StartSpan(ctx context.Context, operationName string) (context.Context, *Span) {
	ctx, span := GetTracer().Start(ctx, operationName)
	return ctx, &Span{
		span:      span,
		startTime: time.Now(),
	}
}

// SetAttribute adds an attribute to the span
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	case time.Duration:
		attr = attribute.String(key, v.String())
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// AddEvent adds an event to the span
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Elapsed returns the time since the span started
func (s *Span) Elapsed() time.Duration {
	return time.Since(s.startTime)
}

// End records err, if any, and ends the span
func (s *Span) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}
	s.span.End()
}

// ComponentTracer names spans after the component that opens them
type ComponentTracer struct {
	component string
	name      string
}

// NewComponentTracer creates a tracer for one component instance, for
// example ("tx", "orders") or ("pool", "orders@admin")
func NewComponentTracer(component, name string) *ComponentTracer {
	return &ComponentTracer{component: component, name: name}
}

// StartSpan starts a span named component.operation
func (ct *ComponentTracer) StartSpan(ctx context.Context, operation string) (context.Context, *Span) {
	ctx, span := StartSpan(ctx, ct.component+"."+operation)
	span.SetAttribute("nebuladb.component", ct.component)
	span.SetAttribute("nebuladb.name", ct.name)
	return ctx, span
}

// Trace runs fn inside a span and records its error
func (ct *ComponentTracer) Trace(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, span := ct.StartSpan(ctx, operation)
	err := fn(ctx)
	span.End(err)
	return err
}
