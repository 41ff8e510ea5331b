package observer

import (
	"context"
	"fmt"
	"time"

	"github.com/spurlab/spur"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Span names the runner emits; the metered tracer keys its instruments off
// these.
const (
	spanRunExecute  = "run.execute"
	spanNodeExecute = "node.execute"
)

// otelTracer implements spur.Tracer using OpenTelemetry. With instruments
// attached it additionally counts run and node starts and records their
// durations when the spans end.
type otelTracer struct {
	inner trace.Tracer
	inst  *Instruments
}

// NewTracer returns a spur.Tracer backed by the global OTEL TracerProvider.
// Call observer.Init() first to configure the provider; otherwise spans go to
// a no-op backend.
func NewTracer() spur.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

// NewMeteredTracer returns a spur.Tracer that, in addition to spans, records
// the run and node counters and duration histograms on the given instruments.
func NewMeteredTracer(inst *Instruments) spur.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName), inst: inst}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...spur.SpanAttr) (context.Context, spur.Span) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(otelAttrs...))

	s := &otelSpan{inner: span}
	if t.inst != nil {
		s.inst = t.inst
		s.name = name
		s.ctx = ctx
		s.start = time.Now()
		switch name {
		case spanRunExecute:
			// run.id would explode metric cardinality, so only the run type
			// rides along.
			s.metricOpt = metricAttrs(attrs, "run.type")
			t.inst.RunsStarted.Add(ctx, 1, s.metricOpt)
		case spanNodeExecute:
			s.metricOpt = metricAttrs(attrs, "node.type")
			t.inst.NodeExecutions.Add(ctx, 1, s.metricOpt)
		}
	}
	return ctx, s
}

// otelSpan implements spur.Span using an OTEL trace.Span.
type otelSpan struct {
	inner trace.Span

	// Set only by a metered tracer.
	inst      *Instruments
	name      string
	ctx       context.Context
	start     time.Time
	metricOpt metric.MeasurementOption
}

func (s *otelSpan) SetAttr(attrs ...spur.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.SetAttributes(otelAttrs...)
}

func (s *otelSpan) Event(name string, attrs ...spur.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	if s.inst != nil {
		durationMs := float64(time.Since(s.start).Milliseconds())
		switch s.name {
		case spanRunExecute:
			s.inst.RunDuration.Record(s.ctx, durationMs, s.metricOpt)
		case spanNodeExecute:
			s.inst.NodeDuration.Record(s.ctx, durationMs, s.metricOpt)
		}
	}
	s.inner.End()
}

// metricAttrs picks the named low-cardinality span attributes for use as
// metric dimensions.
func metricAttrs(attrs []spur.SpanAttr, keys ...string) metric.MeasurementOption {
	var kvs []attribute.KeyValue
	for _, a := range attrs {
		for _, k := range keys {
			if a.Key == k {
				kvs = append(kvs, toOTELAttr(a))
			}
		}
	}
	return metric.WithAttributes(kvs...)
}

// toOTELAttr converts a spur.SpanAttr to an OTEL attribute.KeyValue.
func toOTELAttr(a spur.SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

// compile-time checks
var (
	_ spur.Tracer = (*otelTracer)(nil)
	_ spur.Span   = (*otelSpan)(nil)
)
