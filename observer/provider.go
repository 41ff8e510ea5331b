package observer

import (
	"context"
	"time"

	"github.com/spurlab/spur"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a spur.Provider with OTEL instrumentation: every
// call gets a span, token usage counters, and a structured log record.
type ObservedProvider struct {
	inner spur.Provider
	inst  *Instruments
}

// WrapProvider returns an instrumented provider. Pass the result to
// spur.WithProvider so every llm_call and agent node reports token usage.
func WrapProvider(inner spur.Provider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req spur.ChatRequest) (spur.ChatResponse, error) {
	return o.observe(ctx, "llm.chat", req.Model, func(ctx context.Context) (spur.ChatResponse, error) {
		return o.inner.Chat(ctx, req)
	})
}

func (o *ObservedProvider) ChatWithTools(ctx context.Context, req spur.ChatRequest, tools []spur.ToolDefinition) (spur.ChatResponse, error) {
	return o.observe(ctx, "llm.chat_with_tools", req.Model, func(ctx context.Context) (spur.ChatResponse, error) {
		return o.inner.ChatWithTools(ctx, req, tools)
	})
}

func (o *ObservedProvider) observe(ctx context.Context, method, model string, call func(context.Context) (spur.ChatResponse, error)) (spur.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, method, trace.WithAttributes(
		attribute.String("llm.provider", o.inner.Name()),
		attribute.String("llm.model", model),
	))
	defer span.End()
	start := time.Now()

	resp, err := call(ctx)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Int("llm.tokens.input", resp.Usage.InputTokens),
		attribute.Int("llm.tokens.output", resp.Usage.OutputTokens),
	)

	usageAttrs := func(direction string) metric.MeasurementOption {
		return metric.WithAttributes(
			attribute.String("llm.provider", o.inner.Name()),
			attribute.String("llm.model", model),
			attribute.String("direction", direction),
		)
	}
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.InputTokens), usageAttrs("input"))
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.OutputTokens), usageAttrs("output"))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.provider", o.inner.Name()),
		otellog.String("llm.model", model),
		otellog.String("llm.method", method),
		otellog.Int("llm.tokens.input", resp.Usage.InputTokens),
		otellog.Int("llm.tokens.output", resp.Usage.OutputTokens),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return resp, err
}

var _ spur.Provider = (*ObservedProvider)(nil)
