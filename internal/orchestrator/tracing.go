package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScope = "speckit.orchestrator"

	spanStage   = "speckit.stage.spawn"
	spanAttempt = "speckit.agent.attempt"

	attrRunID   = "speckit.run_id"
	attrSpecID  = "speckit.spec_id"
	attrStage   = "speckit.stage"
	attrAgent   = "speckit.agent"
	attrAgentID = "speckit.agent_id"
	attrAttempt = "speckit.attempt"
	attrMode    = "speckit.mode"
	attrStatus  = "speckit.status"
)

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(traceScope).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(attrStatus, "error"))
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.String(attrStatus, "success"))
	}
	span.End()
}
