package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScope = "speckit.pipeline"

	spanRun = "speckit.pipeline.run"
)

func startSpan(ctx context.Context, name, runID, specID string) (context.Context, trace.Span) {
	return otel.Tracer(traceScope).Start(ctx, name, trace.WithAttributes(
		attribute.String("speckit.run_id", runID),
		attribute.String("speckit.spec_id", specID),
	))
}

func endSpan(span trace.Span, err error) {
	if he, ok := AsHalt(err); ok {
		span.SetAttributes(
			attribute.String("speckit.status", string(he.Status)),
			attribute.String("speckit.stage", string(he.Stage)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
