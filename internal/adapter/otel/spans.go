package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "controltower"

// StartRunSpan starts a span for one workflow run.
func StartRunSpan(ctx context.Context, runID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
		),
	)
}

// StartPhaseSpan starts a span for one workflow phase within a run.
func StartPhaseSpan(ctx context.Context, runID, phase string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow.phase",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("phase", phase),
		),
	)
}

// StartAgentCallSpan starts a span for one remote agent call.
func StartAgentCallSpan(ctx context.Context, agent, kind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.call",
		trace.WithAttributes(
			attribute.String("agent.name", agent),
			attribute.String("call.kind", kind),
		),
	)
}
