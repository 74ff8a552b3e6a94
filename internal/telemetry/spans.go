package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/codex-k8s/tool-orchestrator"

// StartPlanSpan starts a span covering one ExecuteTools call.
func StartPlanSpan(ctx context.Context, tools []string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "execute_tools",
		trace.WithAttributes(
			attribute.StringSlice("tools.requested", tools),
		),
	)
}

// StartToolSpan starts a span for one tool invocation.
func StartToolSpan(ctx context.Context, tool string, batch int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tool",
		trace.WithAttributes(
			attribute.String("tool.name", tool),
			attribute.Int("plan.batch", batch),
		),
	)
}

// StartSelectSpan starts a span for one SelectTools call.
func StartSelectSpan(ctx context.Context, query string, contextItems int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "select_tools",
		trace.WithAttributes(
			attribute.Int("query.length", len(query)),
			attribute.Int("context.items", contextItems),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
