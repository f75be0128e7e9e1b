package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "concilium"

// StartSessionSpan starts a span covering a full deliberation session.
func StartSessionSpan(ctx context.Context, sessionID, mode string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.mode", mode),
		),
	)
}

// StartPhaseSpan starts a span for one phase within a session.
func StartPhaseSpan(ctx context.Context, sessionID, phase string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "phase",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("phase.name", phase),
		),
	)
}
