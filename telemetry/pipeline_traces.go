package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EventSpan represents one cost event moving through the pipeline
type EventSpan struct {
	ctx  context.Context
	span trace.Span
}

// StartEventHandling starts the root span for one cost event
func StartEventHandling(
	ctx context.Context,
	tracer trace.Tracer,
	eventID string,
	source string,
	accountID string,
) (context.Context, *EventSpan) {
	ctx, span := tracer.Start(ctx, "event_handling",
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.String("event.source", source),
			attribute.String("account.id", accountID),
		),
	)

	return ctx, &EventSpan{ctx: ctx, span: span}
}

// End ends the event handling span
func (e *EventSpan) End() {
	e.span.End()
}

// SetAmount sets the triggering cost amount attribute
func (e *EventSpan) SetAmount(amountUSD float64) {
	e.span.SetAttributes(attribute.Float64("cost.amount_usd", amountUSD))
}

// SetOutcome sets how the pipeline resolved the event
func (e *EventSpan) SetOutcome(outcome string) {
	e.span.SetAttributes(attribute.String("outcome", outcome))
}

// SetPlan sets the matched policy attributes
func (e *EventSpan) SetPlan(policyID, mode string, actionCount int64) {
	e.span.SetAttributes(
		attribute.String("policy.id", policyID),
		attribute.String("policy.mode", mode),
		attribute.Int64("plan.actions", actionCount),
	)
}

// RecordFailure marks the event span as failed
func (e *EventSpan) RecordFailure(errorMessage string, errorType string) {
	RecordError(e.span, errorMessage, errorType)
}

// StartEvaluate starts a policy evaluation phase span
func StartEvaluate(
	ctx context.Context,
	tracer trace.Tracer,
	source string,
	accountID string,
) (context.Context, trace.Span) {
	return tracer.Start(ctx, "evaluate",
		trace.WithAttributes(
			attribute.String("event.source", source),
			attribute.String("account.id", accountID),
		),
	)
}

// EndEvaluate ends the evaluate span with the match result
func EndEvaluate(span trace.Span, matched bool, policyID, mode string) {
	span.SetAttributes(
		attribute.Bool("plan.matched", matched),
		attribute.String("policy.id", policyID),
		attribute.String("policy.mode", mode),
	)
	span.End()
}

// StartExecute starts a guardrail execution phase span
func StartExecute(ctx context.Context, tracer trace.Tracer, mode string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "execute",
		trace.WithAttributes(
			attribute.String("policy.mode", mode),
		),
	)
}

// EndExecute ends the execute span with execution counts
func EndExecute(
	span trace.Span,
	total, executed, failed int64,
	notificationsSent int64,
) {
	span.SetAttributes(
		attribute.Int64("executions.total", total),
		attribute.Int64("executions.executed", executed),
		attribute.Int64("executions.failed", failed),
		attribute.Int64("notifications.sent", notificationsSent),
	)
	span.End()
}

// StartSweep starts a TTL sweep span
func StartSweep(ctx context.Context, tracer trace.Tracer, batchSize int64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sweep",
		trace.WithAttributes(
			attribute.Int64("sweep.batch_size", batchSize),
		),
	)
}

// EndSweep ends the sweep span with rollback counts
func EndSweep(
	span trace.Span,
	found, rolledBack, failed, skipped int64,
) {
	span.SetAttributes(
		attribute.Int64("sweep.found", found),
		attribute.Int64("sweep.rolled_back", rolledBack),
		attribute.Int64("sweep.failed", failed),
		attribute.Int64("sweep.skipped", skipped),
	)
	span.End()
}

// RecordError records an error in a span
func RecordError(span trace.Span, errorMessage string, errorType string) {
	span.SetAttributes(
		attribute.String("error.message", errorMessage),
		attribute.String("error.type", errorType),
		attribute.Bool("error.occurred", true),
	)
}
