package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordCostEventReceived emits a structured log event for an incoming cost event
func RecordCostEventReceived(
	span trace.Span,
	eventID string,
	source string,
	accountID string,
	amountUSD float64,
	message string,
) {
	if span == nil {
		return
	}

	span.AddEvent("guardrail.event.received", trace.WithAttributes(
		attribute.String("event.type", "guardrail.event.received"),
		attribute.String("cost_event.id", eventID),
		attribute.String("cost_event.source", source),
		attribute.String("account.id", accountID),
		attribute.Float64("cost.amount_usd", amountUSD),
		attribute.String("message", message),
	))
}

// RecordPlanDecidedEvent emits a structured log event for policy evaluation
func RecordPlanDecidedEvent(
	span trace.Span,
	eventID string,
	policyID string,
	mode string,
	matched bool,
	actionCount int64,
	message string,
) {
	if span == nil {
		return
	}

	span.AddEvent("guardrail.plan.decided", trace.WithAttributes(
		attribute.String("event.type", "guardrail.plan.decided"),
		attribute.String("cost_event.id", eventID),
		attribute.String("policy.id", policyID),
		attribute.String("policy.mode", mode),
		attribute.Bool("plan.matched", matched),
		attribute.Int64("plan.actions", actionCount),
		attribute.String("message", message),
	))
}

// RecordExecutionAppliedEvent emits a structured log event for guardrail execution
func RecordExecutionAppliedEvent(
	span trace.Span,
	executionID string,
	action string,
	target string,
	status string,
	errorMsg string,
	message string,
) {
	if span == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("event.type", "guardrail.execution.applied"),
		attribute.String("execution.id", executionID),
		attribute.String("execution.action", action),
		attribute.String("execution.target", target),
		attribute.String("status", status),
		attribute.String("message", message),
	}

	if errorMsg != "" {
		attrs = append(attrs, attribute.String("error", errorMsg))
	}

	span.AddEvent("guardrail.execution.applied", trace.WithAttributes(attrs...))
}

// RecordRollbackEvent emits a structured log event for a guardrail rollback
func RecordRollbackEvent(
	span trace.Span,
	executionID string,
	trigger string,
	outcome string,
	message string,
) {
	if span == nil {
		return
	}

	span.AddEvent("guardrail.rollback.completed", trace.WithAttributes(
		attribute.String("event.type", "guardrail.rollback.completed"),
		attribute.String("execution.id", executionID),
		attribute.String("rollback.trigger", trigger),
		attribute.String("rollback.outcome", outcome),
		attribute.String("message", message),
	))
}

// RecordSweepCompletedEvent emits a structured log event for sweep completion
func RecordSweepCompletedEvent(
	span trace.Span,
	found int64,
	rolledBack int64,
	failed int64,
	skipped int64,
	durationSeconds float64,
	message string,
) {
	if span == nil {
		return
	}

	span.AddEvent("guardrail.sweep.completed", trace.WithAttributes(
		attribute.String("event.type", "guardrail.sweep.completed"),
		attribute.Int64("sweep.found", found),
		attribute.Int64("sweep.rolled_back", rolledBack),
		attribute.Int64("sweep.failed", failed),
		attribute.Int64("sweep.skipped", skipped),
		attribute.Float64("duration.seconds", durationSeconds),
		attribute.String("message", message),
	))
}
