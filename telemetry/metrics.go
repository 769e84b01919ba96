package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GuardrailMetrics holds the guardrail pipeline metrics
type GuardrailMetrics struct {
	// Counters
	EventsReceived    metric.Int64Counter
	PolicyMatches     metric.Int64Counter
	ExecutionsCreated metric.Int64Counter
	Rollbacks         metric.Int64Counter

	// Histograms
	HandleDuration metric.Float64Histogram
	SweepDuration  metric.Float64Histogram
}

// InitGuardrailMetrics initializes all guardrail pipeline metrics
func InitGuardrailMetrics(meter metric.Meter) (*GuardrailMetrics, error) {
	m := &GuardrailMetrics{}

	if err := m.initCounters(meter); err != nil {
		return nil, err
	}

	if err := m.initHistograms(meter); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *GuardrailMetrics) initCounters(meter metric.Meter) error {
	var err error

	m.EventsReceived, err = meter.Int64Counter(
		"jarru.events.received.total",
		metric.WithDescription("Total number of cost events received"),
		metric.WithUnit("events"),
	)
	if err != nil {
		return err
	}

	m.PolicyMatches, err = meter.Int64Counter(
		"jarru.policy.matches.total",
		metric.WithDescription("Total number of cost events matched by a policy"),
		metric.WithUnit("matches"),
	)
	if err != nil {
		return err
	}

	m.ExecutionsCreated, err = meter.Int64Counter(
		"jarru.executions.created.total",
		metric.WithDescription("Total number of action executions recorded"),
		metric.WithUnit("executions"),
	)
	if err != nil {
		return err
	}

	m.Rollbacks, err = meter.Int64Counter(
		"jarru.rollbacks.total",
		metric.WithDescription("Total number of guardrail rollback attempts"),
		metric.WithUnit("rollbacks"),
	)
	if err != nil {
		return err
	}

	return nil
}

func (m *GuardrailMetrics) initHistograms(meter metric.Meter) error {
	var err error

	m.HandleDuration, err = meter.Float64Histogram(
		"jarru.event.handle.duration.ms",
		metric.WithDescription("Time taken to handle one cost event end to end"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.SweepDuration, err = meter.Float64Histogram(
		"jarru.sweep.duration.ms",
		metric.WithDescription("Time taken to complete a TTL cleanup sweep"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordEventReceived records a cost event arrival
func (m *GuardrailMetrics) RecordEventReceived(ctx context.Context, source string) {
	m.EventsReceived.Add(ctx, 1,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String("source", source),
		)),
	)
}

// RecordPolicyMatch records a policy match
func (m *GuardrailMetrics) RecordPolicyMatch(ctx context.Context, policyID, mode string) {
	m.PolicyMatches.Add(ctx, 1,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String("policy_id", policyID),
			attribute.String("mode", mode),
		)),
	)
}

// RecordExecutionsCreated records executions persisted to the ledger
func (m *GuardrailMetrics) RecordExecutionsCreated(ctx context.Context, mode, status string, count int64) {
	m.ExecutionsCreated.Add(ctx, count,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String("mode", mode),
			attribute.String("status", status),
		)),
	)
}

// RecordRollback records one rollback attempt. trigger names what
// initiated it (ttl_sweep, manual), outcome how it ended.
func (m *GuardrailMetrics) RecordRollback(ctx context.Context, trigger, outcome string) {
	m.RecordRollbacks(ctx, trigger, outcome, 1)
}

// RecordRollbacks records a batch of rollback attempts that share a
// trigger and outcome, as one sweep produces
func (m *GuardrailMetrics) RecordRollbacks(ctx context.Context, trigger, outcome string, count int64) {
	if count == 0 {
		return
	}
	m.Rollbacks.Add(ctx, count,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String("trigger", trigger),
			attribute.String("outcome", outcome),
		)),
	)
}

// RecordHandleDuration records end-to-end event handling time
func (m *GuardrailMetrics) RecordHandleDuration(ctx context.Context, outcome string, durationMs float64) {
	m.HandleDuration.Record(ctx, durationMs,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String("outcome", outcome),
		)),
	)
}

// RecordSweepDuration records TTL sweep time
func (m *GuardrailMetrics) RecordSweepDuration(ctx context.Context, durationMs float64) {
	m.SweepDuration.Record(ctx, durationMs)
}
