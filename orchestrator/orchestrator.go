// Package orchestrator coordinates the guardrail pipeline for one cost
// event: evaluate against the loaded policies, then dispatch on the
// matched mode. Dry-run notifies, manual persists planned executions
// and mints an approval link, auto executes immediately. Every step is
// journaled and persisted so the approval webhook and the TTL sweep can
// pick up where this package left off.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/jarru/approval"
	"github.com/yairfalse/jarru/ledger"
	"github.com/yairfalse/jarru/notify"
	"github.com/yairfalse/jarru/policy"
	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
	"github.com/yairfalse/jarru/wal"
)

// Actor names recorded on executions this package creates
const (
	actorIngest = "system:ingest"
	actorAuto   = "system:auto"
)

// Options wires an Orchestrator. Policies, Executor, and Store are
// required; everything else has a working default. Signer is only
// needed when a policy runs in manual mode.
type Options struct {
	Policies        PolicySource
	Engine          *policy.Engine
	Executor        PlanExecutor
	Store           ledger.Store
	Notifier        notify.Notifier
	Signer          *approval.Signer
	Journal         *wal.WAL
	Metrics         *telemetry.GuardrailMetrics
	Logger          *telemetry.Logger
	ApprovalBaseURL string
	GlobalDryRun    bool
}

// Orchestrator coordinates evaluate → decide → act for cost events
type Orchestrator struct {
	policies        PolicySource
	engine          *policy.Engine
	executor        PlanExecutor
	store           ledger.Store
	notifier        notify.Notifier
	signer          *approval.Signer
	journal         *wal.WAL
	metrics         *telemetry.GuardrailMetrics
	logger          *telemetry.Logger
	approvalBaseURL string
	globalDryRun    bool
	now             func() time.Time
}

// New creates an orchestrator from the given options
func New(opts Options) (*Orchestrator, error) {
	if opts.Policies == nil {
		return nil, fmt.Errorf("orchestrator requires a policy source")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("orchestrator requires an executor")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator requires a ledger store")
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewLogger("orchestrator")
	}
	engine := opts.Engine
	if engine == nil {
		engine = policy.NewEngine(logger)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewNoop(logger)
	}

	return &Orchestrator{
		policies:        opts.Policies,
		engine:          engine,
		executor:        opts.Executor,
		store:           opts.Store,
		notifier:        notifier,
		signer:          opts.Signer,
		journal:         opts.Journal,
		metrics:         opts.Metrics,
		logger:          logger,
		approvalBaseURL: opts.ApprovalBaseURL,
		globalDryRun:    opts.GlobalDryRun,
		now:             time.Now,
	}, nil
}

// HandleEvent runs one cost event through the full pipeline. The
// returned error means the event was not fully handled and is safe to
// redeliver: executions are keyed by the event and the IAM attach is
// idempotent, so a retry never applies a guardrail twice.
func (o *Orchestrator) HandleEvent(ctx context.Context, event types.CostEvent) (Result, error) {
	start := time.Now()
	result, err := o.handleEvent(ctx, event)
	if o.metrics != nil {
		o.metrics.RecordHandleDuration(ctx, string(result.Outcome), float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		o.logger.WithContext(ctx).Error().
			Err(err).
			Str("event_id", event.EventID).
			Msg("event handling failed")
		o.notifyError(ctx, event, err)
	}
	return result, err
}

func (o *Orchestrator) handleEvent(ctx context.Context, event types.CostEvent) (Result, error) {
	o.logger.WithContext(ctx).Info().
		Str("event_id", event.EventID).
		Str("account_id", event.AccountID).
		Float64("amount", event.Amount).
		Msg("handling cost event")

	if o.metrics != nil {
		o.metrics.RecordEventReceived(ctx, string(event.Source))
	}
	// Span events mirror the journal entries, so a trace reads like
	// the audit trail. They no-op outside daemon mode.
	telemetry.RecordCostEventReceived(trace.SpanFromContext(ctx),
		event.EventID, string(event.Source), event.AccountID, event.Amount,
		"cost event accepted")
	o.journalAppend(wal.EntryEventReceived, event.EventID, event)

	policies, err := o.policies.Load(ctx)
	if err != nil {
		return Result{Outcome: OutcomeError, EventID: event.EventID}, fmt.Errorf("loading policies: %w", err)
	}
	if len(policies) == 0 {
		o.logger.WithContext(ctx).Warn().Msg("no policies loaded, nothing to evaluate")
		return Result{Outcome: OutcomeNoPolicies, EventID: event.EventID}, nil
	}

	plan := o.engine.Evaluate(event, policies, o.now())
	if !plan.Matched {
		o.logger.WithContext(ctx).Info().
			Str("event_id", event.EventID).
			Msg("no policy matched this cost event")
		return Result{Outcome: OutcomeNoMatch, EventID: event.EventID}, nil
	}

	if o.globalDryRun && plan.Mode != types.ModeDryRun {
		o.logger.WithContext(ctx).Info().
			Str("policy_id", plan.MatchedPolicyID).
			Msg("global dry-run enabled, forcing dry_run mode")
		plan.Mode = types.ModeDryRun
	}

	o.logger.WithContext(ctx).Info().
		Str("policy_id", plan.MatchedPolicyID).
		Str("mode", string(plan.Mode)).
		Msg("policy matched")

	if o.metrics != nil {
		o.metrics.RecordPolicyMatch(ctx, plan.MatchedPolicyID, string(plan.Mode))
	}
	telemetry.RecordPlanDecidedEvent(trace.SpanFromContext(ctx),
		event.EventID, plan.MatchedPolicyID, string(plan.Mode), true,
		int64(len(plan.Actions)), "policy matched, plan decided")
	o.journalAppend(wal.EntryPlanDecided, event.EventID, plan)

	routing := notificationSettings(plan.MatchedPolicyID, policies)

	switch plan.Mode {
	case types.ModeDryRun:
		return o.handleDryRun(ctx, event, plan, routing), nil
	case types.ModeManual:
		return o.handleManual(ctx, event, plan, routing)
	case types.ModeAuto:
		return o.handleAuto(ctx, event, plan, routing)
	default:
		return Result{Outcome: OutcomeError, EventID: event.EventID, PolicyID: plan.MatchedPolicyID},
			fmt.Errorf("unknown mode: %s", plan.Mode)
	}
}

// handleDryRun announces the match and touches nothing
func (o *Orchestrator) handleDryRun(ctx context.Context, event types.CostEvent, plan types.ActionPlan, routing types.NotificationSettings) Result {
	consoleURL := notify.CostConsoleURL(event.Details["region"])
	sent := o.send(ctx, notify.DryRunNotice(event, plan, consoleURL).WithRouting(routing))

	return Result{
		Outcome:          OutcomeDryRun,
		EventID:          event.EventID,
		PolicyID:         plan.MatchedPolicyID,
		Mode:             plan.Mode,
		NotificationSent: sent,
	}
}

// handleManual persists the plan as planned executions and asks a human
// to approve the first one
func (o *Orchestrator) handleManual(ctx context.Context, event types.CostEvent, plan types.ActionPlan, routing types.NotificationSettings) (Result, error) {
	result := Result{Outcome: OutcomeApprovalRequested, EventID: event.EventID, PolicyID: plan.MatchedPolicyID, Mode: plan.Mode}

	if o.signer == nil {
		result.Outcome = OutcomeError
		return result, fmt.Errorf("manual mode requires an approval signer")
	}

	// Simulate to enumerate the work without touching IAM. The
	// simulated diff keeps would_deny, which the approval flow reads
	// back when it executes for real.
	executions, err := o.executor.Execute(ctx, plan, event.EventID, actorIngest, true)
	if err != nil {
		result.Outcome = OutcomeError
		return result, fmt.Errorf("planning executions: %w", err)
	}
	if len(executions) == 0 {
		result.Outcome = OutcomeError
		return result, fmt.Errorf("no executions created for approval")
	}

	for i := range executions {
		executions[i].Status = types.StatusPlanned
		executions[i].ExecutedAt = nil
		if err := o.store.Put(ctx, executions[i]); err != nil {
			result.Outcome = OutcomeError
			return result, fmt.Errorf("persisting planned execution %s: %w", executions[i].ExecutionID, err)
		}
	}
	if o.metrics != nil {
		o.metrics.RecordExecutionsCreated(ctx, string(plan.Mode), string(types.StatusPlanned), int64(len(executions)))
	}

	primary := executions[0]
	link := o.signer.ApprovalURL(primary.ExecutionID, o.approvalBaseURL, o.now())

	result.ExecutionID = primary.ExecutionID
	result.ExecutionsCreated = len(executions)
	result.NotificationSent = o.send(ctx, notify.ApprovalRequest(event, plan, primary.ExecutionID, link.URL).WithRouting(routing))

	o.logger.WithContext(ctx).Info().
		Str("execution_id", primary.ExecutionID).
		Str("policy_id", plan.MatchedPolicyID).
		Int("executions", len(executions)).
		Msg("approval requested")

	return result, nil
}

// handleAuto executes the plan immediately, no approval gate
func (o *Orchestrator) handleAuto(ctx context.Context, event types.CostEvent, plan types.ActionPlan, routing types.NotificationSettings) (Result, error) {
	result := Result{Outcome: OutcomeExecuted, EventID: event.EventID, PolicyID: plan.MatchedPolicyID, Mode: plan.Mode}

	executions, err := o.executor.Execute(ctx, plan, event.EventID, actorAuto, false)
	if err != nil {
		result.Outcome = OutcomeError
		return result, fmt.Errorf("executing plan: %w", err)
	}
	if len(executions) == 0 {
		result.Outcome = OutcomeError
		return result, fmt.Errorf("executor produced no executions")
	}

	// Failed targets are persisted too; the ledger records what was
	// attempted, not only what worked.
	for i := range executions {
		if err := o.store.Put(ctx, executions[i]); err != nil {
			result.Outcome = OutcomeError
			return result, fmt.Errorf("persisting execution %s: %w", executions[i].ExecutionID, err)
		}
	}
	if o.metrics != nil {
		for status, count := range countByStatus(executions) {
			o.metrics.RecordExecutionsCreated(ctx, string(plan.Mode), string(status), count)
		}
	}

	primary := executions[0]
	for i := range executions {
		errMsg := ""
		if reason, ok := executions[i].Diff["error"].(string); ok {
			errMsg = reason
		}
		telemetry.RecordExecutionAppliedEvent(trace.SpanFromContext(ctx),
			executions[i].ExecutionID, executions[i].Action, executions[i].Target,
			string(executions[i].Status), errMsg, "guardrail execution recorded")
	}

	result.ExecutionID = primary.ExecutionID
	result.ExecutionsCreated = len(executions)
	result.TTLExpiresAt = primary.TTLExpiresAt
	result.NotificationSent = o.send(ctx, notify.ExecutionConfirmation(primary).WithRouting(routing))

	o.logger.WithContext(ctx).Info().
		Str("execution_id", primary.ExecutionID).
		Str("policy_id", plan.MatchedPolicyID).
		Int("executions", len(executions)).
		Msg("guardrail executed")

	return result, nil
}

// Rollback reverses one applied guardrail by execution ID and persists
// the transition. Drives the CLI rollback command; the TTL sweep has
// its own loop in the reaper.
func (o *Orchestrator) Rollback(ctx context.Context, executionID string) (*types.ActionExecution, error) {
	execution, err := o.store.Get(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("loading execution %s: %w", executionID, err)
	}

	ok, err := o.executor.Rollback(ctx, execution, false)
	if err != nil {
		o.recordRollback(ctx, "failed")
		return nil, fmt.Errorf("rolling back %s: %w", executionID, err)
	}
	if !ok {
		o.recordRollback(ctx, "skipped")
		return nil, fmt.Errorf("execution %s cannot be rolled back (status: %s)", executionID, execution.Status)
	}

	if err := o.store.UpdateIf(ctx, *execution, types.StatusExecuted); err != nil {
		o.recordRollback(ctx, "failed")
		return nil, fmt.Errorf("persisting rollback of %s: %w", executionID, err)
	}
	o.recordRollback(ctx, "ok")
	telemetry.RecordRollbackEvent(trace.SpanFromContext(ctx),
		executionID, "manual", "ok", "guardrail rolled back on request")

	o.logger.WithContext(ctx).Info().
		Str("execution_id", executionID).
		Str("policy_id", execution.PolicyID).
		Msg("guardrail rolled back")

	o.send(ctx, notify.RollbackConfirmation(*execution))
	return execution, nil
}

func (o *Orchestrator) recordRollback(ctx context.Context, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordRollback(ctx, "manual", outcome)
	}
}

// send delivers a notification best-effort and reports whether it went
// out
func (o *Orchestrator) send(ctx context.Context, msg notify.Message) bool {
	if err := o.notifier.Send(ctx, msg); err != nil {
		o.logger.Warn().Err(err).Msg("notification failed")
		return false
	}
	return true
}

func (o *Orchestrator) notifyError(ctx context.Context, event types.CostEvent, handleErr error) {
	if err := o.notifier.Send(ctx, notify.ErrorAlert(event, handleErr.Error(), "")); err != nil {
		o.logger.Warn().Err(err).Msg("error notification failed")
	}
}

// journalAppend records a pipeline step in the local journal. The
// journal is an optional receipt trail; a write failure never fails the
// event.
func (o *Orchestrator) journalAppend(entryType wal.EntryType, refID string, data any) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Append(entryType, refID, data); err != nil {
		o.logger.Warn().Err(err).Str("ref_id", refID).Msg("journal append failed")
	}
}

// notificationSettings finds the matched policy's routing overrides
func notificationSettings(policyID string, policies []types.Policy) types.NotificationSettings {
	for i := range policies {
		if policies[i].PolicyID == policyID {
			return policies[i].Notify
		}
	}
	return types.NotificationSettings{}
}

func countByStatus(executions []types.ActionExecution) map[types.ExecutionStatus]int64 {
	counts := make(map[types.ExecutionStatus]int64, 2)
	for i := range executions {
		counts[executions[i].Status]++
	}
	return counts
}

// DirectorySource loads policies from YAML files in a directory
type DirectorySource struct {
	dir    string
	loader *policy.Loader
}

// NewDirectorySource creates a source reading policy files from dir
func NewDirectorySource(dir string, logger *telemetry.Logger) *DirectorySource {
	return &DirectorySource{dir: dir, loader: policy.NewLoader(logger)}
}

// Load reads and validates every policy file in the directory
func (s *DirectorySource) Load(ctx context.Context) ([]types.Policy, error) {
	return s.loader.LoadDirectory(s.dir)
}
