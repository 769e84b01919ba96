// Package approval executes guardrails that were planned in manual
// mode once a human follows the signed approval link. Five gates run
// in order: signature, link freshness, record existence, planned
// status, then the deferred execution itself. The planned-status
// conditional write in the ledger is what keeps a double-click or a
// concurrent sweep from applying the same guardrail twice.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/yairfalse/jarru/ledger"
	"github.com/yairfalse/jarru/notify"
	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
)

// Outcome classifies an approval attempt
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeForbidden   Outcome = "forbidden"
	OutcomeExpired     Outcome = "expired"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeConflict    Outcome = "conflict"
	OutcomeServerError Outcome = "server_error"
)

// Result is the approval verdict plus the applied execution on success
type Result struct {
	Outcome   Outcome
	Message   string
	Execution *types.ActionExecution
}

// DefaultWindow is how long an approval link stays valid
const DefaultWindow = time.Hour

// PlanExecutor is the slice of the executor the approval flow needs
type PlanExecutor interface {
	Execute(ctx context.Context, plan types.ActionPlan, eventID, executedBy string, simulate bool) ([]types.ActionExecution, error)
}

// Service drives the deferred execution of planned guardrails
type Service struct {
	store    ledger.Store
	executor PlanExecutor
	notifier notify.Notifier
	signer   *Signer
	window   time.Duration
	logger   *telemetry.Logger
	now      func() time.Time
}

func NewService(store ledger.Store, exec PlanExecutor, notifier notify.Notifier, signer *Signer, window time.Duration, logger *telemetry.Logger) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = telemetry.NewLogger("approval")
	}
	if notifier == nil {
		notifier = notify.NewNoop(logger)
	}
	return &Service{
		store:    store,
		executor: exec,
		notifier: notifier,
		signer:   signer,
		window:   window,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleApproval validates an approval link and, when every gate
// passes, executes the planned guardrail for real, persisting the
// result under the original execution ID
func (s *Service) HandleApproval(ctx context.Context, executionID, signature, timestamp, approver string) Result {
	if !s.signer.Verify(executionID, timestamp, signature) {
		s.logger.Warn().Str("execution_id", executionID).Msg("approval rejected, signature mismatch")
		return Result{Outcome: OutcomeForbidden, Message: "Invalid signature"}
	}

	// A link is fresh strictly under the window; exactly at the
	// boundary it is already expired.
	issued, err := parseTimestamp(timestamp)
	if err != nil || s.now().Sub(issued) >= s.window {
		s.logger.Warn().Str("execution_id", executionID).Str("ts", timestamp).Msg("approval rejected, link expired")
		return Result{Outcome: OutcomeExpired, Message: "Approval link expired"}
	}

	execution, err := s.store.Get(ctx, executionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Result{Outcome: OutcomeNotFound, Message: "Execution not found"}
		}
		s.logger.Error().Err(err).Str("execution_id", executionID).Msg("loading execution failed")
		return Result{Outcome: OutcomeServerError, Message: "Failed to load execution"}
	}

	if execution.Status != types.StatusPlanned {
		return Result{
			Outcome: OutcomeConflict,
			Message: fmt.Sprintf("Already processed (status: %s)", execution.Status),
		}
	}

	return s.executePlanned(ctx, execution, approver)
}

// executePlanned rebuilds a single-action plan from the stored record
// and runs it for real
func (s *Service) executePlanned(ctx context.Context, execution *types.ActionExecution, approver string) Result {
	deny, source := denyActions(execution)
	if len(deny) == 0 && execution.Action == types.ActionAttachDenyPolicy {
		return Result{Outcome: OutcomeServerError, Message: "No deny actions found in execution record"}
	}

	plan := types.ActionPlan{
		Matched:          true,
		MatchedPolicyID:  execution.PolicyID,
		Mode:             types.ModeManual,
		Actions:          []types.PolicyAction{{Type: execution.Action, Deny: deny}},
		TTLMinutes:       0,
		TargetPrincipals: []string{execution.Target},
	}

	executedBy := "user:" + approver
	applied, err := s.executeOne(ctx, plan, execution.EventID, executedBy)
	if err != nil {
		s.markFailed(ctx, execution, executedBy, err)
		s.logger.Error().Err(err).Str("execution_id", execution.ExecutionID).Msg("approved execution failed")
		return Result{Outcome: OutcomeServerError, Message: err.Error()}
	}

	// The applied record replaces the planned one: same identity, new
	// status and diff.
	applied.ExecutionID = execution.ExecutionID
	if err := s.store.UpdateIf(ctx, *applied, types.StatusPlanned); err != nil {
		if errors.Is(err, ledger.ErrStatusConflict) {
			// Lost the race to another approver or the sweep. The
			// attach is idempotent, so nothing was applied twice.
			return Result{
				Outcome: OutcomeConflict,
				Message: "Already processed (status: " + string(types.StatusExecuted) + ")",
			}
		}
		s.logger.Error().Err(err).Str("execution_id", execution.ExecutionID).Msg("persisting approved execution failed")
		return Result{Outcome: OutcomeServerError, Message: "Failed to persist execution"}
	}

	s.logger.Info().
		Str("execution_id", applied.ExecutionID).
		Str("policy_id", applied.PolicyID).
		Str("executed_by", executedBy).
		Str("deny_source", source).
		Msg("guardrail approved and applied")

	if err := s.notifier.Send(ctx, notify.ExecutionConfirmation(*applied)); err != nil {
		s.logger.Warn().Err(err).Msg("approval confirmation notification failed")
	}

	return Result{Outcome: OutcomeOK, Message: "Guardrail applied successfully", Execution: applied}
}

func (s *Service) executeOne(ctx context.Context, plan types.ActionPlan, eventID, executedBy string) (*types.ActionExecution, error) {
	executions, err := s.executor.Execute(ctx, plan, eventID, executedBy, false)
	if err != nil {
		return nil, err
	}
	if len(executions) == 0 {
		return nil, fmt.Errorf("executor produced no execution")
	}
	applied := executions[0]
	if applied.Status == types.StatusFailed {
		msg, _ := applied.DiffString("error")
		if msg == "" {
			msg = "execution failed"
		}
		return nil, fmt.Errorf("%s", msg)
	}
	return &applied, nil
}

// markFailed records the failure under the original ID, still gated on
// the planned status so a concurrent winner is not overwritten
func (s *Service) markFailed(ctx context.Context, execution *types.ActionExecution, executedBy string, execErr error) {
	failed := *execution
	failed.Status = types.StatusFailed
	failed.ExecutedBy = executedBy
	failed.Diff = map[string]any{"error": execErr.Error()}
	if err := s.store.UpdateIf(ctx, failed, types.StatusPlanned); err != nil {
		s.logger.Error().Err(err).Str("execution_id", execution.ExecutionID).Msg("recording failed execution failed")
	}
}

// denyActions recovers the deny list from a planned record. Simulated
// plans carry it in diff.would_deny; older records embed the whole
// policy document instead. The second return names which source won.
func denyActions(execution *types.ActionExecution) ([]string, string) {
	if deny, ok := execution.DiffStrings("would_deny"); ok && len(deny) > 0 {
		return deny, "would_deny"
	}
	if deny := policyDocumentActions(execution.Diff); len(deny) > 0 {
		return deny, "policy_document"
	}
	return nil, ""
}

func policyDocumentActions(diff map[string]any) []string {
	doc, ok := diff["policy_document"].(map[string]any)
	if !ok {
		return nil
	}
	statements, ok := doc["Statement"].([]any)
	if !ok || len(statements) == 0 {
		return nil
	}
	first, ok := statements[0].(map[string]any)
	if !ok {
		return nil
	}
	switch actions := first["Action"].(type) {
	case string:
		return []string{actions}
	case []string:
		return actions
	case []any:
		out := make([]string, 0, len(actions))
		for _, a := range actions {
			s, ok := a.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	}
	return nil
}

// parseTimestamp accepts the RFC3339 form links are minted with, plus
// unix seconds for hand-built requests
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable approval timestamp %q", s)
}
