package orchestrator

import (
	"context"
	"time"

	"github.com/yairfalse/jarru/types"
)

// Outcome classifies what handling a cost event produced
type Outcome string

const (
	OutcomeNoPolicies        Outcome = "no_policies"
	OutcomeNoMatch           Outcome = "no_match"
	OutcomeDryRun            Outcome = "dry_run"
	OutcomeApprovalRequested Outcome = "approval_requested"
	OutcomeExecuted          Outcome = "executed"
	OutcomeError             Outcome = "error"
)

// Result is what HandleEvent reports back to the caller
type Result struct {
	Outcome           Outcome    `json:"outcome"`
	EventID           string     `json:"event_id"`
	PolicyID          string     `json:"policy_id,omitempty"`
	Mode              types.Mode `json:"mode,omitempty"`
	ExecutionID       string     `json:"execution_id,omitempty"`
	ExecutionsCreated int        `json:"executions_created,omitempty"`
	NotificationSent  bool       `json:"notification_sent"`
	TTLExpiresAt      *time.Time `json:"ttl_expires_at,omitempty"`
}

// PolicySource supplies the guardrail policies for each evaluation.
// Sources load per event so edited policy files take effect without a
// restart.
type PolicySource interface {
	Load(ctx context.Context) ([]types.Policy, error)
}

// PlanExecutor is the slice of the executor the orchestrator needs
type PlanExecutor interface {
	Execute(ctx context.Context, plan types.ActionPlan, eventID, executedBy string, simulate bool) ([]types.ActionExecution, error)
	Rollback(ctx context.Context, execution *types.ActionExecution, simulate bool) (bool, error)
}

// StaticSource serves a fixed policy set, mainly for tests and one-shot
// CLI invocations
type StaticSource []types.Policy

// Load returns the fixed set
func (s StaticSource) Load(ctx context.Context) ([]types.Policy, error) {
	return s, nil
}
