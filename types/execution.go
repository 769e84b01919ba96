package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus tracks one execution through its lifecycle
type ExecutionStatus string

const (
	StatusPlanned    ExecutionStatus = "planned"
	StatusExecuted   ExecutionStatus = "executed"
	StatusRolledBack ExecutionStatus = "rolled_back"
	StatusFailed     ExecutionStatus = "failed"

	// StatusApproved is reserved for a future two-step approval flow.
	// No transition currently produces it.
	StatusApproved ExecutionStatus = "approved"
)

// IsValid reports whether the status is a known value
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case StatusPlanned, StatusExecuted, StatusRolledBack, StatusFailed, StatusApproved:
		return true
	}
	return false
}

// CanTransitionTo enforces the execution state machine:
// planned -> executed -> rolled_back, and planned|executed -> failed.
// Terminal states accept nothing; no transition skips a state.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case StatusPlanned:
		return next == StatusExecuted || next == StatusFailed
	case StatusExecuted:
		return next == StatusRolledBack || next == StatusFailed
	default:
		return false
	}
}

// ActionExecution is the audited unit of work: one action applied to
// one target principal. Owned by the audit ledger once persisted;
// in-memory copies are working drafts until saved. Never deleted.
type ActionExecution struct {
	ExecutionID  string          `json:"execution_id"`
	PolicyID     string          `json:"policy_id"`
	EventID      string          `json:"event_id"`
	Status       ExecutionStatus `json:"status"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	ExecutedBy   string          `json:"executed_by"`
	Action       string          `json:"action"`
	Target       string          `json:"target"`
	Diff         map[string]any  `json:"diff,omitempty"`
	TTLExpiresAt *time.Time      `json:"ttl_expires_at,omitempty"`
	RolledBackAt *time.Time      `json:"rolled_back_at,omitempty"`
}

// NewActionExecution creates an execution draft with a fresh ID
func NewActionExecution(policyID, eventID string, status ExecutionStatus, executedBy, action, target string) *ActionExecution {
	return &ActionExecution{
		ExecutionID: "exec-" + uuid.NewString(),
		PolicyID:    policyID,
		EventID:     eventID,
		Status:      status,
		ExecutedBy:  executedBy,
		Action:      action,
		Target:      target,
		Diff:        map[string]any{},
	}
}

// Validate ensures required fields are present
func (e *ActionExecution) Validate() error {
	if e.ExecutionID == "" {
		return fmt.Errorf("execution ID cannot be empty")
	}
	if e.PolicyID == "" {
		return fmt.Errorf("execution policy ID cannot be empty")
	}
	if e.EventID == "" {
		return fmt.Errorf("execution event ID cannot be empty")
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("unknown execution status %q", e.Status)
	}
	if e.Action == "" {
		return fmt.Errorf("execution action cannot be empty")
	}
	if e.Target == "" {
		return fmt.Errorf("execution target cannot be empty")
	}
	return nil
}

// Transition moves the execution to next, enforcing the state machine
func (e *ActionExecution) Transition(next ExecutionStatus) error {
	if !e.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid status transition %s -> %s", e.Status, next)
	}
	e.Status = next
	return nil
}

// DiffString fetches a string field from the diff, if present
func (e *ActionExecution) DiffString(key string) (string, bool) {
	v, ok := e.Diff[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// DiffStrings fetches a string-list field from the diff, tolerating
// the []any shape JSON round-trips produce
func (e *ActionExecution) DiffStrings(key string) ([]string, bool) {
	v, ok := e.Diff[key]
	if !ok {
		return nil, false
	}
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
