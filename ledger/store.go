// Package ledger persists the audit trail of guardrail executions.
// Two implementations share one interface: DynamoDB for deployments
// and a bbolt-backed local store for development and tests. Records
// are never deleted, only transitioned.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/jarru/types"
)

var (
	// ErrNotFound means no execution exists under the given ID
	ErrNotFound = errors.New("execution not found")

	// ErrStatusConflict means a conditional update lost: the stored
	// status no longer matches the expected pre-state
	ErrStatusConflict = errors.New("execution status conflict")
)

// Store is the audit ledger contract
type Store interface {
	// Put writes an execution record, overwriting any previous version
	Put(ctx context.Context, execution types.ActionExecution) error

	// Get loads one execution, ErrNotFound when absent
	Get(ctx context.Context, executionID string) (*types.ActionExecution, error)

	// UpdateIf writes the record only when the stored status still
	// equals expected; ErrStatusConflict otherwise. This is the gate
	// that keeps a concurrent approval and sweep from both winning.
	UpdateIf(ctx context.Context, execution types.ActionExecution, expected types.ExecutionStatus) error

	// QueryByPolicy returns executions for one policy, newest first
	QueryByPolicy(ctx context.Context, policyID string, limit int) ([]types.ActionExecution, error)

	// QueryExpired returns executions whose TTL has passed and are
	// still in executed state
	QueryExpired(ctx context.Context, now time.Time) ([]types.ActionExecution, error)

	// ListRecent returns the latest executions, newest first,
	// optionally filtered by status ("" means all)
	ListRecent(ctx context.Context, limit int, status types.ExecutionStatus) ([]types.ActionExecution, error)

	Close() error
}

// timeLayout is fixed-width UTC so stored timestamps sort
// lexicographically, which the DynamoDB range key and TTL filter
// comparisons rely on.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in the ledger's canonical UTC form
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime reads the canonical form, tolerating plain RFC3339 for
// records written by hand or by older tooling
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unparseable ledger timestamp %q", s)
}
