// Package reaper sweeps the audit ledger for guardrails whose TTL has
// passed and rolls them back. Runs are idempotent: candidates are
// re-read before acting, failures isolate per execution, and a second
// sweep over unchanged state finds nothing.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/jarru/ledger"
	"github.com/yairfalse/jarru/notify"
	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
)

// DefaultBatchSize caps how many rollbacks one sweep attempts. The
// rest stay expired and the next sweep picks them up.
const DefaultBatchSize = 100

// Rollbacker is the slice of the executor the sweep needs
type Rollbacker interface {
	Rollback(ctx context.Context, execution *types.ActionExecution, simulate bool) (bool, error)
}

// CleanupError describes one failure during a sweep
type CleanupError struct {
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error"`
	Type        string `json:"type"`
}

// Result summarizes one sweep run
type Result struct {
	TotalFound int            `json:"total_found"`
	RolledBack int            `json:"rolled_back"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Errors     []CleanupError `json:"errors,omitempty"`
}

type reapOutcome int

const (
	reapRolledBack reapOutcome = iota
	reapSkipped
	reapFailed
)

// Reaper drives TTL-based automatic rollback
type Reaper struct {
	store     ledger.Store
	executor  Rollbacker
	notifier  notify.Notifier
	batchSize int
	logger    *telemetry.Logger
	now       func() time.Time
}

func NewReaper(store ledger.Store, executor Rollbacker, notifier notify.Notifier, batchSize int, logger *telemetry.Logger) *Reaper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = telemetry.NewLogger("reaper")
	}
	if notifier == nil {
		notifier = notify.NewNoop(logger)
	}
	return &Reaper{
		store:     store,
		executor:  executor,
		notifier:  notifier,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// CleanupExpired queries and rolls back every expired execution, up to
// the batch cap
func (r *Reaper) CleanupExpired(ctx context.Context) (Result, error) {
	now := r.now()
	r.logger.Info().Time("now", now).Msg("starting ttl cleanup run")

	expired, err := r.store.QueryExpired(ctx, now)
	if err != nil {
		r.recordRunFailure(ctx, now, err)
		return Result{
			Errors: []CleanupError{{Error: err.Error(), Type: "cleanup_run_failure"}},
		}, fmt.Errorf("querying expired executions: %w", err)
	}
	if len(expired) == 0 {
		r.logger.Info().Msg("no expired executions")
		return Result{}, nil
	}

	if len(expired) > r.batchSize {
		r.logger.Warn().
			Int("found", len(expired)).
			Int("batch_size", r.batchSize).
			Msg("capping cleanup batch, the rest wait for the next sweep")
		expired = expired[:r.batchSize]
	}

	result := Result{TotalFound: len(expired)}
	var failures []notify.Failure
	for i := range expired {
		outcome, cleanupErr := r.reapOne(ctx, expired[i])
		switch outcome {
		case reapRolledBack:
			result.RolledBack++
		case reapSkipped:
			result.Skipped++
		case reapFailed:
			result.Failed++
			if cleanupErr != nil {
				result.Errors = append(result.Errors, *cleanupErr)
				failures = append(failures, notify.Failure{
					ExecutionID: cleanupErr.ExecutionID,
					Reason:      cleanupErr.Error,
				})
			}
		}
	}

	r.logger.Info().
		Int("total_found", result.TotalFound).
		Int("rolled_back", result.RolledBack).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("ttl cleanup completed")

	if result.Failed > 0 {
		if err := r.notifier.Send(ctx, notify.SweepFailureSummary(result.Failed, failures)); err != nil {
			r.logger.Warn().Err(err).Msg("sweep failure notification failed")
		}
	}
	return result, nil
}

// reapOne rolls back a single candidate. The record is re-read first
// so a manual rollback or approval that landed after the query is
// skipped, not clobbered.
func (r *Reaper) reapOne(ctx context.Context, candidate types.ActionExecution) (reapOutcome, *CleanupError) {
	execution, err := r.store.Get(ctx, candidate.ExecutionID)
	if err != nil {
		r.logger.Error().Err(err).Str("execution_id", candidate.ExecutionID).Msg("re-reading sweep candidate failed")
		return reapFailed, &CleanupError{ExecutionID: candidate.ExecutionID, Error: err.Error(), Type: "rollback_error"}
	}
	if execution.Status != types.StatusExecuted {
		r.logger.Info().
			Str("execution_id", execution.ExecutionID).
			Str("status", string(execution.Status)).
			Msg("skipping candidate, status changed since query")
		return reapSkipped, nil
	}

	ok, err := r.executor.Rollback(ctx, execution, false)
	if err != nil {
		r.markRollbackFailed(ctx, execution, err)
		telemetry.RecordRollbackEvent(trace.SpanFromContext(ctx),
			execution.ExecutionID, "ttl_sweep", "failed", err.Error())
		return reapFailed, &CleanupError{ExecutionID: execution.ExecutionID, Error: err.Error(), Type: "rollback_error"}
	}
	if !ok {
		return reapSkipped, nil
	}

	// Rollback already stamped status and rolled_back_at
	if err := r.store.UpdateIf(ctx, *execution, types.StatusExecuted); err != nil {
		if errors.Is(err, ledger.ErrStatusConflict) {
			r.logger.Warn().Str("execution_id", execution.ExecutionID).Msg("lost the persist race, another path transitioned first")
			return reapSkipped, nil
		}
		r.logger.Error().Err(err).Str("execution_id", execution.ExecutionID).Msg("persisting rollback failed")
		return reapFailed, &CleanupError{ExecutionID: execution.ExecutionID, Error: err.Error(), Type: "rollback_error"}
	}

	r.logger.Info().Str("execution_id", execution.ExecutionID).Msg("rolled back expired guardrail")
	telemetry.RecordRollbackEvent(trace.SpanFromContext(ctx),
		execution.ExecutionID, "ttl_sweep", "ok", "expired guardrail rolled back")
	if err := r.notifier.Send(ctx, notify.RollbackConfirmation(*execution)); err != nil {
		r.logger.Warn().Err(err).Str("execution_id", execution.ExecutionID).Msg("rollback notification failed")
	}
	return reapRolledBack, nil
}

func (r *Reaper) markRollbackFailed(ctx context.Context, execution *types.ActionExecution, rollbackErr error) {
	failed := *execution
	failed.Status = types.StatusFailed
	if failed.Diff == nil {
		failed.Diff = map[string]any{}
	}
	failed.Diff["rollback_error"] = rollbackErr.Error()
	if err := r.store.UpdateIf(ctx, failed, types.StatusExecuted); err != nil {
		r.logger.Error().Err(err).Str("execution_id", execution.ExecutionID).Msg("recording rollback failure failed")
	}
}

// recordRunFailure leaves an audit entry when the sweep could not even
// query its candidates, so broken runs show up next to the executions
// they should have processed
func (r *Reaper) recordRunFailure(ctx context.Context, now time.Time, runErr error) {
	r.logger.Error().Err(runErr).Msg("ttl cleanup run failed")

	entry := types.NewActionExecution(
		"ttl-cleanup",
		fmt.Sprintf("sweep-%d", now.Unix()),
		types.StatusFailed,
		"system:reaper",
		"ttl_cleanup",
		"audit-ledger",
	)
	entry.ExecutedAt = &now
	entry.Diff = map[string]any{"error": runErr.Error(), "type": "cleanup_run_failure"}
	if err := r.store.Put(ctx, *entry); err != nil {
		r.logger.Error().Err(err).Msg("recording cleanup run failure failed")
	}

	if err := r.notifier.Send(ctx, notify.CleanupRunFailure(runErr)); err != nil {
		r.logger.Warn().Err(err).Msg("cleanup failure notification failed")
	}
}
