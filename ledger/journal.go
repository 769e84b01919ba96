package ledger

import (
	"context"

	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
	"github.com/yairfalse/jarru/wal"
)

// journaledStore mirrors every successful write into the local
// journal. Journal failures are logged, never propagated: the ledger
// write already happened and stays authoritative.
type journaledStore struct {
	Store
	journal *wal.WAL
	logger  *telemetry.Logger
}

// NewJournaled wraps store so each persisted transition is also
// appended to journal. A nil journal returns store unchanged.
func NewJournaled(store Store, journal *wal.WAL, logger *telemetry.Logger) Store {
	if journal == nil {
		return store
	}
	if logger == nil {
		logger = telemetry.NewLogger("ledger")
	}
	return &journaledStore{Store: store, journal: journal, logger: logger}
}

func (s *journaledStore) Put(ctx context.Context, execution types.ActionExecution) error {
	if err := s.Store.Put(ctx, execution); err != nil {
		return err
	}
	s.append(execution)
	return nil
}

func (s *journaledStore) UpdateIf(ctx context.Context, execution types.ActionExecution, expected types.ExecutionStatus) error {
	if err := s.Store.UpdateIf(ctx, execution, expected); err != nil {
		return err
	}
	s.append(execution)
	return nil
}

func (s *journaledStore) append(execution types.ActionExecution) {
	if err := s.journal.Append(journalEntryType(execution.Status), execution.ExecutionID, execution); err != nil {
		s.logger.Warn().
			Err(err).
			Str("execution_id", execution.ExecutionID).
			Msg("journal append failed")
	}
}

func journalEntryType(status types.ExecutionStatus) wal.EntryType {
	switch status {
	case types.StatusPlanned:
		return wal.EntryPlanned
	case types.StatusExecuted:
		return wal.EntryExecuted
	case types.StatusRolledBack:
		return wal.EntryRolledBack
	case types.StatusFailed:
		return wal.EntryFailed
	default:
		return wal.EntryType(status)
	}
}
