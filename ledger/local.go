package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
)

var bucketExecutions = []byte("executions")

var _ Store = (*LocalStore)(nil)

// timeIndexEntry orders executions by executed_at for newest-first
// listing without scanning the whole bucket
type timeIndexEntry struct {
	ExecutedAt  string // canonical UTC form, "" for never-executed drafts
	ExecutionID string
}

func indexLess(a, b timeIndexEntry) bool {
	if a.ExecutedAt != b.ExecutedAt {
		return a.ExecutedAt < b.ExecutedAt
	}
	return a.ExecutionID < b.ExecutionID
}

// LocalStore keeps the audit trail in a bbolt file with an in-memory
// btree index over executed_at. Good for development, tests and
// single-node daemon runs; the DynamoDB store is the deployment
// default.
type LocalStore struct {
	mu     sync.RWMutex
	index  *btree.BTreeG[timeIndexEntry]
	db     *bbolt.DB
	logger *telemetry.Logger
}

// NewLocalStore opens (or creates) the ledger database under dir and
// rebuilds the time index from disk
func NewLocalStore(dir string, logger *telemetry.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = telemetry.NewLogger("audit-ledger")
	}

	db, err := bbolt.Open(filepath.Join(dir, "jarru.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketExecutions)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing ledger bucket: %w", err)
	}

	s := &LocalStore{
		index:  btree.NewG[timeIndexEntry](32, indexLess),
		db:     db,
		logger: logger,
	}
	if err := s.rebuildIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LocalStore) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(_, v []byte) error {
			var e types.ActionExecution
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("rebuilding ledger index: %w", err)
			}
			s.index.ReplaceOrInsert(indexEntry(e))
			return nil
		})
	})
}

func indexEntry(e types.ActionExecution) timeIndexEntry {
	entry := timeIndexEntry{ExecutionID: e.ExecutionID}
	if e.ExecutedAt != nil {
		entry.ExecutedAt = FormatTime(*e.ExecutedAt)
	}
	return entry
}

func (s *LocalStore) Put(ctx context.Context, execution types.ActionExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(execution)
}

// put writes the record and keeps the index in step. Callers hold the
// write lock.
func (s *LocalStore) put(execution types.ActionExecution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("marshaling execution %s: %w", execution.ExecutionID, err)
	}

	var previous *types.ActionExecution
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		if old := b.Get([]byte(execution.ExecutionID)); old != nil {
			var oldExec types.ActionExecution
			if err := json.Unmarshal(old, &oldExec); err == nil {
				previous = &oldExec
			}
		}
		return b.Put([]byte(execution.ExecutionID), data)
	})
	if err != nil {
		return fmt.Errorf("saving execution %s: %w", execution.ExecutionID, err)
	}

	if previous != nil {
		s.index.Delete(indexEntry(*previous))
	}
	s.index.ReplaceOrInsert(indexEntry(execution))
	return nil
}

func (s *LocalStore) Get(ctx context.Context, executionID string) (*types.ActionExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var execution *types.ActionExecution
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(executionID))
		if data == nil {
			return ErrNotFound
		}
		var e types.ActionExecution
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("unmarshaling execution %s: %w", executionID, err)
		}
		execution = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return execution, nil
}

func (s *LocalStore) UpdateIf(ctx context.Context, execution types.ActionExecution, expected types.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *types.ActionExecution
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(execution.ExecutionID))
		if data == nil {
			return nil
		}
		var e types.ActionExecution
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("unmarshaling execution %s: %w", execution.ExecutionID, err)
		}
		current = &e
		return nil
	})
	if err != nil {
		return err
	}
	if current == nil || current.Status != expected {
		return ErrStatusConflict
	}
	return s.put(execution)
}

func (s *LocalStore) QueryByPolicy(ctx context.Context, policyID string, limit int) ([]types.ActionExecution, error) {
	return s.descendFiltered(limit, func(e types.ActionExecution) bool {
		return e.PolicyID == policyID
	})
}

func (s *LocalStore) ListRecent(ctx context.Context, limit int, status types.ExecutionStatus) ([]types.ActionExecution, error) {
	return s.descendFiltered(limit, func(e types.ActionExecution) bool {
		return status == "" || e.Status == status
	})
}

func (s *LocalStore) descendFiltered(limit int, keep func(types.ActionExecution) bool) ([]types.ActionExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.ActionExecution
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		var innerErr error
		s.index.Descend(func(entry timeIndexEntry) bool {
			data := b.Get([]byte(entry.ExecutionID))
			if data == nil {
				return true
			}
			var e types.ActionExecution
			if err := json.Unmarshal(data, &e); err != nil {
				innerErr = fmt.Errorf("unmarshaling execution %s: %w", entry.ExecutionID, err)
				return false
			}
			if !keep(e) {
				return true
			}
			out = append(out, e)
			return len(out) < limit
		})
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LocalStore) QueryExpired(ctx context.Context, now time.Time) ([]types.ActionExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.ActionExecution
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(_, v []byte) error {
			var e types.ActionExecution
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshaling execution: %w", err)
			}
			if e.Status != types.StatusExecuted || e.TTLExpiresAt == nil {
				return nil
			}
			if e.TTLExpiresAt.After(now) {
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].TTLExpiresAt.Before(*out[j].TTLExpiresAt)
	})
	return out, nil
}

func (s *LocalStore) Close() error {
	return s.db.Close()
}
