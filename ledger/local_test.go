package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/jarru/types"
)

var baseTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func ledgerExec(id string, status types.ExecutionStatus, executedAt time.Time) types.ActionExecution {
	e := types.ActionExecution{
		ExecutionID: id,
		PolicyID:    "ci-ec2-spike",
		EventID:     "evt-1",
		Status:      status,
		ExecutedBy:  "system:auto",
		Action:      types.ActionAttachDenyPolicy,
		Target:      "arn:aws:iam::123456789012:role/ci-deployer",
		Diff:        map[string]any{"policy_arn": "arn:aws:iam::123456789012:policy/guardrails-deny-x-1"},
	}
	if !executedAt.IsZero() {
		e.ExecutedAt = &executedAt
	}
	return e
}

func openLocal(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLocalStore_PutGetRoundTrip(t *testing.T) {
	s := openLocal(t)
	ctx := context.Background()

	ttl := baseTime.Add(time.Hour)
	e := ledgerExec("exec-1", types.StatusExecuted, baseTime)
	e.TTLExpiresAt = &ttl

	require.NoError(t, s.Put(ctx, e))

	got, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, e.ExecutionID, got.ExecutionID)
	assert.Equal(t, e.Status, got.Status)
	assert.True(t, got.ExecutedAt.Equal(baseTime))
	assert.True(t, got.TTLExpiresAt.Equal(ttl))
	assert.Equal(t, "arn:aws:iam::123456789012:policy/guardrails-deny-x-1", got.Diff["policy_arn"])
}

func TestLocalStore_GetMissing(t *testing.T) {
	s := openLocal(t)

	_, err := s.Get(context.Background(), "exec-nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_UpdateIf(t *testing.T) {
	s := openLocal(t)
	ctx := context.Background()

	e := ledgerExec("exec-1", types.StatusPlanned, time.Time{})
	require.NoError(t, s.Put(ctx, e))

	e.Status = types.StatusExecuted
	executedAt := baseTime
	e.ExecutedAt = &executedAt
	require.NoError(t, s.UpdateIf(ctx, e, types.StatusPlanned))

	got, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, got.Status)

	// Second conditional write expecting planned must lose
	err = s.UpdateIf(ctx, e, types.StatusPlanned)
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestLocalStore_UpdateIfMissingRecord(t *testing.T) {
	s := openLocal(t)

	err := s.UpdateIf(context.Background(), ledgerExec("exec-ghost", types.StatusExecuted, baseTime), types.StatusPlanned)
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestLocalStore_ListRecent(t *testing.T) {
	s := openLocal(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, ledgerExec("exec-old", types.StatusExecuted, baseTime.Add(-2*time.Hour))))
	require.NoError(t, s.Put(ctx, ledgerExec("exec-mid", types.StatusRolledBack, baseTime.Add(-time.Hour))))
	require.NoError(t, s.Put(ctx, ledgerExec("exec-new", types.StatusExecuted, baseTime)))

	all, err := s.ListRecent(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "exec-new", all[0].ExecutionID)
	assert.Equal(t, "exec-mid", all[1].ExecutionID)
	assert.Equal(t, "exec-old", all[2].ExecutionID)

	executed, err := s.ListRecent(ctx, 10, types.StatusExecuted)
	require.NoError(t, err)
	require.Len(t, executed, 2)
	assert.Equal(t, "exec-new", executed[0].ExecutionID)

	capped, err := s.ListRecent(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, capped, 1)
	assert.Equal(t, "exec-new", capped[0].ExecutionID)
}

func TestLocalStore_QueryByPolicy(t *testing.T) {
	s := openLocal(t)
	ctx := context.Background()

	a := ledgerExec("exec-a", types.StatusExecuted, baseTime.Add(-time.Hour))
	b := ledgerExec("exec-b", types.StatusExecuted, baseTime)
	other := ledgerExec("exec-c", types.StatusExecuted, baseTime)
	other.PolicyID = "other-policy"

	require.NoError(t, s.Put(ctx, a))
	require.NoError(t, s.Put(ctx, b))
	require.NoError(t, s.Put(ctx, other))

	got, err := s.QueryByPolicy(ctx, "ci-ec2-spike", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "exec-b", got[0].ExecutionID, "newest first")
	assert.Equal(t, "exec-a", got[1].ExecutionID)
}

func TestLocalStore_QueryExpired(t *testing.T) {
	s := openLocal(t)
	ctx := context.Background()
	now := baseTime

	expired := ledgerExec("exec-expired", types.StatusExecuted, now.Add(-2*time.Hour))
	expiredAt := now.Add(-time.Hour)
	expired.TTLExpiresAt = &expiredAt

	atBoundary := ledgerExec("exec-boundary", types.StatusExecuted, now.Add(-time.Hour))
	boundaryAt := now
	atBoundary.TTLExpiresAt = &boundaryAt

	future := ledgerExec("exec-future", types.StatusExecuted, now)
	futureAt := now.Add(time.Hour)
	future.TTLExpiresAt = &futureAt

	rolledBack := ledgerExec("exec-rolled", types.StatusRolledBack, now.Add(-2*time.Hour))
	rolledBack.TTLExpiresAt = &expiredAt

	noTTL := ledgerExec("exec-nottl", types.StatusExecuted, now.Add(-2*time.Hour))

	for _, e := range []types.ActionExecution{expired, atBoundary, future, rolledBack, noTTL} {
		require.NoError(t, s.Put(ctx, e))
	}

	got, err := s.QueryExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "exec-expired", got[0].ExecutionID, "oldest expiry first")
	assert.Equal(t, "exec-boundary", got[1].ExecutionID, "ttl equal to now counts as expired")
}

func TestLocalStore_IndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewLocalStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, ledgerExec("exec-1", types.StatusExecuted, baseTime)))
	require.NoError(t, s.Put(ctx, ledgerExec("exec-2", types.StatusExecuted, baseTime.Add(time.Minute))))
	require.NoError(t, s.Close())

	reopened, err := NewLocalStore(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ListRecent(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "exec-2", got[0].ExecutionID)
}

func TestLocalStore_ReindexesWhenExecutedAtAppears(t *testing.T) {
	s := openLocal(t)
	ctx := context.Background()

	draft := ledgerExec("exec-draft", types.StatusPlanned, time.Time{})
	require.NoError(t, s.Put(ctx, draft))

	executedAt := baseTime
	draft.Status = types.StatusExecuted
	draft.ExecutedAt = &executedAt
	require.NoError(t, s.Put(ctx, draft))

	got, err := s.ListRecent(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, got, 1, "re-put must not leave a stale index entry")
	assert.Equal(t, "exec-draft", got[0].ExecutionID)
}
