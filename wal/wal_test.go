package wal

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/yairfalse/jarru/types"
)

func TestWAL_AppendAndRead(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}

	event := types.CostEvent{
		EventID:    "budget-ci-budget-1772452800",
		Source:     types.SourceBudget,
		AccountID:  "123456789012",
		Amount:     250,
		TimeWindow: "2026-03-01T10:30:00Z",
	}
	if err := w.Append(EntryEventReceived, event.EventID, event); err != nil {
		t.Fatalf("Failed to append event entry: %v", err)
	}

	plan := types.ActionPlan{
		Matched:          true,
		MatchedPolicyID:  "ci-ec2-spike",
		Mode:             types.ModeAuto,
		Actions:          []types.PolicyAction{{Type: types.ActionAttachDenyPolicy, Deny: []string{"ec2:RunInstances"}}},
		TTLMinutes:       120,
		TargetPrincipals: []string{"arn:aws:iam::123456789012:user/ci-runner"},
	}
	if err := w.Append(EntryPlanDecided, event.EventID, plan); err != nil {
		t.Fatalf("Failed to append plan entry: %v", err)
	}

	execution := types.ActionExecution{
		ExecutionID: "exec-1",
		PolicyID:    "ci-ec2-spike",
		EventID:     event.EventID,
		Status:      types.StatusPlanned,
		ExecutedBy:  "system:ingest",
		Action:      types.ActionAttachDenyPolicy,
		Target:      "arn:aws:iam::123456789012:user/ci-runner",
	}
	if err := w.Append(EntryPlanned, execution.ExecutionID, execution); err != nil {
		t.Fatalf("Failed to append planned entry: %v", err)
	}

	execution.Status = types.StatusExecuted
	if err := w.Append(EntryExecuted, execution.ExecutionID, execution); err != nil {
		t.Fatalf("Failed to append executed entry: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close journal: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "jarru-*.wal"))
	if len(files) == 0 {
		t.Fatal("No journal files found")
	}

	reader, err := NewReader(files[0])
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	defer func() { _ = reader.Close() }()

	expected := []struct {
		entryType EntryType
		refID     string
	}{
		{EntryEventReceived, event.EventID},
		{EntryPlanDecided, event.EventID},
		{EntryPlanned, "exec-1"},
		{EntryExecuted, "exec-1"},
	}

	for i, want := range expected {
		entry, err := reader.Next()
		if err != nil {
			t.Fatalf("Failed to read entry %d: %v", i, err)
		}
		if entry.Type != want.entryType {
			t.Errorf("Entry %d: type = %v, want %v", i, entry.Type, want.entryType)
		}
		if entry.RefID != want.refID {
			t.Errorf("Entry %d: ref_id = %v, want %v", i, entry.RefID, want.refID)
		}
		if entry.Sequence != int64(i+1) {
			t.Errorf("Entry %d: sequence = %v, want %v", i, entry.Sequence, i+1)
		}
	}

	if _, err := reader.Next(); err != io.EOF {
		t.Errorf("Expected EOF, got %v", err)
	}
}

func TestWAL_AppendError(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}

	execution := types.ActionExecution{
		ExecutionID: "exec-fail",
		Status:      types.StatusFailed,
	}
	testErr := fmt.Errorf("iam attach denied")

	if err := w.AppendError(EntryFailed, execution.ExecutionID, execution, testErr); err != nil {
		t.Fatalf("Failed to append error entry: %v", err)
	}
	_ = w.Close()

	files, _ := filepath.Glob(filepath.Join(dir, "jarru-*.wal"))
	reader, _ := NewReader(files[0])
	defer func() { _ = reader.Close() }()

	entry, err := reader.Next()
	if err != nil {
		t.Fatalf("Failed to read entry: %v", err)
	}
	if entry.Type != EntryFailed {
		t.Errorf("Entry type = %v, want %v", entry.Type, EntryFailed)
	}
	if entry.Error != testErr.Error() {
		t.Errorf("Entry error = %v, want %v", entry.Error, testErr.Error())
	}
}

func TestWAL_Replay(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}

	_ = w.Append(EntryEventReceived, "evt-old", map[string]string{"age": "old"})

	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(10 * time.Millisecond)

	_ = w.Append(EntryEventReceived, "evt-new-1", map[string]string{"age": "new"})
	_ = w.Append(EntryEventReceived, "evt-new-2", map[string]string{"age": "new"})
	_ = w.Close()

	var replayed []string
	err = Replay(dir, cutoff, func(entry *Entry) error {
		replayed = append(replayed, entry.RefID)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if len(replayed) != 2 {
		t.Errorf("Replayed %d entries, want 2", len(replayed))
	}
	expectedIDs := []string{"evt-new-1", "evt-new-2"}
	for i, id := range replayed {
		if id != expectedIDs[i] {
			t.Errorf("Replayed[%d] = %v, want %v", i, id, expectedIDs[i])
		}
	}
}

func TestWAL_SequenceNumbers(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}

	for i := 0; i < 5; i++ {
		_ = w.Append(EntryEventReceived, fmt.Sprintf("evt-%d", i), nil)
	}
	_ = w.Close()

	files, _ := filepath.Glob(filepath.Join(dir, "jarru-*.wal"))
	reader, _ := NewReader(files[0])
	defer func() { _ = reader.Close() }()

	for i := 0; i < 5; i++ {
		entry, err := reader.Next()
		if err != nil {
			t.Fatalf("Failed to read entry %d: %v", i, err)
		}
		if entry.Sequence != int64(i+1) {
			t.Errorf("Entry %d: sequence = %d, want %d", i, entry.Sequence, i+1)
		}
	}
}

func TestWAL_DataIntegrity(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}

	execution := types.ActionExecution{
		ExecutionID: "exec-complex",
		Status:      types.StatusFailed,
		Diff: map[string]any{
			"error": "failure with special chars: \"quotes\" and \nnewlines",
		},
	}
	_ = w.Append(EntryFailed, execution.ExecutionID, execution)
	_ = w.Close()

	files, _ := filepath.Glob(filepath.Join(dir, "jarru-*.wal"))
	reader, _ := NewReader(files[0])
	defer func() { _ = reader.Close() }()

	entry, _ := reader.Next()

	var recovered types.ActionExecution
	if err := json.Unmarshal(entry.Data, &recovered); err != nil {
		t.Fatalf("Failed to unmarshal data: %v", err)
	}
	if recovered.ExecutionID != execution.ExecutionID {
		t.Errorf("ExecutionID = %v, want %v", recovered.ExecutionID, execution.ExecutionID)
	}
	if recovered.Diff["error"] != execution.Diff["error"] {
		t.Errorf("Diff error = %v, want %v", recovered.Diff["error"], execution.Diff["error"])
	}
}
