package recorder_test

import (
	"testing"
	"time"

	"github.com/elspeth-run/elspeth/internal/audit"
	"github.com/elspeth-run/elspeth/internal/recorder"
	"github.com/elspeth-run/elspeth/internal/token"
)

func fixedClock(t time.Time) recorder.Clock {
	return func() time.Time { return t }
}

func newTestRecorder(t *testing.T) (*recorder.Recorder, *audit.Store) {
	t.Helper()
	store, err := audit.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return recorder.New(store, fixedClock(time.Unix(1700000000, 0).UTC())), store
}

func seedRunRowToken(t *testing.T, r *recorder.Recorder) (runID, rowID string) {
	t.Helper()
	runID, err := r.BeginRun("cfg-hash", "{}", "1")
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	rowID, err = r.CreateRow(runID, "src", 0, "row-hash")
	if err != nil {
		t.Fatalf("create row: %v", err)
	}
	return runID, rowID
}

func TestForkTokenRecordsChildrenAndParentOutcomeAtomically(t *testing.T) {
	r, _ := newTestRecorder(t)
	runID, rowID := seedRunRowToken(t, r)
	parent, err := r.CreateInitialToken(rowID, map[string]any{"a": 1.0})
	if err != nil {
		t.Fatalf("create initial token: %v", err)
	}

	children, groupID, err := r.ForkToken(runID, parent, []string{"left", "right"})
	if err != nil {
		t.Fatalf("fork token: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	if groupID == "" {
		t.Fatalf("expected non-empty fork group id")
	}

	if err := r.RecordTerminalOutcome(runID, string(parent.Id), audit.OutcomeForked, audit.OutcomeFields{ForkGroupId: groupID}); err == nil {
		t.Fatalf("expected second terminal outcome on parent to fail (already FORKED from the fork itself)")
	}
}

func TestForkTokenRejectsEmptyBranches(t *testing.T) {
	r, _ := newTestRecorder(t)
	runID, rowID := seedRunRowToken(t, r)
	parent, err := r.CreateInitialToken(rowID, map[string]any{})
	if err != nil {
		t.Fatalf("create initial token: %v", err)
	}
	if _, _, err := r.ForkToken(runID, parent, nil); err == nil {
		t.Fatalf("expected empty branches to be rejected")
	}
}

func TestCoalesceTokensRecordsAllParentOutcomes(t *testing.T) {
	r, _ := newTestRecorder(t)
	runID, rowID := seedRunRowToken(t, r)
	a, err := r.CreateInitialToken(rowID, map[string]any{"x": 1.0})
	if err != nil {
		t.Fatalf("create token a: %v", err)
	}
	b, err := r.CreateInitialToken(rowID, map[string]any{"y": 2.0})
	if err != nil {
		t.Fatalf("create token b: %v", err)
	}

	child, err := r.CoalesceTokens(runID, []*token.Token{a, b}, map[string]any{"x": 1.0, "y": 2.0})
	if err != nil {
		t.Fatalf("coalesce: %v", err)
	}
	if child.JoinGroupId == "" {
		t.Fatalf("expected non-empty join group id")
	}
}

func TestCallIndexAllocationSurvivesRecorderRecreation(t *testing.T) {
	r, store := newTestRecorder(t)
	runID, rowID := seedRunRowToken(t, r)
	tok, err := r.CreateInitialToken(rowID, map[string]any{})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	stateID, err := r.BeginNodeState(string(tok.Id), "node-1", 0, 1, "ih")
	if err != nil {
		t.Fatalf("begin node state: %v", err)
	}

	if _, err := r.RecordCall("state_id", stateID, audit.CallTypeHTTP, audit.CallStatusSuccess, "rq", nil); err != nil {
		t.Fatalf("record call 0: %v", err)
	}
	if _, err := r.RecordCall("state_id", stateID, audit.CallTypeHTTP, audit.CallStatusSuccess, "rq", nil); err != nil {
		t.Fatalf("record call 1: %v", err)
	}

	// Simulate a crash/restart: a fresh recorder over the same store must
	// resume call_index allocation from the DB max, not from 0.
	fresh := recorder.New(store, fixedClock(time.Unix(1700000001, 0).UTC()))
	callID, err := fresh.RecordCall("state_id", stateID, audit.CallTypeHTTP, audit.CallStatusSuccess, "rq", nil)
	if err != nil {
		t.Fatalf("record call after recreation: %v", err)
	}
	if callID == "" {
		t.Fatalf("expected non-empty call id")
	}

	_ = runID
}
