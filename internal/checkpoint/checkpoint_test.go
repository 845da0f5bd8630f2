package checkpoint_test

import (
	"errors"
	"testing"
	"time"

	"github.com/elspeth-run/elspeth/internal/audit"
	"github.com/elspeth-run/elspeth/internal/checkpoint"
	"github.com/elspeth-run/elspeth/internal/elspetherr"
	"github.com/elspeth-run/elspeth/internal/recorder"
)

func newHarness(t *testing.T) (*audit.Store, *recorder.Recorder, *checkpoint.Manager, string) {
	t.Helper()
	store, err := audit.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	rec := recorder.New(store, clock)
	mgr := checkpoint.New(store, rec, clock)

	runID, err := rec.BeginRun("cfg-hash", "{}", "1")
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := rec.CompleteRun(runID, audit.RunStatusFailed); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	return store, rec, mgr, runID
}

func TestCanResumeRejectsRunningRun(t *testing.T) {
	store, rec, mgr, _ := newHarness(t)
	_ = store

	runID, err := rec.BeginRun("cfg", "{}", "1")
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	decision, err := mgr.CanResume(runID, "topo", "node-cfg")
	if err != nil {
		t.Fatalf("can resume: %v", err)
	}
	if decision.Resumable {
		t.Fatalf("expected RUNNING run to be non-resumable")
	}
}

func TestCanResumeRejectsNoCheckpoint(t *testing.T) {
	_, _, mgr, runID := newHarness(t)
	decision, err := mgr.CanResume(runID, "topo", "node-cfg")
	if err != nil {
		t.Fatalf("can resume: %v", err)
	}
	if decision.Resumable {
		t.Fatalf("expected no-checkpoint run to be non-resumable")
	}
}

func TestCanResumeAcceptsMatchingCheckpoint(t *testing.T) {
	_, rec, mgr, runID := newHarness(t)
	rowID, err := rec.CreateRow(runID, "src", 0, "rh")
	if err != nil {
		t.Fatalf("create row: %v", err)
	}
	tok, err := rec.CreateInitialToken(rowID, map[string]any{})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	if err := mgr.Create(runID, string(tok.Id), "node-1", 1, nil, "topo-hash", "node-cfg-hash"); err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}

	decision, err := mgr.CanResume(runID, "topo-hash", "node-cfg-hash")
	if err != nil {
		t.Fatalf("can resume: %v", err)
	}
	if !decision.Resumable {
		t.Fatalf("expected matching checkpoint to be resumable, reason=%s", decision.Reason)
	}

	rowIdx, err := mgr.UnprocessedRowIndex(decision.Checkpoint)
	if err != nil {
		t.Fatalf("unprocessed row index: %v", err)
	}
	if rowIdx != 0 {
		t.Fatalf("expected row index 0, got %d", rowIdx)
	}
}

func TestCanResumeRejectsTopologyMismatch(t *testing.T) {
	_, rec, mgr, runID := newHarness(t)
	rowID, err := rec.CreateRow(runID, "src", 0, "rh")
	if err != nil {
		t.Fatalf("create row: %v", err)
	}
	tok, err := rec.CreateInitialToken(rowID, map[string]any{})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if err := mgr.Create(runID, string(tok.Id), "node-1", 1, nil, "topo-hash-old", "node-cfg-hash"); err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}

	_, err = mgr.CanResume(runID, "topo-hash-new", "node-cfg-hash")
	if err == nil {
		t.Fatalf("expected topology mismatch to reject resume")
	}
	var incompat *elspetherr.IncompatibleCheckpointError
	if !errors.As(err, &incompat) {
		t.Fatalf("expected IncompatibleCheckpointError, got %T: %v", err, err)
	}
	if !incompat.TopologyMismatch {
		t.Fatalf("expected TopologyMismatch flag set")
	}
}

func TestAggregationStateJSONNilVsEmptyStringDistinct(t *testing.T) {
	_, rec, mgr, runID := newHarness(t)
	rowID, err := rec.CreateRow(runID, "src", 0, "rh")
	if err != nil {
		t.Fatalf("create row: %v", err)
	}
	tok, err := rec.CreateInitialToken(rowID, map[string]any{})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	empty := ""
	if err := mgr.Create(runID, string(tok.Id), "node-1", 1, &empty, "topo", "node-cfg"); err != nil {
		t.Fatalf("create checkpoint with empty state: %v", err)
	}

	cp, err := rec.LatestCheckpoint(runID)
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if cp.AggregationStateJSON == nil {
		t.Fatalf("expected non-nil pointer for captured empty state")
	}
	if *cp.AggregationStateJSON != "" {
		t.Fatalf("expected empty string content, got %q", *cp.AggregationStateJSON)
	}
}
