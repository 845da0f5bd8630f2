package coalesce_test

import (
	"testing"
	"time"

	"github.com/elspeth-run/elspeth/internal/audit"
	"github.com/elspeth-run/elspeth/internal/coalesce"
	"github.com/elspeth-run/elspeth/internal/identity"
	"github.com/elspeth-run/elspeth/internal/recorder"
	"github.com/elspeth-run/elspeth/internal/token"
)

func newTestRecorder(t *testing.T) (*recorder.Recorder, string) {
	t.Helper()
	store, err := audit.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	rec := recorder.New(store, clock)
	runID, err := rec.BeginRun("cfg", "{}", "1")
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	return rec, runID
}

func branchToken(t *testing.T, rec *recorder.Recorder, rowID identity.RowId, data map[string]any) *token.Token {
	t.Helper()
	tok, err := rec.CreateInitialToken(string(rowID), data)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	return tok
}

func TestRequireAllMergesOnlyWhenAllBranchesPresent(t *testing.T) {
	rec, runID := newTestRecorder(t)
	rowID := identity.NewRowId()
	mgr := coalesce.NewManager(coalesce.NodeConfig{
		NodeID: "join-1", Branches: []string{"left", "right"}, Policy: coalesce.PolicyRequireAll, Merge: coalesce.MergeUnion,
	}, rec, nil)

	left := branchToken(t, rec, rowID, map[string]any{"left_val": 1.0})
	child, err := mgr.Accept(runID, "left", left)
	if err != nil {
		t.Fatalf("accept left: %v", err)
	}
	if child != nil {
		t.Fatalf("expected no merge with only one of two branches present")
	}

	right := branchToken(t, rec, rowID, map[string]any{"right_val": 2.0})
	child, err = mgr.Accept(runID, "right", right)
	if err != nil {
		t.Fatalf("accept right: %v", err)
	}
	if child == nil {
		t.Fatalf("expected merge once both branches present")
	}
	if child.Data["left_val"] != 1.0 || child.Data["right_val"] != 2.0 {
		t.Fatalf("expected union merge of both branch rows, got %v", child.Data)
	}
}

func TestQuorumMergesOnceThresholdMet(t *testing.T) {
	rec, runID := newTestRecorder(t)
	rowID := identity.NewRowId()
	mgr := coalesce.NewManager(coalesce.NodeConfig{
		NodeID: "join-1", Branches: []string{"a", "b", "c"}, Policy: coalesce.PolicyQuorum, Quorum: 2, Merge: coalesce.MergeUnion,
	}, rec, nil)

	a := branchToken(t, rec, rowID, map[string]any{"a": 1.0})
	if child, err := mgr.Accept(runID, "a", a); err != nil || child != nil {
		t.Fatalf("expected no merge after first of quorum 2, got child=%v err=%v", child, err)
	}
	b := branchToken(t, rec, rowID, map[string]any{"b": 2.0})
	child, err := mgr.Accept(runID, "b", b)
	if err != nil {
		t.Fatalf("accept b: %v", err)
	}
	if child == nil {
		t.Fatalf("expected merge once quorum of 2 reached")
	}
}

func TestFirstPolicyMergesImmediately(t *testing.T) {
	rec, runID := newTestRecorder(t)
	rowID := identity.NewRowId()
	mgr := coalesce.NewManager(coalesce.NodeConfig{
		NodeID: "join-1", Branches: []string{"a", "b"}, Policy: coalesce.PolicyFirst, Merge: coalesce.MergeUnion,
	}, rec, nil)

	a := branchToken(t, rec, rowID, map[string]any{"a": 1.0})
	child, err := mgr.Accept(runID, "a", a)
	if err != nil {
		t.Fatalf("accept a: %v", err)
	}
	if child == nil {
		t.Fatalf("expected immediate merge under first policy")
	}
}

func TestFlushPendingFailsIncompleteRequireAllJoins(t *testing.T) {
	rec, runID := newTestRecorder(t)
	rowID := identity.NewRowId()
	mgr := coalesce.NewManager(coalesce.NodeConfig{
		NodeID: "join-1", Branches: []string{"a", "b"}, Policy: coalesce.PolicyRequireAll, Merge: coalesce.MergeUnion,
	}, rec, nil)

	a := branchToken(t, rec, rowID, map[string]any{"a": 1.0})
	if _, err := mgr.Accept(runID, "a", a); err != nil {
		t.Fatalf("accept a: %v", err)
	}

	merged, failures := mgr.FlushPending(runID)
	if len(merged) != 0 {
		t.Fatalf("expected no merges from flush under require_all, got %d", len(merged))
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 join failure, got %d", len(failures))
	}
}

func TestBestEffortMergesWhateverPresentOnFlush(t *testing.T) {
	rec, runID := newTestRecorder(t)
	rowID := identity.NewRowId()
	mgr := coalesce.NewManager(coalesce.NodeConfig{
		NodeID: "join-1", Branches: []string{"a", "b"}, Policy: coalesce.PolicyBestEffort, Merge: coalesce.MergeUnion,
	}, rec, nil)

	a := branchToken(t, rec, rowID, map[string]any{"a": 1.0})
	if child, err := mgr.Accept(runID, "a", a); err != nil || child != nil {
		t.Fatalf("best_effort must not merge eagerly on accept, got child=%v err=%v", child, err)
	}

	merged, failures := mgr.FlushPending(runID)
	if len(failures) != 0 {
		t.Fatalf("expected no failures under best_effort flush, got %d", len(failures))
	}
	if len(merged) != 1 {
		t.Fatalf("expected 1 merge with the single present branch, got %d", len(merged))
	}
}

func TestSelectBranchMergeKeepsOnlyNamedBranch(t *testing.T) {
	rec, runID := newTestRecorder(t)
	rowID := identity.NewRowId()
	mgr := coalesce.NewManager(coalesce.NodeConfig{
		NodeID: "join-1", Branches: []string{"a", "b"}, Policy: coalesce.PolicyRequireAll,
		Merge: coalesce.MergeSelectBranch, SelectBranch: "a",
	}, rec, nil)

	a := branchToken(t, rec, rowID, map[string]any{"a": 1.0})
	b := branchToken(t, rec, rowID, map[string]any{"b": 2.0})
	if _, err := mgr.Accept(runID, "a", a); err != nil {
		t.Fatalf("accept a: %v", err)
	}
	child, err := mgr.Accept(runID, "b", b)
	if err != nil {
		t.Fatalf("accept b: %v", err)
	}
	if child == nil {
		t.Fatalf("expected merge")
	}
	if _, hasB := child.Data["b"]; hasB {
		t.Fatalf("select_branch merge should not carry the other branch's fields")
	}
	if child.Data["a"] != 1.0 {
		t.Fatalf("expected selected branch's row data")
	}
}
