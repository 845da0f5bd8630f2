package audit_test

import (
	"testing"
	"time"

	"github.com/elspeth-run/elspeth/internal/audit"
	"github.com/elspeth-run/elspeth/internal/identity"
)

func openTestStore(t *testing.T) *audit.Store {
	t.Helper()
	s, err := audit.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRunAndToken(t *testing.T, s *audit.Store) (runID, tokenID string) {
	t.Helper()
	runID = identity.NewRunId()
	if err := s.BeginRun(audit.Run{
		RunId: runID, StartedAt: time.Unix(0, 0).UTC(), ConfigHash: "h",
		SettingsJSON: "{}", CanonicalVersion: "1",
	}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	rowID := identity.NewRowId()
	if err := s.CreateRow(audit.RowRecord{
		RowId: string(rowID), RunId: runID, SourceNodeId: "src", RowIndex: 0,
		SourceDataHash: "rh", CreatedAt: time.Unix(0, 0).UTC(),
	}); err != nil {
		t.Fatalf("create row: %v", err)
	}
	tokenID = identity.NewTokenId()
	if err := s.CreateToken(audit.TokenRecord{
		TokenId: tokenID, RowId: string(rowID), CreatedAt: time.Unix(0, 0).UTC(),
	}); err != nil {
		t.Fatalf("create token: %v", err)
	}
	return runID, tokenID
}

func TestExactlyOneTerminalOutcomePerToken(t *testing.T) {
	s := openTestStore(t)
	runID, tokenID := seedRunAndToken(t, s)

	first := audit.TokenOutcomeRecord{
		OutcomeId: identity.New(), RunId: runID, TokenId: tokenID,
		Outcome: audit.OutcomeCompleted, IsTerminal: true, RecordedAt: time.Unix(0, 0).UTC(),
		Fields: audit.OutcomeFields{SinkName: "output"},
	}
	if err := s.RecordTokenOutcome(first); err != nil {
		t.Fatalf("first outcome: %v", err)
	}

	second := first
	second.OutcomeId = identity.New()
	if err := s.RecordTokenOutcome(second); err == nil {
		t.Fatalf("expected second terminal outcome for same token to fail")
	}
}

func TestNonTerminalOutcomesDoNotConflict(t *testing.T) {
	s := openTestStore(t)
	runID, tokenID := seedRunAndToken(t, s)

	buffered := audit.TokenOutcomeRecord{
		OutcomeId: identity.New(), RunId: runID, TokenId: tokenID,
		Outcome: audit.OutcomeBuffered, IsTerminal: false, RecordedAt: time.Unix(0, 0).UTC(),
		Fields: audit.OutcomeFields{BatchId: "batch-1"},
	}
	if err := s.RecordTokenOutcome(buffered); err != nil {
		t.Fatalf("first buffered outcome: %v", err)
	}
	buffered2 := buffered
	buffered2.OutcomeId = identity.New()
	buffered2.Fields.BatchId = "batch-2"
	if err := s.RecordTokenOutcome(buffered2); err != nil {
		t.Fatalf("second buffered outcome should not conflict: %v", err)
	}
}

func TestRecordTokenOutcomeRejectsMissingRequiredField(t *testing.T) {
	s := openTestStore(t)
	runID, tokenID := seedRunAndToken(t, s)

	outcome := audit.TokenOutcomeRecord{
		OutcomeId: identity.New(), RunId: runID, TokenId: tokenID,
		Outcome: audit.OutcomeCompleted, IsTerminal: true, RecordedAt: time.Unix(0, 0).UTC(),
		Fields: audit.OutcomeFields{}, // missing SinkName
	}
	if err := s.RecordTokenOutcome(outcome); err == nil {
		t.Fatalf("expected missing sink_name to be rejected")
	}
}

func TestNodeStateUniquePerTokenNodeAttempt(t *testing.T) {
	s := openTestStore(t)
	_, tokenID := seedRunAndToken(t, s)

	state := audit.NodeStateRecord{
		StateId: identity.New(), TokenId: tokenID, NodeId: "node-1", StepIndex: 0, Attempt: 1,
		InputHash: "ih", StartedAt: time.Unix(0, 0).UTC(),
	}
	if err := s.BeginNodeState(state); err != nil {
		t.Fatalf("begin node state: %v", err)
	}
	dup := state
	dup.StateId = identity.New()
	if err := s.BeginNodeState(dup); err == nil {
		t.Fatalf("expected duplicate (token_id, node_id, attempt) to fail")
	}

	retry := state
	retry.StateId = identity.New()
	retry.Attempt = 2
	if err := s.BeginNodeState(retry); err != nil {
		t.Fatalf("retry attempt should succeed: %v", err)
	}
}

func TestCallIndexAllocationIsSequentialPerParent(t *testing.T) {
	s := openTestStore(t)
	_, tokenID := seedRunAndToken(t, s)
	state := audit.NodeStateRecord{
		StateId: identity.New(), TokenId: tokenID, NodeId: "node-1", StepIndex: 0, Attempt: 1,
		InputHash: "ih", StartedAt: time.Unix(0, 0).UTC(),
	}
	if err := s.BeginNodeState(state); err != nil {
		t.Fatalf("begin node state: %v", err)
	}

	for want := 0; want < 3; want++ {
		idx, err := s.NextCallIndex("state_id", state.StateId)
		if err != nil {
			t.Fatalf("next call index: %v", err)
		}
		if idx != want {
			t.Fatalf("expected call index %d, got %d", want, idx)
		}
		stateID := state.StateId
		if err := s.RecordCall(audit.CallRecord{
			CallId: identity.New(), StateId: &stateID, CallIndex: idx,
			CallType: audit.CallTypeHTTP, Status: audit.CallStatusSuccess,
			RequestHash: "rq", CreatedAt: time.Unix(0, 0).UTC(),
		}); err != nil {
			t.Fatalf("record call: %v", err)
		}
	}

	dup := state.StateId
	if err := s.RecordCall(audit.CallRecord{
		CallId: identity.New(), StateId: &dup, CallIndex: 0,
		CallType: audit.CallTypeHTTP, Status: audit.CallStatusSuccess,
		RequestHash: "rq", CreatedAt: time.Unix(0, 0).UTC(),
	}); err == nil {
		t.Fatalf("expected duplicate call_index for same state_id to fail")
	}
}

