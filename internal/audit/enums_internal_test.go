package audit

import (
	"strings"
	"testing"
	"time"
)

func TestMustEnumPanicsOnCorruptValue(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic on unrecognized enum value")
		}
		err, ok := r.(error)
		if !ok || !strings.Contains(err.Error(), "corrupt_enum") {
			t.Fatalf("expected corrupt_enum framework error, got %v", r)
		}
	}()
	mustEnum("BOGUS", validRunStatus, "run_status")
}

func TestRunStatusOfPanicsOnCorruptStoredValue(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	runID := "run-1"
	if err := s.BeginRun(Run{
		RunId: runID, StartedAt: time.Unix(0, 0).UTC(), ConfigHash: "h",
		SettingsJSON: "{}", CanonicalVersion: "1",
	}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE runs SET status = 'BOGUS' WHERE run_id = ?`, runID); err != nil {
		t.Fatalf("corrupt status: %v", err)
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic reading corrupt enum from storage")
		}
	}()
	if _, err := s.RunStatusOf(runID); err != nil {
		t.Fatalf("unexpected non-panic error: %v", err)
	}
}
