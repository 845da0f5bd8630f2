package audit

import "github.com/elspeth-run/elspeth/internal/elspetherr"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

type NodeType string

const (
	NodeTypeSource      NodeType = "SOURCE"
	NodeTypeTransform   NodeType = "TRANSFORM"
	NodeTypeAggregation NodeType = "AGGREGATION"
	NodeTypeGate        NodeType = "GATE"
	NodeTypeCoalesce    NodeType = "COALESCE"
	NodeTypeSink        NodeType = "SINK"
)

type Determinism string

const (
	DeterminismDeterministic Determinism = "DETERMINISTIC"
	DeterminismIORead        Determinism = "IO_READ"
	DeterminismIOWrite       Determinism = "IO_WRITE"
	DeterminismExternalCall  Determinism = "EXTERNAL_CALL"
	DeterminismNonDeterministic Determinism = "NON_DETERMINISTIC"
)

type EdgeMode string

const (
	EdgeModeMove EdgeMode = "MOVE"
	EdgeModeCopy EdgeMode = "COPY"
)

type NodeStateStatus string

const (
	NodeStateOpen      NodeStateStatus = "OPEN"
	NodeStateCompleted NodeStateStatus = "COMPLETED"
	NodeStateFailed    NodeStateStatus = "FAILED"
)

type CallType string

const (
	CallTypeLLM        CallType = "LLM"
	CallTypeHTTP       CallType = "HTTP"
	CallTypeSQL        CallType = "SQL"
	CallTypeFilesystem CallType = "FILESYSTEM"
)

type CallStatus string

const (
	CallStatusSuccess CallStatus = "SUCCESS"
	CallStatusError   CallStatus = "ERROR"
)

type Outcome string

const (
	OutcomeCompleted        Outcome = "COMPLETED"
	OutcomeRouted           Outcome = "ROUTED"
	OutcomeForked           Outcome = "FORKED"
	OutcomeFailed           Outcome = "FAILED"
	OutcomeQuarantined      Outcome = "QUARANTINED"
	OutcomeConsumedInBatch  Outcome = "CONSUMED_IN_BATCH"
	OutcomeCoalesced        Outcome = "COALESCED"
	OutcomeExpanded         Outcome = "EXPANDED"
	OutcomeBuffered         Outcome = "BUFFERED"
)

// IsTerminal reports whether an outcome closes the token permanently
// (spec.md §4.3) — BUFFERED is the one transient outcome.
func (o Outcome) IsTerminal() bool { return o != OutcomeBuffered }

// requiredFieldsOK enforces spec.md §4.3's per-outcome required-field
// table before any row reaches the database — a contract violation here
// is a configuration/framework bug, never a silently-accepted partial row.
func requiredFieldsOK(o Outcome, f OutcomeFields) error {
	missing := func(field string) error {
		return elspetherr.NewFrameworkError("outcome_missing_field", "outcome %s requires %s", o, field)
	}
	switch o {
	case OutcomeCompleted, OutcomeRouted:
		if f.SinkName == "" {
			return missing("sink_name")
		}
	case OutcomeForked:
		if f.ForkGroupId == "" {
			return missing("fork_group_id")
		}
	case OutcomeFailed, OutcomeQuarantined:
		if f.ErrorHash == "" {
			return missing("error_hash")
		}
	case OutcomeConsumedInBatch:
		if f.BatchId == "" {
			return missing("batch_id")
		}
	case OutcomeCoalesced:
		if f.JoinGroupId == "" {
			return missing("join_group_id")
		}
	case OutcomeExpanded:
		if f.ExpandGroupId == "" {
			return missing("expand_group_id")
		}
	case OutcomeBuffered:
		if f.BatchId == "" {
			return missing("batch_id")
		}
	default:
		return elspetherr.NewFrameworkError("unknown_outcome", "unrecognized outcome %q", o)
	}
	return nil
}

// mustEnum panics — crashes the process per spec.md's Tier-1 "integrity
// violations in the audit read path crash" rule — when a column read back
// from SQLite holds a value outside the enum's declared set. A bad enum
// value in storage means either on-disk corruption or a write path bug;
// both are framework invariant violations, not recoverable runtime errors.
func mustEnum[T ~string](value string, valid map[T]bool, kind string) T {
	t := T(value)
	if !valid[t] {
		panic(elspetherr.NewFrameworkError("corrupt_enum", "column of kind %s holds unrecognized value %q", kind, value))
	}
	return t
}

var validRunStatus = map[RunStatus]bool{RunStatusRunning: true, RunStatusCompleted: true, RunStatusFailed: true, RunStatusCancelled: true}
var validNodeType = map[NodeType]bool{NodeTypeSource: true, NodeTypeTransform: true, NodeTypeAggregation: true, NodeTypeGate: true, NodeTypeCoalesce: true, NodeTypeSink: true}
var validNodeStateStatus = map[NodeStateStatus]bool{NodeStateOpen: true, NodeStateCompleted: true, NodeStateFailed: true}
var validOutcome = map[Outcome]bool{
	OutcomeCompleted: true, OutcomeRouted: true, OutcomeForked: true, OutcomeFailed: true,
	OutcomeQuarantined: true, OutcomeConsumedInBatch: true, OutcomeCoalesced: true,
	OutcomeExpanded: true, OutcomeBuffered: true,
}
