// Package plugin declares the contracts the orchestrator invokes (spec.md
// §6.1): Source, Transform, Gate, Coalesce merger, and Sink. These are
// interfaces only — no concrete plugin ships in this module, matching the
// teacher's own separation between the engine (internal/attractor/engine)
// and its pluggable node kinds.
package plugin

import "context"

// Determinism mirrors audit.Determinism at the plugin boundary so a
// plugin package never needs to import internal/audit directly.
type Determinism string

const (
	DeterminismDeterministic   Determinism = "DETERMINISTIC"
	DeterminismIORead          Determinism = "IO_READ"
	DeterminismIOWrite         Determinism = "IO_WRITE"
	DeterminismExternalCall    Determinism = "EXTERNAL_CALL"
	DeterminismNonDeterministic Determinism = "NON_DETERMINISTIC"
)

// RowKind distinguishes a valid row from a quarantined one at the source
// boundary (spec.md §6.1, §7's Tier-3 "external data" handling).
type RowKind string

const (
	RowValid       RowKind = "valid"
	RowQuarantined RowKind = "quarantined"
)

// SourceRow is one yielded unit from a Source's iterator.
type SourceRow struct {
	Kind        RowKind
	Data        map[string]any
	Error       string // set when Kind == RowQuarantined
	Destination string // sink name, or "discard"; set when Kind == RowQuarantined
}

// Source streams rows into the run. Declares its determinism, version, and
// output schema so the graph builder and audit trail can record them
// without invoking the plugin.
type Source interface {
	Determinism() Determinism
	PluginVersion() string
	OutputSchema() map[string]any

	Load(ctx context.Context) (SourceRowIterator, error)
	Close() error
	OnStart(ctx context.Context) error
	OnComplete(ctx context.Context) error
}

// SourceRowIterator yields SourceRows lazily; Next returns (row, true, nil)
// for each element and (zero, false, nil) at exhaustion.
type SourceRowIterator interface {
	Next(ctx context.Context) (SourceRow, bool, error)
}

// TransformStatus is the outcome of one Transform.Process call.
type TransformStatus string

const (
	TransformSuccess TransformStatus = "success"
	TransformError   TransformStatus = "error"
)

// TransformResult is what Process returns (spec.md §6.1).
type TransformResult struct {
	Status    TransformStatus
	Row       map[string]any
	Rows      []map[string]any // set instead of Row when CreatesTokens is true
	Reason    string
	Retryable bool
}

// Transform processes one row (or, for batch-aware nodes, a buffered
// slice) into a TransformResult. IsBatchAware and CreatesTokens are
// declared statically so the orchestrator knows whether to call Process
// per-row or per-batch, and whether a success produces one row (in place)
// or many (a 1→N deaggregation via expand_token).
type Transform interface {
	IsBatchAware() bool
	CreatesTokens() bool
	PluginVersion() string

	Process(ctx context.Context, rows []map[string]any) (TransformResult, error)
}

// RoutingDecision is what a plugin-backed Gate returns: for each label it
// produces, whether tokens move or copy, and which destinations receive
// them. Config-gates (cond.Expression) bypass this entirely and resolve
// routes via the graph's route-resolution map instead.
type RoutingDecision struct {
	Label        string
	Mode         string // "move" | "copy"
	Destinations []string
}

type Gate interface {
	Evaluate(ctx context.Context, row map[string]any) (RoutingDecision, error)
}

// CoalesceMerger implements a "custom" merge strategy (spec.md §4.8) —
// the only coalesce merge kind requiring plugin code; union and
// select_branch are built into the coalesce package.
type CoalesceMerger interface {
	Merge(ctx context.Context, branchOutputs map[string]map[string]any) (map[string]any, error)
}

// ArtifactDescriptor is what a Sink's batch write returns for the audit
// Artifact record (spec.md §6.1, §6.3).
type ArtifactDescriptor struct {
	PathOrURI   string
	ContentHash string
	SizeBytes   int64
}

// Sink writes a batch of rows and reports one artifact descriptor for the
// write. OnError names a destination sink (or "" to fail the batch's
// tokens outright) per spec.md §4.7.2's sink failure semantics.
type Sink interface {
	Write(ctx context.Context, rows []map[string]any) (ArtifactDescriptor, error)
	Flush() error
	Close() error
	OnErrorDestination() string
}
