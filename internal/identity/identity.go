// Package identity mints the opaque, run-unique identifiers used across the
// core (spec.md §3.1): RunId, NodeId, RowId, TokenId, StateId, CallId,
// OperationId, BatchId, ArtifactId, EdgeId, CheckpointId, OutcomeId.
//
// IDs are ULIDs (github.com/oklog/ulid/v2): lexicographically sortable by
// creation time, 128 bits, filesystem- and URL-safe. This mirrors the
// teacher's own run-id minting (engine.NewRunID), generalized to every
// entity identifier in the audit schema instead of only the run.
package identity

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

// RunId, NodeId, etc. are all opaque strings per spec.md §3.1. Distinct
// named string types catch accidental cross-assignment at compile time
// without forcing every call site to import a shared "ID" wrapper type.
type (
	RunId        string
	NodeId       string
	RowId        string
	TokenId      string
	StateId      string
	CallId       string
	OperationId  string
	BatchId      string
	ArtifactId   string
	EdgeId       string
	CheckpointId string
	OutcomeId    string
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New mints a fresh ULID string. Monotonic entropy guarantees strictly
// increasing IDs even when minted within the same millisecond, which keeps
// id ordering useful as a tiebreaker for "ordered by creation" queries
// without needing a separate sequence column.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}

// NewNodeId is NOT used for Node (spec.md §3.2 makes node_id a deterministic
// function of plugin_name/position/config_hash — see graph.DeriveNodeID);
// it exists for completeness and any future non-deterministic node-shaped ID.
func NewRunId() RunId               { return RunId(New()) }
func NewNodeId() NodeId             { return NodeId(New()) }
func NewRowId() RowId               { return RowId(New()) }
func NewTokenId() TokenId           { return TokenId(New()) }
func NewStateId() StateId           { return StateId(New()) }
func NewCallId() CallId             { return CallId(New()) }
func NewOperationId() OperationId   { return OperationId(New()) }
func NewBatchId() BatchId           { return BatchId(New()) }
func NewArtifactId() ArtifactId     { return ArtifactId(New()) }
func NewEdgeId() EdgeId             { return EdgeId(New()) }
func NewCheckpointId() CheckpointId { return CheckpointId(New()) }
func NewOutcomeId() OutcomeId       { return OutcomeId(New()) }
