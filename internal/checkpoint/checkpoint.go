// Package checkpoint implements the resume/recovery manager (spec.md §4.9,
// C9): checkpoint creation bound to (token_id, node_id, sequence_number),
// the can_resume gate, and unprocessed-row computation by row_index. This
// generalizes the teacher's run-state snapshot
// (runstate/snapshot.go's LoadSnapshot, which reads final.json/live.json/
// run.pid to decide whether a run is resumable) from filesystem artifacts
// to the audit database's checkpoints table.
package checkpoint

import (
	"time"

	"github.com/elspeth-run/elspeth/internal/audit"
	"github.com/elspeth-run/elspeth/internal/elspetherr"
	"github.com/elspeth-run/elspeth/internal/identity"
	"github.com/elspeth-run/elspeth/internal/payloadstore"
	"github.com/elspeth-run/elspeth/internal/recorder"
)

// FormatVersion is the current checkpoint encoding version (spec.md §4.9.1).
const FormatVersion = 2

// Manager owns checkpoint creation and the resume gate for one run's audit
// trail.
type Manager struct {
	store *audit.Store
	rec   *recorder.Recorder
	clock func() time.Time
}

func New(store *audit.Store, rec *recorder.Recorder, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, rec: rec, clock: now}
}

// Create persists one checkpoint row. aggregationStateJSON is a pointer so
// callers can distinguish "no state captured" (nil) from "captured empty
// state" (pointer to "") — spec.md §4.9.1 calls this distinction
// semantically meaningful for resume.
func (m *Manager) Create(runID, tokenID, nodeID string, sequenceNumber int64, aggregationStateJSON *string, upstreamTopologyHash, checkpointNodeConfigHash string) error {
	return m.rec.RecordCheckpoint(audit.CheckpointRecord{
		CheckpointId:             identity.New(),
		RunId:                    runID,
		TokenId:                  tokenID,
		NodeId:                   nodeID,
		SequenceNumber:           sequenceNumber,
		AggregationStateJSON:     aggregationStateJSON,
		UpstreamTopologyHash:     upstreamTopologyHash,
		CheckpointNodeConfigHash: checkpointNodeConfigHash,
		FormatVersion:            FormatVersion,
	})
}

// ResumeDecision is the outcome of can_resume (spec.md §4.9.2).
type ResumeDecision struct {
	Resumable  bool
	Reason     string
	Checkpoint *audit.CheckpointRecord
}

// CanResume implements spec.md §4.9.2's resume gate: a run is resumable
// only if it's not RUNNING/COMPLETED, a checkpoint exists, its
// format_version matches the current one exactly (older AND newer both
// rejected), and both hashes match the currently loaded graph.
func (m *Manager) CanResume(runID string, currentUpstreamTopologyHash, currentNodeConfigHashForCheckpointNode string) (ResumeDecision, error) {
	status, err := m.store.RunStatusOf(runID)
	if err != nil {
		return ResumeDecision{}, err
	}
	if status == audit.RunStatusCompleted || status == audit.RunStatusRunning {
		return ResumeDecision{Resumable: false, Reason: "run is " + string(status)}, nil
	}

	cp, err := m.rec.LatestCheckpoint(runID)
	if err != nil {
		return ResumeDecision{}, err
	}
	if cp == nil {
		return ResumeDecision{Resumable: false, Reason: "no checkpoint exists"}, nil
	}

	if err := m.validateCompatible(cp, currentUpstreamTopologyHash, currentNodeConfigHashForCheckpointNode); err != nil {
		return ResumeDecision{}, err
	}
	return ResumeDecision{Resumable: true, Reason: "latest checkpoint is compatible", Checkpoint: cp}, nil
}

// validateCompatible implements spec.md §4.9.3's rejection rules, each
// producing a structured IncompatibleCheckpointError.
func (m *Manager) validateCompatible(cp *audit.CheckpointRecord, currentUpstreamTopologyHash, currentNodeConfigHash string) error {
	if cp.FormatVersion == 0 {
		return &elspetherr.IncompatibleCheckpointError{
			Reason: "missing or NULL format_version (pre-versioned checkpoint)", FormatVersion: cp.FormatVersion, ExpectedVersion: FormatVersion,
		}
	}
	if cp.FormatVersion != FormatVersion {
		return &elspetherr.IncompatibleCheckpointError{
			Reason: "format_version mismatch", FormatVersion: cp.FormatVersion, ExpectedVersion: FormatVersion,
		}
	}
	topologyMismatch := cp.UpstreamTopologyHash != currentUpstreamTopologyHash
	nodeConfigMismatch := cp.CheckpointNodeConfigHash != currentNodeConfigHash
	if topologyMismatch || nodeConfigMismatch {
		return &elspetherr.IncompatibleCheckpointError{
			Reason: "graph hash mismatch", FormatVersion: cp.FormatVersion, ExpectedVersion: FormatVersion,
			TopologyMismatch: topologyMismatch, NodeConfigMismatch: nodeConfigMismatch,
		}
	}
	return nil
}

// UnprocessedRowIndex returns the row_index boundary for resume: rows with
// row_index strictly greater than this value are unprocessed. This is
// deliberately NOT the checkpoint's sequence_number, because forks and
// expansions produce multiple terminal events per source row and a
// sequence-number boundary would skip rows that only partially completed
// (spec.md §4.9.2).
func (m *Manager) UnprocessedRowIndex(cp *audit.CheckpointRecord) (int, error) {
	row, err := m.store.RowIndexForToken(cp.TokenId)
	if err != nil {
		return 0, err
	}
	return row, nil
}

// Purge deletes payload-store blobs matching glob (spec.md §3.3's explicit
// checkpoint purge — "Checkpoints are deleted only via explicit purge").
// It purges archived row/operation payloads, never the checkpoints table
// rows themselves or their sequence_number history: checkpoint metadata is
// the audited record of what happened, and survives purge the same way a
// row's source_data_hash survives its payload being reclaimed.
func (m *Manager) Purge(ps *payloadstore.Store, glob string) ([]string, error) {
	if ps == nil {
		return nil, nil
	}
	return ps.Purge(glob)
}
