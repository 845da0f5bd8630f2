package audit

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/elspeth-run/elspeth/internal/elspetherr"
)

// BeginRun inserts a new run row in RUNNING status.
func (s *Store) BeginRun(r Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, started_at, config_hash, settings_json, canonical_version, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunId, r.StartedAt, r.ConfigHash, r.SettingsJSON, r.CanonicalVersion, string(RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("audit: begin run %s: %w", r.RunId, err)
	}
	return nil
}

// CompleteRun marks a run COMPLETED, FAILED, or CANCELLED at completedAt.
func (s *Store) CompleteRun(runID string, status RunStatus, completedAt time.Time) error {
	if !validRunStatus[status] || status == RunStatusRunning {
		return elspetherr.NewFrameworkError("invalid_run_completion_status", "cannot complete run with status %q", status)
	}
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ?`,
		string(status), completedAt, runID,
	)
	if err != nil {
		return fmt.Errorf("audit: complete run %s: %w", runID, err)
	}
	return mustAffectOne(res, "run", runID)
}

// RegisterNode records one node's identity and config at graph build time.
func (s *Store) RegisterNode(n NodeRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO nodes (node_id, run_id, plugin_name, node_type, plugin_version, determinism,
			config_hash, config_json, registered_at, schema_hash, schema_mode, schema_fields_json,
			sequence_in_pipeline)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.NodeId, n.RunId, n.PluginName, string(n.NodeType), n.PluginVersion, string(n.Determinism),
		n.ConfigHash, n.ConfigJSON, n.RegisteredAt, n.SchemaHash, n.SchemaMode, n.SchemaFieldsJSON,
		n.SequenceInPipeline,
	)
	if err != nil {
		return fmt.Errorf("audit: register node %s: %w", n.NodeId, err)
	}
	return nil
}

// RegisterEdge records one static graph edge.
func (s *Store) RegisterEdge(e EdgeRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EdgeId, e.RunId, e.FromNodeId, e.ToNodeId, e.Label, string(e.DefaultMode), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: register edge %s: %w", e.EdgeId, err)
	}
	return nil
}

// CreateRow records one source row's provenance.
func (s *Store) CreateRow(r RowRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO rows (row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RowId, r.RunId, r.SourceNodeId, r.RowIndex, r.SourceDataHash, r.SourceDataRef, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: create row %s: %w", r.RowId, err)
	}
	return nil
}

// CreateToken records one token's identity (spec.md §3.2) and, if it was
// produced by fork/expand/coalesce, its lineage group id.
func (s *Store) CreateToken(t TokenRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO tokens (token_id, row_id, fork_group_id, join_group_id, expand_group_id,
			branch_name, step_in_pipeline, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TokenId, t.RowId, t.ForkGroupId, t.JoinGroupId, t.ExpandGroupId,
		t.BranchName, t.StepInPipeline, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: create token %s: %w", t.TokenId, err)
	}
	return nil
}

// RecordTokenParent records one (child, parent, ordinal) lineage edge. A
// coalesced token has one row per parent, ordinal tracking input order.
func (s *Store) RecordTokenParent(tokenID, parentTokenID string, ordinal int) error {
	_, err := s.db.Exec(
		`INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES (?, ?, ?)`,
		tokenID, parentTokenID, ordinal,
	)
	if err != nil {
		return fmt.Errorf("audit: record token parent %s<-%s: %w", tokenID, parentTokenID, err)
	}
	return nil
}

// BeginNodeState opens a new node-state attempt, returning an error if
// (token_id, node_id, attempt) already exists (spec.md §4.2.3 invariant).
func (s *Store) BeginNodeState(n NodeStateRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO node_states (state_id, token_id, node_id, step_index, attempt, status,
			input_hash, started_at, context_before_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.StateId, n.TokenId, n.NodeId, n.StepIndex, n.Attempt, string(NodeStateOpen),
		n.InputHash, n.StartedAt, n.ContextBeforeJSON,
	)
	if err != nil {
		return fmt.Errorf("audit: begin node state %s: %w", n.StateId, err)
	}
	return nil
}

// CompleteNodeStateSuccess closes a node state as COMPLETED.
func (s *Store) CompleteNodeStateSuccess(stateID string, completedAt time.Time, durationMs int64, outputHash string) error {
	res, err := s.db.Exec(
		`UPDATE node_states SET status = ?, completed_at = ?, duration_ms = ?, output_hash = ?
		 WHERE state_id = ?`,
		string(NodeStateCompleted), completedAt, durationMs, outputHash, stateID,
	)
	if err != nil {
		return fmt.Errorf("audit: complete node state %s: %w", stateID, err)
	}
	return mustAffectOne(res, "node_state", stateID)
}

// CompleteNodeStateFailure closes a node state as FAILED with the error detail.
func (s *Store) CompleteNodeStateFailure(stateID string, completedAt time.Time, durationMs int64, errorJSON string) error {
	res, err := s.db.Exec(
		`UPDATE node_states SET status = ?, completed_at = ?, duration_ms = ?, error_json = ?
		 WHERE state_id = ?`,
		string(NodeStateFailed), completedAt, durationMs, errorJSON, stateID,
	)
	if err != nil {
		return fmt.Errorf("audit: fail node state %s: %w", stateID, err)
	}
	return mustAffectOne(res, "node_state", stateID)
}

// NextCallIndex returns the next call_index for the given parent column
// ("state_id" or "operation_id"), seeded from the current max in the table
// so restarts never reuse an index already on disk (spec.md §4.2.2).
func (s *Store) NextCallIndex(column, parentID string) (int, error) {
	if column != "state_id" && column != "operation_id" {
		return 0, elspetherr.NewFrameworkError("bad_call_index_column", "unknown call index parent column %q", column)
	}
	var max sql.NullInt64
	query := fmt.Sprintf(`SELECT MAX(call_index) FROM calls WHERE %s = ?`, column)
	if err := s.db.QueryRow(query, parentID).Scan(&max); err != nil {
		return 0, fmt.Errorf("audit: next call index for %s=%s: %w", column, parentID, err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// RecordCall inserts one call record; call_index must already be allocated
// via NextCallIndex under the caller's serialization discipline.
func (s *Store) RecordCall(c CallRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO calls (call_id, state_id, operation_id, call_index, call_type, status,
			request_hash, request_ref, response_hash, response_ref, error_json, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CallId, c.StateId, c.OperationId, c.CallIndex, string(c.CallType), string(c.Status),
		c.RequestHash, c.RequestRef, c.ResponseHash, c.ResponseRef, c.ErrorJSON, c.LatencyMs, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: record call %s: %w", c.CallId, err)
	}
	return nil
}

// RecordOperation inserts one batch-level operation record (spec.md §4.2.2).
func (s *Store) RecordOperation(o OperationRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO operations (operation_id, run_id, node_id, operation_type, started_at, completed_at,
			status, input_data_ref, input_data_hash, output_data_ref, output_data_hash, error_message, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OperationId, o.RunId, o.NodeId, o.OperationType, o.StartedAt, o.CompletedAt,
		o.Status, o.InputDataRef, o.InputDataHash, o.OutputDataRef, o.OutputDataHash, o.ErrorMessage, o.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("audit: record operation %s: %w", o.OperationId, err)
	}
	return nil
}

// RecordRoutingEvent inserts one gate/fork routing decision.
func (s *Store) RecordRoutingEvent(e RoutingEventRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO routing_events (event_id, state_id, edge_id, routing_group_id, ordinal, mode,
			created_at, reason_hash, reason_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventId, e.StateId, e.EdgeId, e.RoutingGroupId, e.Ordinal, string(e.Mode),
		e.CreatedAt, e.ReasonHash, e.ReasonRef,
	)
	if err != nil {
		return fmt.Errorf("audit: record routing event %s: %w", e.EventId, err)
	}
	return nil
}

// RecordBatch, RecordBatchMember, RecordBatchOutput implement the
// aggregation bookkeeping of spec.md §4.2.2's batch tables.
func (s *Store) RecordBatch(b BatchRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO batches (batch_id, run_id, node_id, created_at, flushed_at, trigger_reason)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.BatchId, b.RunId, b.NodeId, b.CreatedAt, b.FlushedAt, b.TriggerReason,
	)
	if err != nil {
		return fmt.Errorf("audit: record batch %s: %w", b.BatchId, err)
	}
	return nil
}

func (s *Store) RecordBatchMember(batchID, tokenID string, ordinal int) error {
	_, err := s.db.Exec(
		`INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES (?, ?, ?)`,
		batchID, tokenID, ordinal,
	)
	if err != nil {
		return fmt.Errorf("audit: record batch member %s/%s: %w", batchID, tokenID, err)
	}
	return nil
}

// UpdateBatchFlushed marks an open batch flushed, recording why it fired.
func (s *Store) UpdateBatchFlushed(batchID string, flushedAt time.Time, trigger string) error {
	res, err := s.db.Exec(
		`UPDATE batches SET flushed_at = ?, trigger_reason = ? WHERE batch_id = ?`,
		flushedAt, trigger, batchID,
	)
	if err != nil {
		return fmt.Errorf("audit: flush batch %s: %w", batchID, err)
	}
	return mustAffectOne(res, "batch", batchID)
}

func (s *Store) RecordBatchOutput(batchID, outputTokenID string, ordinal int) error {
	_, err := s.db.Exec(
		`INSERT INTO batch_outputs (batch_id, output_token_id, ordinal) VALUES (?, ?, ?)`,
		batchID, outputTokenID, ordinal,
	)
	if err != nil {
		return fmt.Errorf("audit: record batch output %s/%s: %w", batchID, outputTokenID, err)
	}
	return nil
}

// RecordTokenOutcome enforces spec.md §4.3's required-field table before
// writing, then relies on the partial unique index
// (idx_token_outcomes_terminal_unique) to enforce "exactly one terminal
// outcome per token" as a real database constraint. A second terminal
// outcome insert for the same token returns a SQLite constraint error,
// which the caller must treat as a framework invariant violation, not a
// retryable condition.
func (s *Store) RecordTokenOutcome(o TokenOutcomeRecord) error {
	if err := requiredFieldsOK(o.Outcome, o.Fields); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO token_outcomes (outcome_id, run_id, token_id, outcome, is_terminal, recorded_at,
			sink_name, batch_id, fork_group_id, join_group_id, expand_group_id, error_hash,
			context_json, expected_branches_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OutcomeId, o.RunId, o.TokenId, string(o.Outcome), boolToSQL(o.IsTerminal), o.RecordedAt,
		nullableString(o.Fields.SinkName), nullableString(o.Fields.BatchId), nullableString(o.Fields.ForkGroupId),
		nullableString(o.Fields.JoinGroupId), nullableString(o.Fields.ExpandGroupId), nullableString(o.Fields.ErrorHash),
		nullableString(o.Fields.ContextJSON), nullableString(o.Fields.ExpectedBranchesJSON),
	)
	if err != nil {
		return fmt.Errorf("audit: record token outcome for token %s: %w", o.TokenId, err)
	}
	return nil
}

// RecordArtifact records one sink-produced artifact.
func (s *Store) RecordArtifact(a ArtifactRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO artifacts (artifact_id, run_id, produced_by_state_id, sink_node_id, artifact_type,
			path_or_uri, content_hash, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ArtifactId, a.RunId, a.ProducedByStateId, a.SinkNodeId, a.ArtifactType,
		a.PathOrURI, a.ContentHash, a.SizeBytes, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: record artifact %s: %w", a.ArtifactId, err)
	}
	return nil
}

// RecordValidationError records one schema-contract violation (spec.md §6.1).
func (s *Store) RecordValidationError(v ValidationErrorRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO validation_errors (error_id, run_id, node_id, row_data_json, error, schema_mode,
			destination, violation_type, normalized_field_name, original_field_name, expected_type, actual_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ErrorId, v.RunId, v.NodeId, v.RowDataJSON, v.Error, v.SchemaMode,
		v.Destination, v.ViolationType, v.NormalizedFieldName, v.OriginalFieldName, v.ExpectedType, v.ActualType,
	)
	if err != nil {
		return fmt.Errorf("audit: record validation error %s: %w", v.ErrorId, err)
	}
	return nil
}

// RecordCheckpoint records one resumability checkpoint (spec.md §4.9). A
// nil AggregationStateJSON and a pointer to "" are stored distinctly: the
// former means "no aggregation state captured", the latter "captured empty
// state" — resume logic depends on telling the two apart.
func (s *Store) RecordCheckpoint(c CheckpointRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO checkpoints (checkpoint_id, run_id, token_id, node_id, sequence_number,
			aggregation_state_json, upstream_topology_hash, checkpoint_node_config_hash, created_at, format_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CheckpointId, c.RunId, c.TokenId, c.NodeId, c.SequenceNumber,
		c.AggregationStateJSON, c.UpstreamTopologyHash, c.CheckpointNodeConfigHash, c.CreatedAt, c.FormatVersion,
	)
	if err != nil {
		return fmt.Errorf("audit: record checkpoint %s: %w", c.CheckpointId, err)
	}
	return nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for a run, or
// (nil, nil) if the run has none.
func (s *Store) LatestCheckpoint(runID string) (*CheckpointRecord, error) {
	row := s.db.QueryRow(
		`SELECT checkpoint_id, run_id, token_id, node_id, sequence_number, aggregation_state_json,
			upstream_topology_hash, checkpoint_node_config_hash, created_at, format_version
		 FROM checkpoints WHERE run_id = ? ORDER BY sequence_number DESC LIMIT 1`,
		runID,
	)
	var c CheckpointRecord
	err := row.Scan(&c.CheckpointId, &c.RunId, &c.TokenId, &c.NodeId, &c.SequenceNumber, &c.AggregationStateJSON,
		&c.UpstreamTopologyHash, &c.CheckpointNodeConfigHash, &c.CreatedAt, &c.FormatVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: latest checkpoint for run %s: %w", runID, err)
	}
	return &c, nil
}

// RowIndexForToken resolves a token back to its source row's row_index, the
// resume boundary spec.md §4.9.2 requires (row_index, not sequence_number,
// because forks/expansions produce multiple terminal events per row).
func (s *Store) RowIndexForToken(tokenID string) (int, error) {
	var idx int
	err := s.db.QueryRow(
		`SELECT r.row_index FROM tokens t JOIN rows r ON t.row_id = r.row_id WHERE t.token_id = ?`,
		tokenID,
	).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("audit: row index for token %s: %w", tokenID, err)
	}
	return idx, nil
}

// RunStatusOf reads back a run's status, hydrating through mustEnum so
// on-disk corruption crashes loudly rather than returning a bogus status.
func (s *Store) RunStatusOf(runID string) (RunStatus, error) {
	var raw string
	if err := s.db.QueryRow(`SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&raw); err != nil {
		return "", fmt.Errorf("audit: run status for %s: %w", runID, err)
	}
	return mustEnum(raw, validRunStatus, "run_status"), nil
}

func mustAffectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("audit: rows affected for %s %s: %w", kind, id, err)
	}
	if n != 1 {
		return elspetherr.NewFrameworkError("update_affected_no_rows", "%s %s: expected to update 1 row, updated %d", kind, id, n)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolToSQL(b bool) int {
	if b {
		return 1
	}
	return 0
}
