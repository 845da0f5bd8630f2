// Package audit implements the tamper-evident audit schema and repository
// layer (spec.md §4.2, §6.3, C2) over SQLite, following the teacher pack's
// `Freitascorp-devopsclaw/pkg/fleet.SQLiteStore` idiom: a pure-Go driver,
// WAL mode, `CREATE TABLE IF NOT EXISTS` migrations run once at open, and
// JSON-serialized side-channel columns for anything that isn't itself a
// query predicate.
//
// Every constraint spec.md §4.2.3 calls an invariant (exactly one terminal
// outcome per token, unique call_index per parent, unique (token_id,
// node_id, attempt)) is a real SQL UNIQUE constraint here, not an
// application-level check — violating one is a framework bug and must
// surface as a hard error at INSERT time, never a silent overwrite.
package audit

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// execer is the subset of *sql.DB and *sql.Tx the repository layer needs.
// Store methods run against whichever one is current, so the same method
// bodies serve both standalone calls and WithTx's transactional calls.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store owns the SQLite connection and schema for one audit database.
type Store struct {
	conn *sql.DB
	db   execer
}

// Open opens (creating if absent) a SQLite-backed audit database at path.
// Use ":memory:" for ephemeral/test use.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite %s: %w", path, err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: set WAL mode: %w", err)
	}
	s := &Store{conn: conn, db: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.conn.Close() }

// WithTx runs fn against a Store whose writes go through a single
// transaction, committing on success and rolling back on any error —
// spec.md §4.2.1's "cross-table invariants are written in one transaction"
// (e.g. fork_token's children + parent FORKED outcome).
func (s *Store) WithTx(fn func(tx *Store) error) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("audit: begin tx: %w", err)
	}
	txStore := &Store{conn: s.conn, db: tx}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit tx: %w", err)
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		config_hash TEXT NOT NULL,
		settings_json TEXT NOT NULL DEFAULT '{}',
		canonical_version TEXT NOT NULL,
		status TEXT NOT NULL,
		export_status TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		node_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		plugin_name TEXT NOT NULL,
		node_type TEXT NOT NULL,
		plugin_version TEXT NOT NULL DEFAULT '',
		determinism TEXT NOT NULL,
		config_hash TEXT NOT NULL,
		config_json TEXT NOT NULL DEFAULT '{}',
		registered_at DATETIME NOT NULL,
		schema_hash TEXT,
		schema_mode TEXT,
		schema_fields_json TEXT,
		sequence_in_pipeline INTEGER,
		PRIMARY KEY (node_id, run_id)
	)`,
	`CREATE TABLE IF NOT EXISTS edges (
		edge_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		from_node_id TEXT NOT NULL,
		to_node_id TEXT NOT NULL,
		label TEXT NOT NULL,
		default_mode TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rows (
		row_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		source_node_id TEXT NOT NULL,
		row_index INTEGER NOT NULL,
		source_data_hash TEXT NOT NULL,
		source_data_ref TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tokens (
		token_id TEXT PRIMARY KEY,
		row_id TEXT NOT NULL,
		fork_group_id TEXT,
		join_group_id TEXT,
		expand_group_id TEXT,
		branch_name TEXT,
		step_in_pipeline INTEGER,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS token_parents (
		token_id TEXT NOT NULL,
		parent_token_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		PRIMARY KEY (token_id, parent_token_id, ordinal)
	)`,
	`CREATE TABLE IF NOT EXISTS node_states (
		state_id TEXT PRIMARY KEY,
		token_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		input_hash TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		duration_ms INTEGER,
		output_hash TEXT,
		error_json TEXT,
		context_before_json TEXT,
		UNIQUE (token_id, node_id, attempt)
	)`,
	`CREATE TABLE IF NOT EXISTS calls (
		call_id TEXT PRIMARY KEY,
		state_id TEXT,
		operation_id TEXT,
		call_index INTEGER NOT NULL,
		call_type TEXT NOT NULL,
		status TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		request_ref TEXT,
		response_hash TEXT,
		response_ref TEXT,
		error_json TEXT,
		latency_ms INTEGER,
		created_at DATETIME NOT NULL,
		UNIQUE (state_id, call_index),
		UNIQUE (operation_id, call_index)
	)`,
	`CREATE TABLE IF NOT EXISTS operations (
		operation_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		status TEXT NOT NULL,
		input_data_ref TEXT,
		input_data_hash TEXT,
		output_data_ref TEXT,
		output_data_hash TEXT,
		error_message TEXT,
		duration_ms INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS routing_events (
		event_id TEXT PRIMARY KEY,
		state_id TEXT NOT NULL,
		edge_id TEXT NOT NULL,
		routing_group_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		mode TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		reason_hash TEXT,
		reason_ref TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS batches (
		batch_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		flushed_at DATETIME,
		trigger_reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS batch_members (
		batch_id TEXT NOT NULL,
		token_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		PRIMARY KEY (batch_id, token_id)
	)`,
	`CREATE TABLE IF NOT EXISTS batch_outputs (
		batch_id TEXT NOT NULL,
		output_token_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		PRIMARY KEY (batch_id, output_token_id)
	)`,
	`CREATE TABLE IF NOT EXISTS token_outcomes (
		outcome_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		token_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		is_terminal INTEGER NOT NULL,
		recorded_at DATETIME NOT NULL,
		sink_name TEXT,
		batch_id TEXT,
		fork_group_id TEXT,
		join_group_id TEXT,
		expand_group_id TEXT,
		error_hash TEXT,
		context_json TEXT,
		expected_branches_json TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_token_outcomes_terminal_unique
		ON token_outcomes(token_id) WHERE is_terminal = 1`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_token_outcomes_buffered_unique
		ON token_outcomes(token_id, batch_id) WHERE outcome = 'BUFFERED'`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		produced_by_state_id TEXT NOT NULL,
		sink_node_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		path_or_uri TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS validation_errors (
		error_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		node_id TEXT,
		row_data_json TEXT NOT NULL,
		error TEXT NOT NULL,
		schema_mode TEXT NOT NULL,
		destination TEXT NOT NULL,
		violation_type TEXT,
		normalized_field_name TEXT,
		original_field_name TEXT,
		expected_type TEXT,
		actual_type TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		checkpoint_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		token_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		aggregation_state_json TEXT,
		upstream_topology_hash TEXT NOT NULL,
		checkpoint_node_config_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		format_version INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_run_seq ON checkpoints(run_id, sequence_number)`,
	`CREATE INDEX IF NOT EXISTS idx_node_states_token ON node_states(token_id)`,
	`CREATE INDEX IF NOT EXISTS idx_routing_events_state ON routing_events(state_id)`,
}

func (s *Store) migrate() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
