// Package recorder implements the transactional write path (spec.md §4.2,
// C3) over the audit schema: every multi-row operation that must land
// atomically — fork's children + parent FORKED outcome, expand's children
// + optional parent outcome, coalesce's merged token + parent links — runs
// inside one audit.Store transaction, following the teacher's own
// single-writable-connection discipline
// (Freitascorp-devopsclaw/pkg/fleet/store_sqlite.go's `mu sync.RWMutex`
// guarding all mutation).
package recorder

import (
	"fmt"
	"sync"
	"time"

	"github.com/elspeth-run/elspeth/internal/audit"
	"github.com/elspeth-run/elspeth/internal/elspetherr"
	"github.com/elspeth-run/elspeth/internal/identity"
	"github.com/elspeth-run/elspeth/internal/payloadstore"
	"github.com/elspeth-run/elspeth/internal/token"
)

// Clock abstracts wall-clock time so tests can supply a deterministic one.
type Clock func() time.Time

// Recorder wraps an audit.Store with the composite operations spec.md
// §4.2.2 names, plus the centralized call-index allocator.
type Recorder struct {
	store *audit.Store
	clock Clock

	mu          sync.Mutex
	callIndexes map[string]int // keyed "state:"+id or "op:"+id

	payloads *payloadstore.Store // optional; nil means source_data_ref/output_data_ref stay unset
}

// New wraps store. now defaults to time.Now if nil.
func New(store *audit.Store, now Clock) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: store, clock: now, callIndexes: make(map[string]int)}
}

// BeginRun starts a new run and returns its id.
func (r *Recorder) BeginRun(configHash, settingsJSON, canonicalVersion string) (string, error) {
	runID := identity.NewRunId()
	err := r.store.BeginRun(audit.Run{
		RunId: runID, StartedAt: r.clock(), ConfigHash: configHash,
		SettingsJSON: settingsJSON, CanonicalVersion: canonicalVersion,
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

// CompleteRun closes out a run.
func (r *Recorder) CompleteRun(runID string, status audit.RunStatus) error {
	return r.store.CompleteRun(runID, status, r.clock())
}

// RegisterNode records a node. Re-registration with an identical node_id
// (same plugin/position/config_hash per graph.DeriveNodeID) in the same run
// fails on the primary key rather than being ignored —
// SQLite's INSERT OR IGNORE semantics aren't used here because node_id,run_id
// is the primary key and a distinct run always gets a fresh registration;
// same-run re-registration with identical inputs is a caller bug we do not
// special-case silently, matching spec.md §4.2.2's "idempotent" contract at
// the node_id-derivation layer rather than the insert layer.
func (r *Recorder) RegisterNode(n audit.NodeRecord) error {
	n.RegisteredAt = r.clock()
	return r.store.RegisterNode(n)
}

func (r *Recorder) RegisterEdge(e audit.EdgeRecord) error {
	e.CreatedAt = r.clock()
	return r.store.RegisterEdge(e)
}

// SetPayloadStore wires the optional payload store (spec.md §3's
// "payload may be purged while source_data_hash remains as audit anchor").
// When unset, rows and operations simply carry no *_data_ref.
func (r *Recorder) SetPayloadStore(ps *payloadstore.Store) {
	r.payloads = ps
}

// CreateRow records a source row's provenance.
func (r *Recorder) CreateRow(runID, sourceNodeID string, rowIndex int, sourceDataHash string) (string, error) {
	rowID := string(identity.NewRowId())
	err := r.store.CreateRow(audit.RowRecord{
		RowId: rowID, RunId: runID, SourceNodeId: sourceNodeID, RowIndex: rowIndex,
		SourceDataHash: sourceDataHash, CreatedAt: r.clock(),
	})
	if err != nil {
		return "", err
	}
	return rowID, nil
}

// CreateRowWithPayload is CreateRow plus, when a payload store is wired, an
// archival copy of the raw row data addressed by content hash and recorded
// as source_data_ref — purgeable independently of the audited
// source_data_hash.
func (r *Recorder) CreateRowWithPayload(runID, sourceNodeID string, rowIndex int, sourceDataHash string, data map[string]any) (string, error) {
	rowID := string(identity.NewRowId())
	rec := audit.RowRecord{
		RowId: rowID, RunId: runID, SourceNodeId: sourceNodeID, RowIndex: rowIndex,
		SourceDataHash: sourceDataHash, CreatedAt: r.clock(),
	}
	if r.payloads != nil {
		ref, _, err := r.payloads.Put(data)
		if err != nil {
			return "", fmt.Errorf("archive row payload: %w", err)
		}
		rec.SourceDataRef = &ref
	}
	if err := r.store.CreateRow(rec); err != nil {
		return "", err
	}
	return rowID, nil
}

// RecordOperation records one batch-level plugin invocation (spec.md
// §4.2.2, the operations table) — distinct from node_states, which track
// per-token work. When a payload store is wired, the output row is
// additionally archived and referenced by outputRef.
func (r *Recorder) RecordOperation(runID, nodeID, operationType string, startedAt, completedAt time.Time, status string, inputHash, outputHash string, output map[string]any) error {
	op := audit.OperationRecord{
		OperationId: identity.New(), RunId: runID, NodeId: nodeID, OperationType: operationType,
		StartedAt: startedAt, CompletedAt: &completedAt, Status: status,
		InputDataHash: strPtr(inputHash), OutputDataHash: strPtr(outputHash),
	}
	if r.payloads != nil && output != nil {
		ref, _, err := r.payloads.Put(output)
		if err != nil {
			return fmt.Errorf("archive operation output: %w", err)
		}
		op.OutputDataRef = &ref
	}
	return r.store.RecordOperation(op)
}

// CreateInitialToken creates the first token for a row plus its audit row.
func (r *Recorder) CreateInitialToken(rowID string, data map[string]any) (*token.Token, error) {
	t := token.NewInitial(identity.RowId(rowID), data)
	if err := r.store.CreateToken(audit.TokenRecord{
		TokenId: string(t.Id), RowId: rowID, CreatedAt: r.clock(),
	}); err != nil {
		return nil, err
	}
	return t, nil
}

// ForkToken forks parent into len(branches) children, atomically recording
// the children, their parent links, and the parent's FORKED outcome
// (spec.md §4.2.2's fork_token).
func (r *Recorder) ForkToken(runID string, parent *token.Token, branches []string) ([]*token.Token, string, error) {
	children, err := token.Fork(parent, branches)
	if err != nil {
		return nil, "", err
	}
	groupID := children[0].ForkGroupId
	err = r.store.WithTx(func(tx *audit.Store) error {
		for i, c := range children {
			if err := tx.CreateToken(audit.TokenRecord{
				TokenId: string(c.Id), RowId: string(c.RowId), ForkGroupId: strPtr(c.ForkGroupId),
				BranchName: strPtr(c.BranchName), StepInPipeline: &c.StepInPipeline, CreatedAt: r.clock(),
			}); err != nil {
				return fmt.Errorf("create fork child %d: %w", i, err)
			}
			if err := tx.RecordTokenParent(string(c.Id), string(parent.Id), 0); err != nil {
				return fmt.Errorf("record fork parent link %d: %w", i, err)
			}
		}
		return tx.RecordTokenOutcome(audit.TokenOutcomeRecord{
			OutcomeId: identity.New(), RunId: runID, TokenId: string(parent.Id),
			Outcome: audit.OutcomeForked, IsTerminal: true, RecordedAt: r.clock(),
			Fields: audit.OutcomeFields{ForkGroupId: groupID},
		})
	})
	if err != nil {
		return nil, "", err
	}
	return children, groupID, nil
}

// ExpandToken expands parent into the given output rows. If
// recordParentOutcome is true, the parent gets an EXPANDED terminal
// outcome in the same transaction; the batch-aggregation flush path sets
// it false because it records CONSUMED_IN_BATCH separately instead
// (spec.md §4.2.2).
func (r *Recorder) ExpandToken(runID string, parent *token.Token, rows []map[string]any, recordParentOutcome bool) ([]*token.Token, string, error) {
	children, err := token.Expand(parent, rows)
	if err != nil {
		return nil, "", err
	}
	groupID := children[0].ExpandGroupId
	err = r.store.WithTx(func(tx *audit.Store) error {
		for i, c := range children {
			if err := tx.CreateToken(audit.TokenRecord{
				TokenId: string(c.Id), RowId: string(c.RowId), ExpandGroupId: strPtr(c.ExpandGroupId),
				StepInPipeline: &c.StepInPipeline, CreatedAt: r.clock(),
			}); err != nil {
				return fmt.Errorf("create expand child %d: %w", i, err)
			}
			if err := tx.RecordTokenParent(string(c.Id), string(parent.Id), 0); err != nil {
				return fmt.Errorf("record expand parent link %d: %w", i, err)
			}
		}
		if !recordParentOutcome {
			return nil
		}
		return tx.RecordTokenOutcome(audit.TokenOutcomeRecord{
			OutcomeId: identity.New(), RunId: runID, TokenId: string(parent.Id),
			Outcome: audit.OutcomeExpanded, IsTerminal: true, RecordedAt: r.clock(),
			Fields: audit.OutcomeFields{ExpandGroupId: groupID},
		})
	})
	if err != nil {
		return nil, "", err
	}
	return children, groupID, nil
}

// CoalesceTokens merges parents into one child, atomically recording the
// child, every parent link, and every parent's COALESCED outcome.
func (r *Recorder) CoalesceTokens(runID string, parents []*token.Token, merged map[string]any) (*token.Token, error) {
	child, err := token.Coalesce(parents, merged)
	if err != nil {
		return nil, err
	}
	err = r.store.WithTx(func(tx *audit.Store) error {
		if err := tx.CreateToken(audit.TokenRecord{
			TokenId: string(child.Id), RowId: string(child.RowId), JoinGroupId: strPtr(child.JoinGroupId),
			CreatedAt: r.clock(),
		}); err != nil {
			return fmt.Errorf("create coalesced token: %w", err)
		}
		for i, p := range parents {
			if err := tx.RecordTokenParent(string(child.Id), string(p.Id), i); err != nil {
				return fmt.Errorf("record coalesce parent link %d: %w", i, err)
			}
			if err := tx.RecordTokenOutcome(audit.TokenOutcomeRecord{
				OutcomeId: identity.New(), RunId: runID, TokenId: string(p.Id),
				Outcome: audit.OutcomeCoalesced, IsTerminal: true, RecordedAt: r.clock(),
				Fields: audit.OutcomeFields{JoinGroupId: child.JoinGroupId},
			}); err != nil {
				return fmt.Errorf("record coalesce parent outcome %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// BeginNodeState opens a node-state attempt.
func (r *Recorder) BeginNodeState(tokenID, nodeID string, stepIndex, attempt int, inputHash string) (string, error) {
	stateID := identity.New()
	err := r.store.BeginNodeState(audit.NodeStateRecord{
		StateId: stateID, TokenId: tokenID, NodeId: nodeID, StepIndex: stepIndex, Attempt: attempt,
		InputHash: inputHash, StartedAt: r.clock(),
	})
	if err != nil {
		return "", err
	}
	return stateID, nil
}

// CompleteNodeStateSuccess closes a node state as COMPLETED. Re-completion
// of an already-closed state is a fatal framework bug (spec.md §4.2.2):
// mustAffectOne inside audit.Store's UPDATE surfaces that as an error the
// caller must not swallow.
func (r *Recorder) CompleteNodeStateSuccess(stateID string, startedAt time.Time, outputHash string) error {
	completedAt := r.clock()
	return r.store.CompleteNodeStateSuccess(stateID, completedAt, completedAt.Sub(startedAt).Milliseconds(), outputHash)
}

func (r *Recorder) CompleteNodeStateFailure(stateID string, startedAt time.Time, errorJSON string) error {
	completedAt := r.clock()
	return r.store.CompleteNodeStateFailure(stateID, completedAt, completedAt.Sub(startedAt).Milliseconds(), errorJSON)
}

// RecordCall allocates the next call_index for parentID under column
// ("state_id" or "operation_id") and records the call — threadsafe per
// spec.md §4.2.2's "centralized allocator ... threadsafe" requirement.
// The in-memory cache is seeded from the DB's current max on first use per
// parent so a recorder recreated after a crash resumes the sequence
// correctly (spec.md §5's call-index monotonicity invariant).
func (r *Recorder) RecordCall(column, parentID string, callType audit.CallType, status audit.CallStatus, requestHash string, extra func(*audit.CallRecord)) (string, error) {
	idx, err := r.nextCallIndex(column, parentID)
	if err != nil {
		return "", err
	}
	c := audit.CallRecord{
		CallId: identity.New(), CallIndex: idx, CallType: callType, Status: status,
		RequestHash: requestHash, CreatedAt: r.clock(),
	}
	switch column {
	case "state_id":
		c.StateId = &parentID
	case "operation_id":
		c.OperationId = &parentID
	default:
		return "", elspetherr.NewFrameworkError("bad_call_index_column", "unknown call index parent column %q", column)
	}
	if extra != nil {
		extra(&c)
	}
	if err := r.store.RecordCall(c); err != nil {
		return "", err
	}
	return c.CallId, nil
}

func (r *Recorder) nextCallIndex(column, parentID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := column + ":" + parentID
	if idx, ok := r.callIndexes[key]; ok {
		r.callIndexes[key] = idx + 1
		return idx, nil
	}
	idx, err := r.store.NextCallIndex(column, parentID)
	if err != nil {
		return 0, err
	}
	r.callIndexes[key] = idx + 1
	return idx, nil
}

// RecordRoutingEvent records one edge-crossing decision.
func (r *Recorder) RecordRoutingEvent(stateID, edgeID, routingGroupID string, ordinal int, mode audit.EdgeMode) error {
	return r.store.RecordRoutingEvent(audit.RoutingEventRecord{
		EventId: identity.New(), StateId: stateID, EdgeId: edgeID,
		RoutingGroupId: routingGroupID, Ordinal: ordinal, Mode: mode, CreatedAt: r.clock(),
	})
}

// RecordTerminalOutcome records a COMPLETED/ROUTED/FAILED/QUARANTINED
// outcome for a token (the simple, single-row outcomes; fork/expand/
// coalesce outcomes are recorded atomically by their own methods above).
func (r *Recorder) RecordTerminalOutcome(runID, tokenID string, outcome audit.Outcome, fields audit.OutcomeFields) error {
	return r.store.RecordTokenOutcome(audit.TokenOutcomeRecord{
		OutcomeId: identity.New(), RunId: runID, TokenId: tokenID,
		Outcome: outcome, IsTerminal: outcome.IsTerminal(), RecordedAt: r.clock(), Fields: fields,
	})
}

// RecordBufferedOutcome records the one non-terminal outcome: a token
// consumed into an open aggregation batch, awaiting flush.
func (r *Recorder) RecordBufferedOutcome(runID, tokenID, batchID string) error {
	return r.store.RecordTokenOutcome(audit.TokenOutcomeRecord{
		OutcomeId: identity.New(), RunId: runID, TokenId: tokenID,
		Outcome: audit.OutcomeBuffered, IsTerminal: false, RecordedAt: r.clock(),
		Fields: audit.OutcomeFields{BatchId: batchID},
	})
}

// RecordArtifact, RecordValidationError, RecordCheckpoint, and
// LatestCheckpoint pass through to the underlying store, stamping
// CreatedAt from the recorder's clock where the caller doesn't supply one.
func (r *Recorder) RecordArtifact(a audit.ArtifactRecord) error {
	a.CreatedAt = r.clock()
	return r.store.RecordArtifact(a)
}

func (r *Recorder) RecordValidationError(v audit.ValidationErrorRecord) error {
	return r.store.RecordValidationError(v)
}

func (r *Recorder) RecordCheckpoint(c audit.CheckpointRecord) error {
	c.CreatedAt = r.clock()
	return r.store.RecordCheckpoint(c)
}

func (r *Recorder) LatestCheckpoint(runID string) (*audit.CheckpointRecord, error) {
	return r.store.LatestCheckpoint(runID)
}

// BeginBatch opens a new aggregation batch for nodeID.
func (r *Recorder) BeginBatch(runID, nodeID, batchID string) error {
	return r.store.RecordBatch(audit.BatchRecord{BatchId: batchID, RunId: runID, NodeId: nodeID, CreatedAt: r.clock()})
}

// RecordBatchMember attaches tokenID to an open batch at the given ordinal.
func (r *Recorder) RecordBatchMember(batchID, tokenID string, ordinal int) error {
	return r.store.RecordBatchMember(batchID, tokenID, ordinal)
}

// RecordBatchOutput attaches an expand-produced output token to the batch
// that produced it.
func (r *Recorder) RecordBatchOutput(batchID, outputTokenID string, ordinal int) error {
	return r.store.RecordBatchOutput(batchID, outputTokenID, ordinal)
}

// FlushBatch marks a batch flushed. trigger is recorded for diagnostics
// (spec.md §4.7.1 step 5: count threshold, boundary field, or
// end_of_source).
func (r *Recorder) FlushBatch(batchID string, flushedAt time.Time, trigger string) error {
	return r.store.UpdateBatchFlushed(batchID, flushedAt, trigger)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
