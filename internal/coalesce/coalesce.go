// Package coalesce implements the join executor (spec.md §4.8, C8): each
// coalesce node holds pending joins keyed by row_id until its policy's
// completion condition is met, then merges the present branch rows and
// delegates to recorder.CoalesceTokens. This generalizes the teacher's
// FanInHandler (engine/parallel_handlers.go) — which collects N parallel
// branch results and picks a winner — into a per-row join that waits for
// named branches rather than a one-shot all-branches-already-done fan-in.
package coalesce

import (
	"fmt"
	"sort"
	"time"

	"github.com/elspeth-run/elspeth/internal/audit"
	"github.com/elspeth-run/elspeth/internal/canon"
	"github.com/elspeth-run/elspeth/internal/recorder"
	"github.com/elspeth-run/elspeth/internal/token"
)

// Policy selects when a pending join is considered complete.
type Policy string

const (
	PolicyRequireAll Policy = "require_all"
	PolicyQuorum     Policy = "quorum"
	PolicyBestEffort Policy = "best_effort"
	PolicyFirst      Policy = "first"
)

// MergeStrategy selects how present branch rows combine into one row.
type MergeStrategy string

const (
	MergeUnion        MergeStrategy = "union"
	MergeSelectBranch MergeStrategy = "select_branch"
	MergeCustom       MergeStrategy = "custom"
)

// NodeConfig is one coalesce node's declared behavior (spec.md §4.8).
type NodeConfig struct {
	NodeID         string
	Branches       []string
	Policy         Policy
	Quorum         int // used when Policy == PolicyQuorum
	Merge          MergeStrategy
	SelectBranch   string        // used when Merge == MergeSelectBranch
	Custom         func(branchRows map[string]map[string]any) (map[string]any, error)
	TimeoutSeconds float64 // 0 disables the timeout
}

// PendingJoin tracks branch arrivals for one row_id at one coalesce node.
type PendingJoin struct {
	RowID         string
	BranchTokens  map[string]*token.Token
	FirstSeenAt   time.Time
	ContractBranches []string
}

func newPendingJoin(rowID string, contractBranches []string, now time.Time) *PendingJoin {
	return &PendingJoin{
		RowID:            rowID,
		BranchTokens:     make(map[string]*token.Token),
		FirstSeenAt:      now,
		ContractBranches: contractBranches,
	}
}

// Manager owns one coalesce node's pending-join state. Not safe for
// concurrent use from multiple goroutines without external locking — the
// orchestrator serializes branch arrivals for a given node per spec.md
// §5's "coalesce accept may block no worker" note (single-threaded accept
// loop per node).
type Manager struct {
	cfg      NodeConfig
	recorder *recorder.Recorder
	clock    func() time.Time
	pending  map[string]*PendingJoin // keyed by row_id
}

// NewManager builds a Manager for one coalesce node. now defaults to
// time.Now if nil.
func NewManager(cfg NodeConfig, rec *recorder.Recorder, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	if cfg.Quorum <= 0 {
		cfg.Quorum = len(cfg.Branches)
	}
	return &Manager{cfg: cfg, recorder: rec, clock: now, pending: make(map[string]*PendingJoin)}
}

// JoinFailure is returned by Tick and FlushPending when a timed-out or
// end-of-source join cannot satisfy its policy. Reason is "quorum_not_met"
// for a quorum join and "incomplete_branches" for every other policy; a
// best_effort join whose merge fails carries the merge error instead.
type JoinFailure struct {
	Reason string
	RowID  string
}

func (e *JoinFailure) Error() string {
	return fmt.Sprintf("coalesce join failed for row %s: %s", e.RowID, e.Reason)
}

// Accept records one branch token's arrival for its row. If the join now
// satisfies the node's policy, it merges immediately and returns the
// merged child token; otherwise it returns (nil, nil) and the join stays
// pending.
func (m *Manager) Accept(runID string, branch string, tok *token.Token) (*token.Token, error) {
	rowID := string(tok.RowId)
	pj, ok := m.pending[rowID]
	if !ok {
		pj = newPendingJoin(rowID, m.cfg.Branches, m.clock())
		m.pending[rowID] = pj
	}
	pj.BranchTokens[branch] = tok

	ready, reason := m.readyToMerge(pj)
	if !ready {
		return nil, nil
	}
	delete(m.pending, rowID)
	child, err := m.merge(runID, pj, reason)
	if err != nil {
		return nil, err
	}
	return child, nil
}

// Tick evaluates every pending join against the configured timeout,
// firing a timeout merge (best_effort) or a failure (every other policy)
// for any join older than TimeoutSeconds. Returns the tokens merged this
// tick and any join failures encountered; both may be non-empty.
func (m *Manager) Tick(runID string) ([]*token.Token, []*JoinFailure) {
	if m.cfg.TimeoutSeconds <= 0 {
		return nil, nil
	}
	now := m.clock()
	deadline := time.Duration(m.cfg.TimeoutSeconds * float64(time.Second))

	var merged []*token.Token
	var failures []*JoinFailure
	for rowID, pj := range m.pending {
		if now.Sub(pj.FirstSeenAt) < deadline {
			continue
		}
		delete(m.pending, rowID)
		if m.cfg.Policy == PolicyBestEffort {
			child, err := m.merge(runID, pj, "timeout_best_effort")
			if err != nil {
				failures = append(failures, &JoinFailure{Reason: err.Error(), RowID: rowID})
				continue
			}
			merged = append(merged, child)
			continue
		}
		failures = append(failures, m.failJoin(runID, pj, "timeout"))
	}
	return merged, failures
}

// FlushPending drains every remaining pending join at end-of-source,
// applying each policy's terminal rule (spec.md §4.8): best_effort merges
// whatever is present; every other policy fails incomplete joins.
func (m *Manager) FlushPending(runID string) ([]*token.Token, []*JoinFailure) {
	var merged []*token.Token
	var failures []*JoinFailure
	rowIDs := make([]string, 0, len(m.pending))
	for rowID := range m.pending {
		rowIDs = append(rowIDs, rowID)
	}
	sort.Strings(rowIDs)
	for _, rowID := range rowIDs {
		pj := m.pending[rowID]
		delete(m.pending, rowID)
		if m.cfg.Policy == PolicyBestEffort {
			child, err := m.merge(runID, pj, "end_of_source_best_effort")
			if err != nil {
				failures = append(failures, &JoinFailure{Reason: err.Error(), RowID: rowID})
				continue
			}
			merged = append(merged, child)
			continue
		}
		failures = append(failures, m.failJoin(runID, pj, "end_of_source"))
	}
	return merged, failures
}

// readyToMerge reports whether pj currently satisfies the node's policy,
// and the reason string to record if it does.
func (m *Manager) readyToMerge(pj *PendingJoin) (bool, string) {
	switch m.cfg.Policy {
	case PolicyFirst:
		return true, "first_arrival"
	case PolicyRequireAll:
		return len(pj.BranchTokens) >= len(m.cfg.Branches), "require_all"
	case PolicyQuorum:
		return len(pj.BranchTokens) >= m.cfg.Quorum, "quorum"
	case PolicyBestEffort:
		// best_effort only merges on timeout/end-of-source, never eagerly.
		return false, ""
	default:
		return false, ""
	}
}

// merge builds the merged row per cfg.Merge, delegates to recorder for the
// atomic coalesce_tokens write (parents + COALESCED outcomes), and
// returns the resulting child token.
func (m *Manager) merge(runID string, pj *PendingJoin, reason string) (*token.Token, error) {
	parents := make([]*token.Token, 0, len(pj.BranchTokens))
	branchRows := make(map[string]map[string]any, len(pj.BranchTokens))
	branchNames := make([]string, 0, len(pj.BranchTokens))
	for branch := range pj.BranchTokens {
		branchNames = append(branchNames, branch)
	}
	sort.Strings(branchNames)
	for _, branch := range branchNames {
		tok := pj.BranchTokens[branch]
		parents = append(parents, tok)
		branchRows[branch] = tok.Data
	}

	merged, err := m.mergeRows(branchRows)
	if err != nil {
		return nil, &JoinFailure{Reason: err.Error(), RowID: pj.RowID}
	}

	child, err := m.recorder.CoalesceTokens(runID, parents, merged)
	if err != nil {
		return nil, fmt.Errorf("coalesce merge (%s): %w", reason, err)
	}
	return child, nil
}

func (m *Manager) mergeRows(branchRows map[string]map[string]any) (map[string]any, error) {
	switch m.cfg.Merge {
	case MergeSelectBranch:
		row, ok := branchRows[m.cfg.SelectBranch]
		if !ok {
			return nil, fmt.Errorf("select_branch: branch %q not present", m.cfg.SelectBranch)
		}
		return token.DeepCopy(row), nil
	case MergeCustom:
		if m.cfg.Custom == nil {
			return nil, fmt.Errorf("custom merge strategy configured with no merge function")
		}
		return m.cfg.Custom(branchRows)
	case MergeUnion, "":
		out := make(map[string]any)
		names := make([]string, 0, len(branchRows))
		for name := range branchRows {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			for k, v := range branchRows[name] {
				out[k] = v
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", m.cfg.Merge)
	}
}

// failJoin records every consumed branch token as FAILED with an
// error_hash identifying the reason (spec.md §4.8).
func (m *Manager) failJoin(runID string, pj *PendingJoin, trigger string) *JoinFailure {
	reason := "incomplete_branches"
	if m.cfg.Policy == PolicyQuorum {
		reason = "quorum_not_met"
	}
	errHash, err := canon.StableHash(map[string]any{
		"kind": "coalesce_join_failure", "node_id": m.cfg.NodeID, "policy": string(m.cfg.Policy), "reason": reason, "trigger": trigger,
	})
	if err != nil {
		errHash = fmt.Sprintf("coalesce_%s_%s", m.cfg.Policy, reason)
	}
	for _, tok := range pj.BranchTokens {
		_ = m.recorder.RecordTerminalOutcome(runID, string(tok.Id), audit.OutcomeFailed, audit.OutcomeFields{ErrorHash: errHash})
	}
	return &JoinFailure{Reason: reason, RowID: pj.RowID}
}

// Pending returns the row_ids currently awaiting completion, for tests and
// diagnostics.
func (m *Manager) Pending() []string {
	out := make([]string, 0, len(m.pending))
	for rowID := range m.pending {
		out = append(out, rowID)
	}
	sort.Strings(out)
	return out
}
