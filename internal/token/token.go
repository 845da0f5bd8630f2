// Package token implements the token manager (spec.md §4.4, C4): creation,
// fork, expand, and coalesce of execution tokens, each with a deep,
// independent copy of the row payload so sibling mutations never leak
// across branches — the same isolation guarantee the teacher's parallel
// branch handler (engine/parallel_handlers.go) gives each fork branch its
// own worktree and context for.
package token

import (
	"github.com/elspeth-run/elspeth/internal/elspetherr"
	"github.com/elspeth-run/elspeth/internal/identity"
)

// Token is an execution instance of a row on a path (spec.md §3.2).
type Token struct {
	Id             identity.TokenId
	RowId          identity.RowId
	Data           map[string]any
	ParentIds       []identity.TokenId
	ForkGroupId    string // empty if not a fork sibling
	JoinGroupId    string // empty unless produced by coalesce
	ExpandGroupId  string // empty unless produced by expand
	BranchName     string
	StepInPipeline int
}

// NewInitial creates the first token for a row, one per valid source row
// (spec.md §3.3).
func NewInitial(rowID identity.RowId, data map[string]any) *Token {
	return &Token{
		Id:    identity.NewTokenId(),
		RowId: rowID,
		Data:  DeepCopy(data),
	}
}

// Fork produces len(branches) children from parent, each with an
// independent deep copy of parent's row payload and parent's step
// position advanced. Requires at least one branch (spec.md §4.4).
func Fork(parent *Token, branches []string) ([]*Token, error) {
	if len(branches) == 0 {
		return nil, elspetherr.NewFrameworkError("fork_requires_branch", "fork requires at least one branch, got 0")
	}
	groupID := identity.New()
	children := make([]*Token, 0, len(branches))
	for _, branch := range branches {
		children = append(children, &Token{
			Id:             identity.NewTokenId(),
			RowId:          parent.RowId,
			Data:           DeepCopy(parent.Data),
			ParentIds:      []identity.TokenId{parent.Id},
			ForkGroupId:    groupID,
			BranchName:     branch,
			StepInPipeline: parent.StepInPipeline,
		})
	}
	return children, nil
}

// Expand produces count children from parent (a 1→N deaggregation), each
// with an independently deep-copied row drawn from rows (one row per
// child). Requires count ≥ 1 (spec.md §4.4).
func Expand(parent *Token, rows []map[string]any) ([]*Token, error) {
	if len(rows) == 0 {
		return nil, elspetherr.NewFrameworkError("expand_requires_child", "expand requires at least one output row, got 0")
	}
	groupID := identity.New()
	children := make([]*Token, 0, len(rows))
	for _, row := range rows {
		children = append(children, &Token{
			Id:             identity.NewTokenId(),
			RowId:          parent.RowId,
			Data:           DeepCopy(row),
			ParentIds:      []identity.TokenId{parent.Id},
			ExpandGroupId:  groupID,
			StepInPipeline: parent.StepInPipeline,
		})
	}
	return children, nil
}

// Coalesce merges multiple parent tokens (one per branch) into a single
// child token carrying every parent id, per spec.md §4.8's
// `coalesce_tokens` operation. merged is the already-merged row payload
// (the coalesce executor computes this per its merge strategy); Coalesce's
// job is only to establish child/parent token identity and deep-copy
// isolation for the merged payload.
func Coalesce(parents []*Token, merged map[string]any) (*Token, error) {
	if len(parents) == 0 {
		return nil, elspetherr.NewFrameworkError("coalesce_requires_parent", "coalesce requires at least one parent token")
	}
	parentIDs := make([]identity.TokenId, len(parents))
	for i, p := range parents {
		parentIDs[i] = p.Id
	}
	return &Token{
		Id:          identity.NewTokenId(),
		RowId:       parents[0].RowId,
		Data:        DeepCopy(merged),
		ParentIds:   parentIDs,
		JoinGroupId: identity.New(),
	}, nil
}

// DeepCopy recursively copies a row payload so no two tokens ever share
// mutable backing storage. Supports the JSON-like value universe rows are
// built from: maps, slices, and scalars.
func DeepCopy(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = deepCopyValue(val)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return DeepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = deepCopyValue(el)
		}
		return out
	default:
		// Scalars (string, bool, float64, int, nil, time.Time) are
		// immutable in Go's value semantics; no copy needed.
		return v
	}
}
