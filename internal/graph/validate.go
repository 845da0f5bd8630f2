package graph

import (
	"fmt"
	"strings"

	"github.com/elspeth-run/elspeth/internal/elspetherr"
	"github.com/elspeth-run/elspeth/internal/identity"
)

type Severity string

const (
	SeverityError Severity = "ERROR"
)

// Diagnostic mirrors the teacher's lint-rule shape: a rule name, severity,
// human message, and optional node/edge coordinates so callers can point
// at the offending config without re-deriving it.
type Diagnostic struct {
	Rule     string
	Severity Severity
	Message  string
	NodeID   string
	EdgeFrom string
	EdgeTo   string
}

// Validate runs every built-in structural rule from spec.md §4.5 and
// returns every violation found (not just the first).
func Validate(g *Graph) []Diagnostic {
	var diags []Diagnostic
	diags = append(diags, lintExactlyOneSource(g)...)
	diags = append(diags, lintAtLeastOneSink(g)...)
	diags = append(diags, lintUniqueOutgoingLabels(g)...)
	diags = append(diags, lintAcyclic(g)...)
	return diags
}

// ValidateOrError runs Validate and, if any ERROR-severity diagnostic
// exists, returns a single ConfigError joining every message — config
// errors reject at build time, before any run row exists.
func ValidateOrError(g *Graph) error {
	diags := Validate(g)
	var msgs []string
	for _, d := range diags {
		msgs = append(msgs, fmt.Sprintf("%s: %s", d.Rule, d.Message))
	}
	if len(msgs) > 0 {
		return elspetherr.NewConfigError("graph_validation", "%s", strings.Join(msgs, "; "))
	}
	return nil
}

func lintExactlyOneSource(g *Graph) []Diagnostic {
	var ids []string
	for id, n := range g.Nodes {
		if n.Kind == NodeKindSource {
			ids = append(ids, string(id))
		}
	}
	if len(ids) != 1 {
		return []Diagnostic{{Rule: "exactly_one_source", Severity: SeverityError,
			Message: fmt.Sprintf("graph must have exactly one source node (found %d)", len(ids))}}
	}
	return nil
}

func lintAtLeastOneSink(g *Graph) []Diagnostic {
	for _, n := range g.Nodes {
		if n.Kind == NodeKindSink {
			return nil
		}
	}
	return []Diagnostic{{Rule: "at_least_one_sink", Severity: SeverityError, Message: "graph must have at least one sink node"}}
}

// lintUniqueOutgoingLabels enforces that every node's outgoing edge labels
// are unique — duplicates would collapse routing-event keys and corrupt
// the audit trail (spec.md §4.5).
func lintUniqueOutgoingLabels(g *Graph) []Diagnostic {
	var diags []Diagnostic
	seen := map[identity.NodeId]map[string]bool{}
	for _, e := range g.Edges {
		if seen[e.From] == nil {
			seen[e.From] = map[string]bool{}
		}
		if seen[e.From][e.Label] {
			diags = append(diags, Diagnostic{
				Rule: "unique_outgoing_labels", Severity: SeverityError,
				Message: fmt.Sprintf("node %q has duplicate outgoing edge label %q", e.From, e.Label),
				NodeID:  string(e.From),
			})
			continue
		}
		seen[e.From][e.Label] = true
	}
	return diags
}

// lintAcyclic runs a DFS cycle search and reports the first cycle path
// found, so the error message names an actionable loop rather than just
// "graph has a cycle".
func lintAcyclic(g *Graph) []Diagnostic {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[identity.NodeId]int{}
	adjacency := map[identity.NodeId][]identity.NodeId{}
	for _, e := range g.Edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	var path []identity.NodeId
	var cyclePath []identity.NodeId

	var dfs func(identity.NodeId) bool
	dfs = func(id identity.NodeId) bool {
		color[id] = gray
		path = append(path, id)
		for _, next := range adjacency[id] {
			switch color[next] {
			case white:
				if dfs(next) {
					return true
				}
			case gray:
				cyclePath = append(append([]identity.NodeId{}, path...), next)
				return true
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for id := range g.Nodes {
		if color[id] == white {
			if dfs(id) {
				names := make([]string, len(cyclePath))
				for i, n := range cyclePath {
					if node, ok := g.Nodes[n]; ok {
						names[i] = node.Name
					} else {
						names[i] = string(n)
					}
				}
				return []Diagnostic{{Rule: "acyclic", Severity: SeverityError,
					Message: fmt.Sprintf("cycle detected: %s", strings.Join(names, " -> "))}}
			}
		}
	}
	return nil
}
