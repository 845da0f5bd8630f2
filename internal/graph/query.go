package graph

import (
	"sort"

	"github.com/elspeth-run/elspeth/internal/elspetherr"
	"github.com/elspeth-run/elspeth/internal/identity"
)

// TopologicalOrder returns node ids in a valid topological order (Kahn's
// algorithm), breaking ties by declared build Position so the order is
// deterministic for a given config rather than dependent on Go's
// randomized map iteration.
func (g *Graph) TopologicalOrder() ([]identity.NodeId, error) {
	inDegree := map[identity.NodeId]int{}
	adjacency := map[identity.NodeId][]identity.NodeId{}
	for id := range g.Nodes {
		inDegree[id] = 0
	}
	for _, e := range g.Edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
		inDegree[e.To]++
	}

	var ready []identity.NodeId
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sortByPosition(g, ready)

	var order []identity.NodeId
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)

		var newlyReady []identity.NodeId
		for _, next := range adjacency[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				newlyReady = append(newlyReady, next)
			}
		}
		sortByPosition(g, newlyReady)
		ready = append(ready, newlyReady...)
		sortByPosition(g, ready)
	}

	if len(order) != len(g.Nodes) {
		return nil, elspetherr.NewConfigError("acyclic", "topological sort could not order all nodes; graph contains a cycle")
	}
	return order, nil
}

func sortByPosition(g *Graph, ids []identity.NodeId) {
	sort.Slice(ids, func(i, j int) bool {
		return g.Nodes[ids[i]].Position < g.Nodes[ids[j]].Position
	})
}

func (g *Graph) GetSource() (*Node, bool) {
	for _, n := range g.Nodes {
		if n.Kind == NodeKindSource {
			return n, true
		}
	}
	return nil, false
}

func (g *Graph) GetSinks() []*Node {
	var sinks []*Node
	for _, n := range g.Nodes {
		if n.Kind == NodeKindSink {
			sinks = append(sinks, n)
		}
	}
	sort.Slice(sinks, func(i, j int) bool { return sinks[i].Position < sinks[j].Position })
	return sinks
}

func (g *Graph) GetNodeInfo(id identity.NodeId) (*Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

func (g *Graph) GetEdges() []EdgeInfo {
	out := make([]EdgeInfo, 0, len(g.Edges))
	for _, e := range g.Edges {
		out = append(out, EdgeInfo{From: string(e.From), To: string(e.To), Label: e.Label, Mode: e.Mode})
	}
	return out
}

// RouteKey identifies one (gate, label) pair in the resolution map.
type RouteKey struct {
	GateID identity.NodeId
	Label  string
}

// GetRouteResolutionMap returns, for every gate node, the resolved
// destination of each declared route label: "continue", a sink/coalesce
// name, or "fork" (spec.md §4.5).
func (g *Graph) GetRouteResolutionMap() map[RouteKey]string {
	out := map[RouteKey]string{}
	for id, n := range g.Nodes {
		if n.Kind != NodeKindGate {
			continue
		}
		for label, target := range n.Routes {
			switch target {
			case RouteContinue:
				out[RouteKey{GateID: id, Label: label}] = "continue"
			case RouteFork:
				out[RouteKey{GateID: id, Label: label}] = "fork"
			default:
				out[RouteKey{GateID: id, Label: label}] = string(target)
			}
		}
	}
	return out
}
