package graph

import (
	"github.com/elspeth-run/elspeth/internal/config"
	"github.com/elspeth-run/elspeth/internal/elspetherr"
	"github.com/elspeth-run/elspeth/internal/identity"
)

// Build constructs the execution graph from a parsed pipeline config,
// applying the five build rules of spec.md §4.5 in order, then validates
// the result (acyclicity, single source, ≥1 sink, per-node outgoing-label
// uniqueness).
func Build(cfg *config.Pipeline) (*Graph, error) {
	g := NewGraph()
	position := 0

	sourceHash, err := ConfigHash(cfg.Datasource.Options)
	if err != nil {
		return nil, elspetherr.NewConfigError("config_hash", "datasource: %v", err)
	}
	sourceID := DeriveNodeID(cfg.Datasource.Plugin, position, sourceHash)
	source := &Node{Id: sourceID, Name: "source", Kind: NodeKindSource, Position: position, PluginName: cfg.Datasource.Plugin, ConfigHash: sourceHash}
	if err := g.AddNode(source); err != nil {
		return nil, err
	}
	position++

	prev := sourceID
	for _, t := range cfg.RowPlugins {
		hash, err := ConfigHash(t.Options)
		if err != nil {
			return nil, elspetherr.NewConfigError("config_hash", "transform %q: %v", t.Name, err)
		}
		id := DeriveNodeID(t.Plugin, position, hash)
		n := &Node{Id: id, Name: t.Name, Kind: NodeKindTransform, Position: position, PluginName: t.Plugin, ConfigHash: hash}
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
		if err := addContinueEdge(g, prev, id); err != nil {
			return nil, err
		}
		prev = id
		position++
	}

	for _, a := range cfg.Aggregations {
		hash, err := ConfigHash(a.Options)
		if err != nil {
			return nil, elspetherr.NewConfigError("config_hash", "aggregation %q: %v", a.Name, err)
		}
		id := DeriveNodeID(a.Plugin, position, hash)
		n := &Node{
			Id: id, Name: a.Name, Kind: NodeKindAggregation, Position: position,
			PluginName: a.Plugin, ConfigHash: hash,
			BatchTrigger: BatchTrigger{
				CountThreshold:     a.CountThreshold,
				BoundaryField:      a.BoundaryField,
				FlushOnEndOfSource: a.FlushOnEndOfSource,
			},
		}
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
		if err := addContinueEdge(g, prev, id); err != nil {
			return nil, err
		}
		prev = id
		position++
	}

	for _, gt := range cfg.Gates {
		hash, err := ConfigHash(gt.Routes)
		if err != nil {
			return nil, elspetherr.NewConfigError("config_hash", "gate %q: %v", gt.Name, err)
		}
		id := DeriveNodeID("gate:"+gt.Name, position, hash)
		routes := make(map[string]RouteTarget, len(gt.Routes))
		for label, target := range gt.Routes {
			routes[label] = RouteTarget(target)
		}
		n := &Node{Id: id, Name: gt.Name, Kind: NodeKindGate, Position: position, PluginName: "gate:" + gt.Name, ConfigHash: hash, Routes: routes, ForkTo: gt.ForkTo}
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
		if err := addContinueEdge(g, prev, id); err != nil {
			return nil, err
		}

		// Materialize one labelled edge per declared route, per spec.md
		// §4.5 rule 4/6: the gate's routes are themselves graph edges the
		// orchestrator resolves at evaluation time, not just config data.
		for label, target := range gt.Routes {
			switch target {
			case "continue":
				// represented by the chain edge above; no extra edge needed
			case "fork":
				for _, branch := range gt.ForkTo {
					g.pendingForkEdges = append(g.pendingForkEdges, pendingForkEdge{from: id, label: label, branch: branch})
				}
			default:
				sinkID, ok := g.NameByKindName(NodeKindSink, target)
				if !ok {
					sinkID, ok = g.NameByKindName(NodeKindCoalesce, target)
				}
				if !ok {
					// Sink/coalesce node is registered later in build order
					// (sinks/coalesce config sections); defer resolution to
					// a second pass via pendingRouteEdges.
					g.pendingRouteEdges = append(g.pendingRouteEdges, pendingRouteEdge{from: id, label: label, targetName: target, mode: EdgeModeMove})
					continue
				}
				if err := addEdge(g, id, sinkID, label, EdgeModeMove); err != nil {
					return nil, err
				}
			}
		}
		prev = id
		position++
	}

	for _, c := range cfg.Coalesce {
		hash, err := ConfigHash(c)
		if err != nil {
			return nil, elspetherr.NewConfigError("config_hash", "coalesce %q: %v", c.Name, err)
		}
		id := DeriveNodeID("coalesce:"+c.Name, position, hash)
		n := &Node{
			Id: id, Name: c.Name, Kind: NodeKindCoalesce, Position: position,
			PluginName: "coalesce:" + c.Name, ConfigHash: hash,
			Branches: c.Branches, Policy: c.Policy, TimeoutSeconds: c.TimeoutSeconds,
			MergeStrategy: c.MergeStrategy, QuorumThreshold: c.QuorumThreshold,
		}
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
		position++
	}

	for name, ref := range cfg.Sinks {
		hash, err := ConfigHash(ref.Options)
		if err != nil {
			return nil, elspetherr.NewConfigError("config_hash", "sink %q: %v", name, err)
		}
		id := DeriveNodeID(ref.Plugin, position, hash)
		n := &Node{Id: id, Name: name, Kind: NodeKindSink, Position: position, PluginName: ref.Plugin, ConfigHash: hash}
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
		position++
	}

	if err := g.resolvePendingRouteEdges(); err != nil {
		return nil, err
	}
	if err := g.resolvePendingForkEdges(); err != nil {
		return nil, err
	}

	// Rule 6: connect the last upstream node to the output sink unless an
	// earlier continue edge already routed there.
	outputID, ok := g.NameByKindName(NodeKindSink, cfg.OutputSink)
	if !ok {
		return nil, elspetherr.NewConfigError("missing_output_sink", "output_sink %q is not declared in sinks", cfg.OutputSink)
	}
	if !g.hasEdgeBetween(prev, outputID) {
		if err := addEdge(g, prev, outputID, "continue", EdgeModeMove); err != nil {
			return nil, err
		}
	}

	if err := ValidateOrError(g); err != nil {
		return nil, err
	}
	return g, nil
}

type pendingRouteEdge struct {
	from       identity.NodeId
	label      string
	targetName string
	mode       EdgeMode
}

// pendingForkEdge records a fork_to branch awaiting resolution: it routes
// into whichever coalesce node declares that branch name in its Branches
// list, or to the output sink otherwise (spec.md §4.5 rule 5).
type pendingForkEdge struct {
	from   identity.NodeId
	label  string
	branch string
}

func (g *Graph) resolvePendingForkEdges() error {
	for _, p := range g.pendingForkEdges {
		target, ok := g.coalesceIDForBranch(p.branch)
		if !ok {
			continue // falls through to the output-sink connection established after gate processing
		}
		if err := addEdge(g, p.from, target, p.label+":"+p.branch, EdgeModeCopy); err != nil {
			return err
		}
	}
	g.pendingForkEdges = nil
	return nil
}

func (g *Graph) coalesceIDForBranch(branch string) (identity.NodeId, bool) {
	for id, n := range g.Nodes {
		if n.Kind != NodeKindCoalesce {
			continue
		}
		for _, b := range n.Branches {
			if b == branch {
				return id, true
			}
		}
	}
	return "", false
}

func addContinueEdge(g *Graph, from, to identity.NodeId) error {
	if g.hasEdgeBetween(from, to) {
		return nil
	}
	return addEdge(g, from, to, "continue", EdgeModeMove)
}

func addEdge(g *Graph, from, to identity.NodeId, label string, mode EdgeMode) error {
	return g.AddEdge(&Edge{Id: identity.NewEdgeId(), From: from, To: to, Label: label, Mode: mode})
}

func (g *Graph) hasEdgeBetween(from, to identity.NodeId) bool {
	for _, e := range g.Edges {
		if e.From == from && e.To == to {
			return true
		}
	}
	return false
}

// NameByKindName looks up a node id by (kind, name) pair.
func (g *Graph) NameByKindName(kind NodeKind, name string) (identity.NodeId, bool) {
	n, ok := g.NodeByName(name)
	if !ok || n.Kind != kind {
		return "", false
	}
	return n.Id, true
}

func (g *Graph) resolvePendingRouteEdges() error {
	for _, p := range g.pendingRouteEdges {
		id, ok := g.NameByKindName(NodeKindSink, p.targetName)
		if !ok {
			id, ok = g.NameByKindName(NodeKindCoalesce, p.targetName)
		}
		if !ok {
			return elspetherr.NewConfigError("unresolved_route_target", "route label %q names unknown sink/coalesce %q", p.label, p.targetName)
		}
		if err := addEdge(g, p.from, id, p.label, p.mode); err != nil {
			return err
		}
	}
	g.pendingRouteEdges = nil
	return nil
}
