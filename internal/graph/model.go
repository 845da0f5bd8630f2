// Package graph implements the execution graph (spec.md §4.5, C5): node and
// edge model, build rules from configuration, topology validation, and the
// query surface the orchestrator uses to walk a run.
package graph

import "github.com/elspeth-run/elspeth/internal/identity"

// NodeKind enumerates the node classes spec.md §4.5 builds from config.
type NodeKind string

const (
	NodeKindSource      NodeKind = "SOURCE"
	NodeKindTransform   NodeKind = "TRANSFORM"
	NodeKindAggregation NodeKind = "AGGREGATION"
	NodeKindGate        NodeKind = "GATE"
	NodeKindCoalesce    NodeKind = "COALESCE"
	NodeKindSink        NodeKind = "SINK"
)

// EdgeMode distinguishes a plain token move from a fork/copy crossing.
type EdgeMode string

const (
	EdgeModeMove EdgeMode = "MOVE"
	EdgeModeCopy EdgeMode = "COPY"
)

// RouteTarget is the resolved destination of a gate label: either the
// literal string "continue", the literal string "fork", or a sink/coalesce
// name.
type RouteTarget string

const (
	RouteContinue RouteTarget = "continue"
	RouteFork     RouteTarget = "fork"
)

// Node is a single vertex in the execution graph. Id is deterministic per
// spec.md §3.2 — derived from (plugin_name, position, config_hash) via
// DeriveNodeID, not a ULID — so the same config always yields the same
// node identity across runs, which is what lets checkpoints compare
// upstream_topology_hash meaningfully.
type Node struct {
	Id         identity.NodeId
	Name       string
	Kind       NodeKind
	Position   int
	PluginName string
	ConfigHash string

	// Gate-only.
	Routes map[string]RouteTarget
	ForkTo []string

	// Coalesce-only.
	Branches        []string
	Policy          string
	TimeoutSeconds  float64
	MergeStrategy   string
	QuorumThreshold int

	// Aggregation-only (batch trigger).
	BatchTrigger BatchTrigger
}

// BatchTrigger describes when a buffered aggregation node flushes.
type BatchTrigger struct {
	CountThreshold    int
	BoundaryField     string
	FlushOnEndOfSource bool
}

// Edge is a labelled crossing between two nodes.
type Edge struct {
	Id    identity.EdgeId
	From  identity.NodeId
	To    identity.NodeId
	Label string
	Mode  EdgeMode
}

// EdgeInfo is the read-only projection the query surface returns (spec.md
// §4.5's get_edges()).
type EdgeInfo struct {
	From  string
	To    string
	Label string
	Mode  EdgeMode
}

// Graph is the built, validated execution graph for one run.
type Graph struct {
	Nodes map[identity.NodeId]*Node
	Edges []*Edge

	nameToID map[string]identity.NodeId
	order    []identity.NodeId // insertion order, used for deterministic iteration before topo sort

	pendingRouteEdges []pendingRouteEdge
	pendingForkEdges  []pendingForkEdge
}

func NewGraph() *Graph {
	return &Graph{
		Nodes:    map[identity.NodeId]*Node{},
		nameToID: map[string]identity.NodeId{},
	}
}

// AddNode registers a node, indexing it by name for later lookups. Returns
// an error if the name is already taken — spec.md §4.5 build rules assume
// node names are unique within a config.
func (g *Graph) AddNode(n *Node) error {
	if _, exists := g.nameToID[n.Name]; exists {
		return errDuplicateNodeName(n.Name)
	}
	g.Nodes[n.Id] = n
	g.nameToID[n.Name] = n.Id
	g.order = append(g.order, n.Id)
	return nil
}

// AddEdge appends an edge after validating both endpoints exist.
func (g *Graph) AddEdge(e *Edge) error {
	if _, ok := g.Nodes[e.From]; !ok {
		return errDanglingEdge("from", e.From)
	}
	if _, ok := g.Nodes[e.To]; !ok {
		return errDanglingEdge("to", e.To)
	}
	g.Edges = append(g.Edges, e)
	return nil
}

func (g *Graph) NodeByName(name string) (*Node, bool) {
	id, ok := g.nameToID[name]
	if !ok {
		return nil, false
	}
	return g.Nodes[id], true
}

// NameToID exposes the name -> id map for one node class (spec.md §4.5's
// "name->id maps for each node class").
func (g *Graph) NameToID(kind NodeKind) map[string]identity.NodeId {
	out := map[string]identity.NodeId{}
	for name, id := range g.nameToID {
		if g.Nodes[id].Kind == kind {
			out[name] = id
		}
	}
	return out
}
