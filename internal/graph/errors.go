package graph

import (
	"github.com/elspeth-run/elspeth/internal/elspetherr"
	"github.com/elspeth-run/elspeth/internal/identity"
)

func errDuplicateNodeName(name string) error {
	return elspetherr.NewConfigError("duplicate_node_name", "node name %q is already registered", name)
}

func errDanglingEdge(end string, id identity.NodeId) error {
	return elspetherr.NewConfigError("dangling_edge", "edge %s-node %q does not exist in the graph", end, id)
}
