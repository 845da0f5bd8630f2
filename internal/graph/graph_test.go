package graph_test

import (
	"testing"

	"github.com/elspeth-run/elspeth/internal/config"
	"github.com/elspeth-run/elspeth/internal/graph"
)

func samplePipeline() *config.Pipeline {
	return &config.Pipeline{
		Datasource: config.PluginRef{Plugin: "csv_source"},
		RowPlugins: []config.TransformConfig{
			{Name: "normalize", Plugin: "normalize_transform"},
			{Name: "enrich", Plugin: "enrich_transform"},
		},
		Gates: []config.GateConfig{
			{
				Name:      "amount_gate",
				Condition: `row["amount"] > 1000`,
				Routes:    map[string]string{"true": "high_value", "false": "continue"},
			},
		},
		Sinks: map[string]config.SinkConfig{
			"output":     {Plugin: "jsonl_sink"},
			"high_value": {Plugin: "jsonl_sink"},
		},
		OutputSink: "output",
	}
}

func TestBuildProducesExpectedTopology(t *testing.T) {
	g, err := graph.Build(samplePipeline())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	src, ok := g.GetSource()
	if !ok {
		t.Fatalf("expected a source node")
	}
	if src.Name != "source" {
		t.Fatalf("got source name %q", src.Name)
	}
	sinks := g.GetSinks()
	if len(sinks) != 2 {
		t.Fatalf("expected 2 sinks, got %d", len(sinks))
	}
}

func TestBuildIsDeterministicAcrossCalls(t *testing.T) {
	g1, err := graph.Build(samplePipeline())
	if err != nil {
		t.Fatalf("build 1: %v", err)
	}
	g2, err := graph.Build(samplePipeline())
	if err != nil {
		t.Fatalf("build 2: %v", err)
	}
	src1, _ := g1.GetSource()
	src2, _ := g2.GetSource()
	if src1.Id != src2.Id {
		t.Fatalf("expected identical node ids across builds of the same config, got %s vs %s", src1.Id, src2.Id)
	}
}

func TestTopologicalOrderRespectsEdges(t *testing.T) {
	g, err := graph.Build(samplePipeline())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("topological order: %v", err)
	}
	src, _ := g.GetSource()
	if order[0] != src.Id {
		t.Fatalf("expected source first in topological order")
	}
}

func TestValidateRejectsDuplicateOutgoingLabels(t *testing.T) {
	g := graph.NewGraph()
	a := &graph.Node{Id: "a", Name: "a", Kind: graph.NodeKindSource}
	b := &graph.Node{Id: "b", Name: "b", Kind: graph.NodeKindSink}
	c := &graph.Node{Id: "c", Name: "c", Kind: graph.NodeKindSink}
	for _, n := range []*graph.Node{a, b, c} {
		if err := g.AddNode(n); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}
	if err := g.AddEdge(&graph.Edge{Id: "e1", From: "a", To: "b", Label: "continue"}); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	if err := g.AddEdge(&graph.Edge{Id: "e2", From: "a", To: "c", Label: "continue"}); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	diags := graph.Validate(g)
	found := false
	for _, d := range diags {
		if d.Rule == "unique_outgoing_labels" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unique_outgoing_labels violation, got %+v", diags)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	g := graph.NewGraph()
	a := &graph.Node{Id: "a", Name: "a", Kind: graph.NodeKindSource}
	b := &graph.Node{Id: "b", Name: "b", Kind: graph.NodeKindTransform}
	for _, n := range []*graph.Node{a, b} {
		if err := g.AddNode(n); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}
	if err := g.AddEdge(&graph.Edge{Id: "e1", From: "a", To: "b", Label: "continue"}); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	if err := g.AddEdge(&graph.Edge{Id: "e2", From: "b", To: "a", Label: "back"}); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	diags := graph.Validate(g)
	found := false
	for _, d := range diags {
		if d.Rule == "acyclic" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected acyclic violation, got %+v", diags)
	}
}

func TestGetRouteResolutionMap(t *testing.T) {
	g, err := graph.Build(samplePipeline())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	gateNode, ok := g.NodeByName("amount_gate")
	if !ok {
		t.Fatalf("expected gate node")
	}
	resolution := g.GetRouteResolutionMap()
	if resolution[graph.RouteKey{GateID: gateNode.Id, Label: "false"}] != "continue" {
		t.Fatalf("expected false label to resolve to continue")
	}
	if resolution[graph.RouteKey{GateID: gateNode.Id, Label: "true"}] != "high_value" {
		t.Fatalf("expected true label to resolve to high_value sink")
	}
}
