// Package orchestrator implements the run loop (spec.md §4.7, C7): it
// drives a built graph.Graph end to end — source streaming, per-token
// topological stepping, batch-aware aggregation flushing, gate routing,
// coalesce delegation, and sink writes — recording every step through
// recorder.Recorder and emitting telemetry.Event after each successful
// write. This generalizes the teacher's engine.Engine.Run loop
// (internal/attractor/engine/engine.go), which walks a fixed pipeline of
// stages over one corpus, into a topology-driven per-token walk over an
// arbitrary graph.Graph.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elspeth-run/elspeth/internal/audit"
	"github.com/elspeth-run/elspeth/internal/canon"
	"github.com/elspeth-run/elspeth/internal/checkpoint"
	"github.com/elspeth-run/elspeth/internal/coalesce"
	"github.com/elspeth-run/elspeth/internal/cond"
	"github.com/elspeth-run/elspeth/internal/config"
	"github.com/elspeth-run/elspeth/internal/elspetherr"
	"github.com/elspeth-run/elspeth/internal/graph"
	"github.com/elspeth-run/elspeth/internal/identity"
	"github.com/elspeth-run/elspeth/internal/plugin"
	"github.com/elspeth-run/elspeth/internal/recorder"
	"github.com/elspeth-run/elspeth/internal/telemetry"
	"github.com/elspeth-run/elspeth/internal/token"
)

// Plugins bundles every plugin-contract implementation the orchestrator
// needs for one run, keyed by node name (matching config names).
type Plugins struct {
	Source     plugin.Source
	Transforms map[string]plugin.Transform // keyed by TransformConfig.Name / AggregationConfig.Name
	Gates      map[string]plugin.Gate      // only populated for plugin-backed gates; config-gates use cond directly
	Sinks      map[string]plugin.Sink      // keyed by sink name
}

// Runner owns one run's execution over a built graph.
type Runner struct {
	graph   *graph.Graph
	cfg     *config.Pipeline
	plugins Plugins
	rec     *recorder.Recorder
	ckpt    *checkpoint.Manager
	tele    *telemetry.Dispatcher

	gateExprs   map[identity.NodeId]*cond.Expression
	coalescers  map[identity.NodeId]*coalesce.Manager
	aggregators map[identity.NodeId]*aggregateBuffer

	outputSinkID identity.NodeId
	secureStrict bool

	clock func() time.Time
}

type aggregateBuffer struct {
	batchID       string
	items         []workItem
	boundaryValue any
	boundarySeen  bool
}

// workItem is one token awaiting processing at a specific node.
type workItem struct {
	tok    *token.Token
	nodeID identity.NodeId
}

// New builds a Runner. gateExprs must contain a compiled cond.Expression
// for every GATE node whose config declares a `condition` (config-gates);
// gates absent from gateExprs are expected to have a plugin.Gate in
// plugins.Gates instead.
func New(g *graph.Graph, cfg *config.Pipeline, plugins Plugins, rec *recorder.Recorder, ckpt *checkpoint.Manager, tele *telemetry.Dispatcher, gateExprs map[identity.NodeId]*cond.Expression, now func() time.Time) (*Runner, error) {
	if now == nil {
		now = time.Now
	}
	outputID, ok := g.NameByKindName(graph.NodeKindSink, cfg.OutputSink)
	if !ok {
		return nil, elspetherr.NewConfigError("missing_output_sink", "output_sink %q not found in graph", cfg.OutputSink)
	}
	r := &Runner{
		graph: g, cfg: cfg, plugins: plugins, rec: rec, ckpt: ckpt, tele: tele,
		gateExprs: gateExprs, coalescers: map[identity.NodeId]*coalesce.Manager{},
		aggregators: map[identity.NodeId]*aggregateBuffer{}, outputSinkID: outputID,
		secureStrict: cfg.OrchestratorConfig.SecureMode == "STRICT", clock: now,
	}
	for _, c := range cfg.Coalesce {
		n, ok := g.NameByKindName(graph.NodeKindCoalesce, c.Name)
		if !ok {
			continue
		}
		node, _ := g.GetNodeInfo(n)
		r.coalescers[n] = coalesce.NewManager(coalesce.NodeConfig{
			NodeID: string(n), Branches: node.Branches, Policy: coalesce.Policy(node.Policy),
			Quorum: node.QuorumThreshold, Merge: coalesce.MergeStrategy(node.MergeStrategy),
			SelectBranch: c.SelectBranch, TimeoutSeconds: node.TimeoutSeconds,
		}, rec, now)
	}
	return r, nil
}

// runFailed marks a run-abort condition; Run returns it to the caller
// after completing the run as FAILED. It is raised for source failures,
// rows that cannot be hashed, a missing continue edge or coalesce manager,
// and sink or coalesce failures under STRICT. A gate's evaluation error is
// recorded as a FAILED outcome for that token instead, and framework
// invariant violations panic.
type runFailed struct{ reason string }

func (e *runFailed) Error() string { return "run aborted: " + e.reason }

// Run executes the full loop for one invocation of the graph: begin_run,
// node/edge registration, source streaming, per-token stepping, and
// end-of-source draining of aggregations and coalesce joins.
func (r *Runner) Run(ctx context.Context, configHash, settingsJSON string) (runID string, err error) {
	runID, err = r.rec.BeginRun(configHash, settingsJSON, canon.CanonicalVersion)
	if err != nil {
		return "", err
	}
	r.emit(runID, telemetry.EventRunStarted, telemetry.GranularityLifecycle, map[string]any{})

	defer func() {
		if cerr := r.closeSinks(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	order, err := r.graph.TopologicalOrder()
	if err != nil {
		_ = r.rec.CompleteRun(runID, audit.RunStatusFailed)
		return runID, err
	}
	for _, id := range order {
		n, _ := r.graph.GetNodeInfo(id)
		if err := r.registerNode(runID, n); err != nil {
			_ = r.rec.CompleteRun(runID, audit.RunStatusFailed)
			return runID, err
		}
	}
	for _, e := range r.graph.Edges {
		if err := r.rec.RegisterEdge(audit.EdgeRecord{
			EdgeId: string(e.Id), RunId: runID, FromNodeId: string(e.From), ToNodeId: string(e.To),
			Label: e.Label, DefaultMode: audit.EdgeMode(e.Mode),
		}); err != nil {
			_ = r.rec.CompleteRun(runID, audit.RunStatusFailed)
			return runID, err
		}
	}

	var queue []workItem
	rowCount := 0
	abortErr := r.streamSource(ctx, runID, &queue, &rowCount)
	if abortErr != nil {
		_ = r.rec.CompleteRun(runID, audit.RunStatusFailed)
		return runID, abortErr
	}

	if err := r.drain(runID, &queue); err != nil {
		_ = r.rec.CompleteRun(runID, audit.RunStatusFailed)
		return runID, err
	}

	if err := r.flushEndOfSource(runID, &queue); err != nil {
		_ = r.rec.CompleteRun(runID, audit.RunStatusFailed)
		return runID, err
	}
	if err := r.drain(runID, &queue); err != nil {
		_ = r.rec.CompleteRun(runID, audit.RunStatusFailed)
		return runID, err
	}

	if err := r.rec.CompleteRun(runID, audit.RunStatusCompleted); err != nil {
		return runID, err
	}
	r.emit(runID, telemetry.EventRunFinished, telemetry.GranularityLifecycle, map[string]any{"status": "COMPLETED"})
	return runID, nil
}

// closeSinks closes every wired sink once the run reaches its final state,
// success or failure. A sink wrapped in export.SigningSink writes its
// closing manifest record here (spec.md §6.4) — every row already
// written gets its trailing manifest even on a STRICT-mode abort.
func (r *Runner) closeSinks() error {
	var first error
	for _, sink := range r.plugins.Sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Runner) registerNode(runID string, n *graph.Node) error {
	configJSON, err := json.Marshal(n.ConfigHash)
	if err != nil {
		return err
	}
	return r.rec.RegisterNode(audit.NodeRecord{
		NodeId: string(n.Id), RunId: runID, PluginName: n.PluginName,
		NodeType: audit.NodeType(n.Kind), PluginVersion: "1", Determinism: audit.DeterminismDeterministic,
		ConfigHash: n.ConfigHash, ConfigJSON: string(configJSON),
		SequenceInPipeline: &n.Position,
	})
}

// streamSource pulls rows from the plugin source, classifying each as
// valid or quarantined (spec.md §4.7.1 step 2-3), and seeds the work
// queue with one item per valid row at the node immediately downstream of
// SOURCE.
func (r *Runner) streamSource(ctx context.Context, runID string, queue *[]workItem, rowCount *int) error {
	if r.plugins.Source == nil {
		return nil // no plugin wired (e.g. exercised purely via orchestrator tests)
	}
	if err := r.plugins.Source.OnStart(ctx); err != nil {
		return &runFailed{reason: fmt.Sprintf("source on_start: %v", err)}
	}
	iter, err := r.plugins.Source.Load(ctx)
	if err != nil {
		return &runFailed{reason: fmt.Sprintf("source load: %v", err)}
	}
	defer r.plugins.Source.Close()

	sourceNode, _ := r.graph.GetSource()
	firstEdge := r.firstEdgeFrom(sourceNode.Id)

	for {
		row, ok, err := iter.Next(ctx)
		if err != nil {
			return &runFailed{reason: fmt.Sprintf("source iterator: %v", err)}
		}
		if !ok {
			break
		}
		if row.Kind == plugin.RowQuarantined {
			if err := r.rec.RecordValidationError(audit.ValidationErrorRecord{
				ErrorId: identity.New(), RunId: runID, NodeId: strPtr(string(sourceNode.Id)),
				RowDataJSON: mustJSON(row.Data), Error: row.Error, SchemaMode: "strict",
				Destination: row.Destination, ViolationType: strPtr("contract_violation"),
			}); err != nil {
				return err
			}
			continue
		}

		dataHash, err := canon.StableHash(row.Data)
		if err != nil {
			return &runFailed{reason: fmt.Sprintf("hash source row: %v", err)}
		}
		rowID, err := r.rec.CreateRowWithPayload(runID, string(sourceNode.Id), *rowCount, dataHash, row.Data)
		if err != nil {
			return err
		}
		*rowCount++
		tok, err := r.rec.CreateInitialToken(rowID, row.Data)
		if err != nil {
			return err
		}
		if firstEdge != nil {
			*queue = append(*queue, workItem{tok: tok, nodeID: firstEdge.To})
		}
	}
	if err := r.plugins.Source.OnComplete(ctx); err != nil {
		return &runFailed{reason: fmt.Sprintf("source on_complete: %v", err)}
	}
	return nil
}

func (r *Runner) firstEdgeFrom(id identity.NodeId) *graph.Edge {
	for _, e := range r.graph.Edges {
		if e.From == id {
			return e
		}
	}
	return nil
}

func (r *Runner) edgesFrom(id identity.NodeId) []*graph.Edge {
	var out []*graph.Edge
	for _, e := range r.graph.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

func (r *Runner) edgeFromByLabel(id identity.NodeId, label string) *graph.Edge {
	for _, e := range r.edgesFrom(id) {
		if e.Label == label {
			return e
		}
	}
	return nil
}

// drain pops work items until the queue is empty, processing one node
// step per item. Processing a step may push further items (continuation,
// fork children, flushed batch children), so the queue can grow while
// draining.
func (r *Runner) drain(runID string, queue *[]workItem) error {
	for len(*queue) > 0 {
		item := (*queue)[0]
		*queue = (*queue)[1:]
		if err := r.step(runID, item, queue); err != nil {
			var rf *runFailed
			if asRunFailed(err, &rf) {
				return err
			}
			// Per-token plugin/runtime failures do not abort the run
			// (spec.md §4.7.2); they were already recorded as a FAILED
			// outcome inside step.
			continue
		}
	}
	return nil
}

func asRunFailed(err error, target **runFailed) bool {
	rf, ok := err.(*runFailed)
	if ok {
		*target = rf
	}
	return ok
}

// step processes one token at one node, per spec.md §4.7.1 step 4-8.
func (r *Runner) step(runID string, item workItem, queue *[]workItem) error {
	node, ok := r.graph.GetNodeInfo(item.nodeID)
	if !ok {
		panic(elspetherr.NewFrameworkError("unknown_node", "work item references node %q not present in graph", item.nodeID))
	}
	switch node.Kind {
	case graph.NodeKindTransform:
		return r.stepTransform(runID, item, node, queue)
	case graph.NodeKindAggregation:
		return r.stepAggregation(runID, item, node, queue)
	case graph.NodeKindGate:
		return r.stepGate(runID, item, node, queue)
	case graph.NodeKindCoalesce:
		return r.stepCoalesce(runID, item, node, queue)
	case graph.NodeKindSink:
		return r.stepSink(runID, item, node)
	default:
		panic(elspetherr.NewFrameworkError("unroutable_node_kind", "node %q has unroutable kind %q", node.Id, node.Kind))
	}
}

func (r *Runner) stepTransform(runID string, item workItem, node *graph.Node, queue *[]workItem) error {
	xform := r.plugins.Transforms[node.Name]
	inputHash, err := canon.StableHash(item.tok.Data)
	if err != nil {
		return &runFailed{reason: fmt.Sprintf("hash transform input: %v", err)}
	}
	stateID, err := r.rec.BeginNodeState(string(item.tok.Id), string(node.Id), node.Position, 0, inputHash)
	if err != nil {
		return err
	}
	startedAt := r.clock()

	if xform == nil {
		// No plugin wired: pass the row through unchanged (exercises the
		// graph/audit path in tests without requiring a concrete plugin).
		return r.completeTransformSuccess(runID, item, node, stateID, startedAt, item.tok, queue)
	}

	result, err := xform.Process(context.Background(), []map[string]any{item.tok.Data})
	if err != nil || result.Status == plugin.TransformError {
		return r.failTransform(runID, item, stateID, startedAt, err, result)
	}

	if xform.CreatesTokens() {
		children, _, err := r.rec.ExpandToken(runID, item.tok, result.Rows, true)
		if err != nil {
			return err
		}
		outHash, err := canon.StableHash(result.Rows)
		if err != nil {
			return &runFailed{reason: fmt.Sprintf("hash transform output: %v", err)}
		}
		if err := r.rec.CompleteNodeStateSuccess(stateID, startedAt, outHash); err != nil {
			return err
		}
		r.emit(runID, telemetry.EventTransformCompleted, telemetry.GranularityDetailed, map[string]any{"node_id": node.Id, "children": len(children)})
		nextEdge := r.edgeFromByLabel(node.Id, "continue")
		if nextEdge != nil {
			for _, c := range children {
				*queue = append(*queue, workItem{tok: c, nodeID: nextEdge.To})
			}
		}
		return nil
	}

	next := item.tok
	next.Data = result.Row
	return r.completeTransformSuccess(runID, item, node, stateID, startedAt, next, queue)
}

func (r *Runner) completeTransformSuccess(runID string, item workItem, node *graph.Node, stateID string, startedAt time.Time, tok *token.Token, queue *[]workItem) error {
	outHash, err := canon.StableHash(tok.Data)
	if err != nil {
		return &runFailed{reason: fmt.Sprintf("hash transform output: %v", err)}
	}
	if err := r.rec.CompleteNodeStateSuccess(stateID, startedAt, outHash); err != nil {
		return err
	}
	r.emit(runID, telemetry.EventTransformCompleted, telemetry.GranularityDetailed, map[string]any{"node_id": node.Id})
	nextEdge := r.edgeFromByLabel(node.Id, "continue")
	if nextEdge != nil {
		*queue = append(*queue, workItem{tok: tok, nodeID: nextEdge.To})
	}
	return nil
}

func (r *Runner) failTransform(runID string, item workItem, stateID string, startedAt time.Time, callErr error, result plugin.TransformResult) error {
	reason := result.Reason
	if callErr != nil {
		reason = callErr.Error()
	}
	errJSON := mustJSON(map[string]any{"type": "plugin_runtime_error", "message": reason, "retryable": result.Retryable})
	if err := r.rec.CompleteNodeStateFailure(stateID, startedAt, errJSON); err != nil {
		return err
	}
	errHash, hashErr := canon.StableHash(map[string]any{"message": reason})
	if hashErr != nil {
		errHash = reason
	}
	if err := r.rec.RecordTerminalOutcome(runID, string(item.tok.Id), audit.OutcomeFailed, audit.OutcomeFields{ErrorHash: errHash}); err != nil {
		return err
	}
	return nil
}

// stepAggregation buffers tok at node's batch and flushes when the
// configured trigger fires (spec.md §4.7.1 step 5): count threshold or a
// boundary-field value change. End-of-source flush happens separately in
// flushEndOfSource.
func (r *Runner) stepAggregation(runID string, item workItem, node *graph.Node, queue *[]workItem) error {
	buf, ok := r.aggregators[node.Id]
	if !ok {
		batchID := identity.New()
		if err := r.rec.BeginBatch(runID, string(node.Id), batchID); err != nil {
			return err
		}
		buf = &aggregateBuffer{batchID: batchID}
		r.aggregators[node.Id] = buf
	}

	boundary := node.BatchTrigger.BoundaryField
	if boundary != "" {
		val := item.tok.Data[boundary]
		if buf.boundarySeen && !valuesEqual(buf.boundaryValue, val) {
			if err := r.flushAggregation(runID, node, queue, "boundary_field"); err != nil {
				return err
			}
			buf = &aggregateBuffer{batchID: identity.New()}
			r.aggregators[node.Id] = buf
			if err := r.rec.BeginBatch(runID, string(node.Id), buf.batchID); err != nil {
				return err
			}
		}
		buf.boundaryValue = val
		buf.boundarySeen = true
	}

	if err := r.rec.RecordBatchMember(buf.batchID, string(item.tok.Id), len(buf.items)); err != nil {
		return err
	}
	if err := r.rec.RecordBufferedOutcome(runID, string(item.tok.Id), buf.batchID); err != nil {
		return err
	}
	buf.items = append(buf.items, item)

	if node.BatchTrigger.CountThreshold > 0 && len(buf.items) >= node.BatchTrigger.CountThreshold {
		return r.flushAggregation(runID, node, queue, "count_threshold")
	}
	return nil
}

func (r *Runner) flushAggregation(runID string, node *graph.Node, queue *[]workItem, trigger string) error {
	buf, ok := r.aggregators[node.Id]
	if !ok || len(buf.items) == 0 {
		return nil
	}
	delete(r.aggregators, node.Id)

	rows := make([]map[string]any, len(buf.items))
	for i, it := range buf.items {
		rows[i] = it.tok.Data
	}

	startedAt := r.clock()
	inputHash := canon.MustStableHash(rows)

	xform := r.plugins.Transforms[node.Name]
	var outRows []map[string]any
	if xform != nil {
		result, err := xform.Process(context.Background(), rows)
		if err != nil || result.Status == plugin.TransformError {
			reason := result.Reason
			if err != nil {
				reason = err.Error()
			}
			errHash := canon.MustStableHash(map[string]any{"message": reason})
			for _, it := range buf.items {
				_ = r.rec.RecordTerminalOutcome(runID, string(it.tok.Id), audit.OutcomeFailed, audit.OutcomeFields{ErrorHash: errHash})
			}
			return nil
		}
		if len(result.Rows) > 0 {
			outRows = result.Rows
		} else {
			outRows = rows
		}
	} else {
		outRows = rows
	}

	outputHash := canon.MustStableHash(outRows)
	if err := r.rec.RecordOperation(runID, string(node.Id), "AGGREGATE_FLUSH", startedAt, r.clock(), "COMPLETED", inputHash, outputHash, map[string]any{"rows": outRows}); err != nil {
		return err
	}

	if err := r.rec.FlushBatch(buf.batchID, r.clock(), trigger); err != nil {
		return err
	}
	for _, it := range buf.items {
		if err := r.rec.RecordTerminalOutcome(runID, string(it.tok.Id), audit.OutcomeConsumedInBatch, audit.OutcomeFields{BatchId: buf.batchID}); err != nil {
			return err
		}
	}

	parent := buf.items[0].tok
	children, _, err := r.rec.ExpandToken(runID, parent, outRows, false)
	if err != nil {
		return err
	}
	for i, c := range children {
		if err := r.rec.RecordBatchOutput(buf.batchID, string(c.Id), i); err != nil {
			return err
		}
	}
	nextEdge := r.edgeFromByLabel(node.Id, "continue")
	if nextEdge != nil {
		for _, c := range children {
			*queue = append(*queue, workItem{tok: c, nodeID: nextEdge.To})
		}
	}
	return nil
}

func valuesEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// stepGate evaluates the gate's condition (or plugin) and routes the
// token along the resolved edge, recording one RoutingEvent per crossing
// (spec.md §4.7.1 step 6).
func (r *Runner) stepGate(runID string, item workItem, node *graph.Node, queue *[]workItem) error {
	inputHash, err := canon.StableHash(item.tok.Data)
	if err != nil {
		return &runFailed{reason: fmt.Sprintf("hash gate input: %v", err)}
	}
	stateID, err := r.rec.BeginNodeState(string(item.tok.Id), string(node.Id), node.Position, 0, inputHash)
	if err != nil {
		return err
	}
	startedAt := r.clock()

	label, err := r.resolveGateLabel(node, item.tok.Data)
	if err != nil {
		errJSON := mustJSON(map[string]any{"type": "gate_eval_error", "message": err.Error()})
		if cErr := r.rec.CompleteNodeStateFailure(stateID, startedAt, errJSON); cErr != nil {
			return cErr
		}
		errHash := canon.MustStableHash(map[string]any{"message": err.Error()})
		return r.rec.RecordTerminalOutcome(runID, string(item.tok.Id), audit.OutcomeFailed, audit.OutcomeFields{ErrorHash: errHash})
	}

	if err := r.rec.CompleteNodeStateSuccess(stateID, startedAt, canon.MustStableHash(label)); err != nil {
		return err
	}
	r.emit(runID, telemetry.EventGateEvaluated, telemetry.GranularityDetailed, map[string]any{"node_id": node.Id, "label": label})

	target := node.Routes[label]
	routingGroupID := identity.New()

	switch target {
	case graph.RouteContinue:
		edge := r.edgeFromByLabel(node.Id, "continue")
		if edge == nil {
			return &runFailed{reason: fmt.Sprintf("gate %q: no continue edge resolved", node.Name)}
		}
		if err := r.rec.RecordRoutingEvent(stateID, string(edge.Id), routingGroupID, 0, audit.EdgeMode(edge.Mode)); err != nil {
			return err
		}
		*queue = append(*queue, workItem{tok: item.tok, nodeID: edge.To})
	case graph.RouteFork:
		branches := node.ForkTo
		children, _, err := r.rec.ForkToken(runID, item.tok, branches)
		if err != nil {
			return err
		}
		for ordinal, c := range children {
			edge := r.edgeFromByLabel(node.Id, label+":"+c.BranchName)
			destNode := r.outputSinkID
			if edge != nil {
				destNode = edge.To
			}
			if edge != nil {
				if err := r.rec.RecordRoutingEvent(stateID, string(edge.Id), routingGroupID, ordinal, audit.EdgeModeCopy); err != nil {
					return err
				}
			}
			*queue = append(*queue, workItem{tok: c, nodeID: destNode})
		}
	default:
		edge := r.edgeFromByLabel(node.Id, label)
		destNode := r.outputSinkID
		if edge != nil {
			destNode = edge.To
		}
		if edge != nil {
			if err := r.rec.RecordRoutingEvent(stateID, string(edge.Id), routingGroupID, 0, audit.EdgeMode(edge.Mode)); err != nil {
				return err
			}
		}
		*queue = append(*queue, workItem{tok: item.tok, nodeID: destNode})
	}
	return nil
}

func (r *Runner) resolveGateLabel(node *graph.Node, row map[string]any) (string, error) {
	if plugGate, ok := r.plugins.Gates[node.Name]; ok {
		decision, err := plugGate.Evaluate(context.Background(), row)
		if err != nil {
			return "", err
		}
		return decision.Label, nil
	}
	expr, ok := r.gateExprs[node.Id]
	if !ok {
		return "", elspetherr.NewConfigError("missing_gate_condition", "gate %q has no compiled condition or plugin", node.Name)
	}
	val, err := cond.Eval(expr, row)
	if err != nil {
		return "", err
	}
	if b, ok := val.(bool); ok {
		if b {
			return "true", nil
		}
		return "false", nil
	}
	return fmt.Sprint(val), nil
}

// stepCoalesce delegates to the per-node coalesce.Manager (spec.md §4.7.1
// step 7, §4.8). A merge may not complete on this arrival; the token is
// simply held until the node's policy is satisfied.
func (r *Runner) stepCoalesce(runID string, item workItem, node *graph.Node, queue *[]workItem) error {
	mgr := r.coalescers[node.Id]
	if mgr == nil {
		return &runFailed{reason: fmt.Sprintf("coalesce node %q has no manager configured", node.Name)}
	}
	child, err := mgr.Accept(runID, item.tok.BranchName, item.tok)
	if err != nil {
		return err
	}
	if child == nil {
		return nil
	}
	*queue = append(*queue, workItem{tok: child, nodeID: r.outputSinkID})
	return nil
}

// stepSink writes one token's row as a single-row batch (spec.md §4.7.1
// step 8). Sink batching across tokens is left to the sink plugin's own
// buffering; the core's batching concern lives at the AGGREGATION layer.
func (r *Runner) stepSink(runID string, item workItem, node *graph.Node) error {
	sink := r.plugins.Sinks[node.Name]
	if sink == nil {
		return r.rec.RecordTerminalOutcome(runID, string(item.tok.Id), audit.OutcomeCompleted, audit.OutcomeFields{SinkName: node.Name})
	}

	inputHash, err := canon.StableHash(item.tok.Data)
	if err != nil {
		return &runFailed{reason: fmt.Sprintf("hash sink input: %v", err)}
	}
	stateID, err := r.rec.BeginNodeState(string(item.tok.Id), string(node.Id), node.Position, 0, inputHash)
	if err != nil {
		return err
	}
	startedAt := r.clock()

	desc, err := sink.Write(context.Background(), []map[string]any{item.tok.Data})
	if err != nil {
		errJSON := mustJSON(map[string]any{"type": "sink_write_error", "message": err.Error()})
		if cErr := r.rec.CompleteNodeStateFailure(stateID, startedAt, errJSON); cErr != nil {
			return cErr
		}
		errHash := canon.MustStableHash(map[string]any{"message": err.Error()})
		if dest := sink.OnErrorDestination(); dest != "" {
			return r.rec.RecordTerminalOutcome(runID, string(item.tok.Id), audit.OutcomeRouted, audit.OutcomeFields{SinkName: dest, ErrorHash: errHash})
		}
		if outErr := r.rec.RecordTerminalOutcome(runID, string(item.tok.Id), audit.OutcomeFailed, audit.OutcomeFields{ErrorHash: errHash}); outErr != nil {
			return outErr
		}
		if r.secureStrict {
			return &runFailed{reason: fmt.Sprintf("sink %q failed under STRICT secure mode: %v", node.Name, err)}
		}
		return nil
	}

	if err := r.rec.CompleteNodeStateSuccess(stateID, startedAt, desc.ContentHash); err != nil {
		return err
	}
	if err := r.rec.RecordArtifact(audit.ArtifactRecord{
		ArtifactId: identity.New(), RunId: runID, ProducedByStateId: stateID, SinkNodeId: string(node.Id),
		ArtifactType: "row_batch", PathOrURI: desc.PathOrURI, ContentHash: desc.ContentHash, SizeBytes: desc.SizeBytes,
	}); err != nil {
		return err
	}
	if err := r.rec.RecordTerminalOutcome(runID, string(item.tok.Id), audit.OutcomeCompleted, audit.OutcomeFields{SinkName: node.Name}); err != nil {
		return err
	}
	r.emit(runID, telemetry.EventTokenCompleted, telemetry.GranularityLifecycle, map[string]any{"token_id": item.tok.Id, "sink": node.Name})
	return nil
}

// flushEndOfSource drains every aggregation buffer and coalesce join at
// end-of-source (spec.md §4.7.1 step 5 end-of-source trigger, §4.8
// flush_pending). Under STRICT secure mode, a coalesce failure at this
// point aborts the run the same way a sink failure does
// (SPEC_FULL.md's Open Question resolution for coalesce timeout handling).
func (r *Runner) flushEndOfSource(runID string, queue *[]workItem) error {
	for id, buf := range r.aggregators {
		if len(buf.items) == 0 {
			continue
		}
		node, _ := r.graph.GetNodeInfo(id)
		if err := r.flushAggregation(runID, node, queue, "end_of_source"); err != nil {
			return err
		}
	}
	for id, mgr := range r.coalescers {
		merged, failures := mgr.FlushPending(runID)
		for _, c := range merged {
			*queue = append(*queue, workItem{tok: c, nodeID: r.outputSinkID})
		}
		if len(failures) > 0 && r.secureStrict {
			node, _ := r.graph.GetNodeInfo(id)
			return &runFailed{reason: fmt.Sprintf("coalesce %q had %d unresolved joins at end-of-source under STRICT secure mode", node.Name, len(failures))}
		}
	}
	return nil
}

func (r *Runner) emit(runID string, kind telemetry.EventKind, gran telemetry.Granularity, data map[string]any) {
	if r.tele == nil {
		return
	}
	r.tele.Dispatch(telemetry.Event{Kind: kind, Timestamp: r.clock(), RunID: runID, Data: data}, gran)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func strPtr(s string) *string { return &s }
