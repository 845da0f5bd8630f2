package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/elspeth-run/elspeth/internal/audit"
	"github.com/elspeth-run/elspeth/internal/checkpoint"
	"github.com/elspeth-run/elspeth/internal/config"
	"github.com/elspeth-run/elspeth/internal/graph"
	"github.com/elspeth-run/elspeth/internal/orchestrator"
	"github.com/elspeth-run/elspeth/internal/plugin"
	"github.com/elspeth-run/elspeth/internal/recorder"
)

type fixedIterator struct {
	rows []plugin.SourceRow
	i    int
}

func (it *fixedIterator) Next(ctx context.Context) (plugin.SourceRow, bool, error) {
	if it.i >= len(it.rows) {
		return plugin.SourceRow{}, false, nil
	}
	row := it.rows[it.i]
	it.i++
	return row, true, nil
}

type fakeSource struct{ rows []plugin.SourceRow }

func (s *fakeSource) Determinism() plugin.Determinism { return plugin.DeterminismIORead }
func (s *fakeSource) PluginVersion() string            { return "1" }
func (s *fakeSource) OutputSchema() map[string]any      { return nil }
func (s *fakeSource) Load(ctx context.Context) (plugin.SourceRowIterator, error) {
	return &fixedIterator{rows: s.rows}, nil
}
func (s *fakeSource) Close() error                      { return nil }
func (s *fakeSource) OnStart(ctx context.Context) error    { return nil }
func (s *fakeSource) OnComplete(ctx context.Context) error { return nil }

type upcaseTransform struct{ field string }

func (u *upcaseTransform) IsBatchAware() bool   { return false }
func (u *upcaseTransform) CreatesTokens() bool  { return false }
func (u *upcaseTransform) PluginVersion() string { return "1" }
func (u *upcaseTransform) Process(ctx context.Context, rows []map[string]any) (plugin.TransformResult, error) {
	row := rows[0]
	out := map[string]any{}
	for k, v := range row {
		out[k] = v
	}
	if s, ok := out[u.field].(string); ok {
		out[u.field] = s + "!"
	}
	return plugin.TransformResult{Status: plugin.TransformSuccess, Row: out}, nil
}

type captureSink struct{ writes [][]map[string]any }

func (c *captureSink) Write(ctx context.Context, rows []map[string]any) (plugin.ArtifactDescriptor, error) {
	c.writes = append(c.writes, rows)
	return plugin.ArtifactDescriptor{PathOrURI: "mem://sink", ContentHash: "h", SizeBytes: int64(len(rows))}, nil
}
func (c *captureSink) Flush() error              { return nil }
func (c *captureSink) Close() error              { return nil }
func (c *captureSink) OnErrorDestination() string { return "" }

func samplePipeline() *config.Pipeline {
	return &config.Pipeline{
		Datasource: config.PluginRef{Plugin: "fake_source"},
		RowPlugins: []config.TransformConfig{
			{Name: "upcase", Plugin: "upcase_transform"},
		},
		Sinks:      map[string]config.SinkConfig{"output": {Plugin: "capture_sink"}},
		OutputSink: "output",
	}
}

func newHarness(t *testing.T, rows []plugin.SourceRow, sink *captureSink) *orchestrator.Runner {
	t.Helper()
	cfg := samplePipeline()
	g, err := graph.Build(cfg)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	store, err := audit.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	rec := recorder.New(store, clock)
	ckpt := checkpoint.New(store, rec, clock)

	plugins := orchestrator.Plugins{
		Source:     &fakeSource{rows: rows},
		Transforms: map[string]plugin.Transform{"upcase": &upcaseTransform{field: "name"}},
		Sinks:      map[string]plugin.Sink{"output": sink},
	}
	r, err := orchestrator.New(g, cfg, plugins, rec, ckpt, nil, nil, clock)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r
}

func TestRunHappyPathWritesCompletedOutcomes(t *testing.T) {
	sink := &captureSink{}
	r := newHarness(t, []plugin.SourceRow{
		{Kind: plugin.RowValid, Data: map[string]any{"name": "alice"}},
		{Kind: plugin.RowValid, Data: map[string]any{"name": "bob"}},
	}, sink)

	runID, err := r.Run(context.Background(), "cfg-hash", "{}")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if runID == "" {
		t.Fatalf("expected non-empty run id")
	}
	if len(sink.writes) != 2 {
		t.Fatalf("expected 2 sink writes, got %d", len(sink.writes))
	}
	got := sink.writes[0][0]["name"]
	if got != "alice!" {
		t.Fatalf("expected transform to have run before sink, got %v", got)
	}
}

func TestRunRecordsQuarantinedRowsWithoutCreatingTokens(t *testing.T) {
	sink := &captureSink{}
	r := newHarness(t, []plugin.SourceRow{
		{Kind: plugin.RowQuarantined, Data: map[string]any{"name": 123}, Error: "not a string", Destination: "discard"},
		{Kind: plugin.RowValid, Data: map[string]any{"name": "carol"}},
	}, sink)

	_, err := r.Run(context.Background(), "cfg-hash", "{}")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.writes) != 1 {
		t.Fatalf("expected only the valid row to reach the sink, got %d writes", len(sink.writes))
	}
}
