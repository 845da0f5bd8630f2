package main

import (
	"context"
	"fmt"
	"log"

	"github.com/elspeth-run/elspeth/internal/config"
	"github.com/elspeth-run/elspeth/internal/plugin"
	"github.com/elspeth-run/elspeth/internal/telemetry"
)

// demoPipelineConfig builds a minimal single-sink pipeline: source ->
// normalize transform -> output sink. Kept deliberately small; it exists
// to drive the orchestrator's Run loop, not to demonstrate every config
// shape spec.md §6.2 allows.
func demoPipelineConfig(verbose bool) *config.Pipeline {
	granularity := "LIFECYCLE"
	if verbose {
		granularity = "DEBUG"
	}
	return &config.Pipeline{
		Datasource: config.PluginRef{Plugin: "memory_source"},
		RowPlugins: []config.TransformConfig{
			{Name: "normalize", Plugin: "upcase_transform"},
		},
		Sinks: map[string]config.SinkConfig{
			"output": {Plugin: "stdout_sink", Signing: config.SigningConfig{Enabled: true, Key: "demo-signing-key"}},
		},
		OutputSink: "output",
		OrchestratorConfig: config.OrchestratorConfig{
			Telemetry: config.TelemetryConfig{
				Enabled:                true,
				Granularity:            granularity,
				BackpressureMode:       "BLOCK",
				MaxConsecutiveFailures: 3,
			},
		},
	}
}

// memorySource emits rowCount synthetic rows, quarantining every fifth one
// so the run exercises both the VALID and QUARANTINED row paths (spec.md
// §4.3).
type memorySource struct {
	rowCount int
	i        int
}

func (s *memorySource) Determinism() plugin.Determinism { return plugin.DeterminismIORead }
func (s *memorySource) PluginVersion() string            { return "1" }
func (s *memorySource) OutputSchema() map[string]any      { return nil }
func (s *memorySource) Close() error                      { return nil }
func (s *memorySource) OnStart(ctx context.Context) error    { return nil }
func (s *memorySource) OnComplete(ctx context.Context) error { return nil }

func (s *memorySource) Load(ctx context.Context) (plugin.SourceRowIterator, error) {
	return s, nil
}

func (s *memorySource) Next(ctx context.Context) (plugin.SourceRow, bool, error) {
	if s.i >= s.rowCount {
		return plugin.SourceRow{}, false, nil
	}
	idx := s.i
	s.i++
	if (idx+1)%5 == 0 {
		return plugin.SourceRow{
			Kind:        plugin.RowQuarantined,
			Data:        map[string]any{"seq": idx},
			Error:       "seq is a multiple of 5, quarantined for the demo",
			Destination: "discard",
		}, true, nil
	}
	return plugin.SourceRow{
		Kind: plugin.RowValid,
		Data: map[string]any{"seq": idx, "name": fmt.Sprintf("row-%d", idx)},
	}, true, nil
}

// upcaseTransform is the demo's only row plugin: it appends "!" to one
// field, enough to prove a transform ran between source and sink.
type upcaseTransform struct{ field string }

func (u *upcaseTransform) IsBatchAware() bool    { return false }
func (u *upcaseTransform) CreatesTokens() bool   { return false }
func (u *upcaseTransform) PluginVersion() string { return "1" }

func (u *upcaseTransform) Process(ctx context.Context, rows []map[string]any) (plugin.TransformResult, error) {
	row := rows[0]
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	if s, ok := out[u.field].(string); ok {
		out[u.field] = s + "!"
	}
	return plugin.TransformResult{Status: plugin.TransformSuccess, Row: out}, nil
}

// stdoutSink prints each written batch; its artifact descriptor names the
// file descriptor rather than a real path since nothing is persisted.
type stdoutSink struct{ writeCount int }

func (s *stdoutSink) Write(ctx context.Context, rows []map[string]any) (plugin.ArtifactDescriptor, error) {
	for _, row := range rows {
		fmt.Printf("sink: %v\n", row)
	}
	s.writeCount++
	return plugin.ArtifactDescriptor{
		PathOrURI:   fmt.Sprintf("stdout://write-%d", s.writeCount),
		ContentHash: "",
		SizeBytes:   int64(len(rows)),
	}, nil
}
func (s *stdoutSink) Flush() error              { return nil }
func (s *stdoutSink) Close() error              { return nil }
func (s *stdoutSink) OnErrorDestination() string { return "" }

// stdoutExporter is the demo telemetry exporter: it logs lifecycle events
// through the same *log.Logger the rest of the process uses (A.1's
// component-scoped *log.Logger convention), optionally at DEBUG
// granularity when -verbose is set.
type stdoutExporter struct {
	logger  *log.Logger
	verbose bool
}

func newStdoutExporter(logger *log.Logger, verbose bool) *stdoutExporter {
	return &stdoutExporter{logger: logger, verbose: verbose}
}

func (e *stdoutExporter) Configure(opts map[string]any) error { return nil }

func (e *stdoutExporter) Export(ev telemetry.Event) error {
	e.logger.Printf("telemetry: %s run=%s data=%v", ev.Kind, ev.RunID, ev.Data)
	return nil
}

func (e *stdoutExporter) Flush() error { return nil }
func (e *stdoutExporter) Close() error { return nil }
