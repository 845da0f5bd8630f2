// Command elspeth-run is a thin composition root: it wires an in-memory
// demo source/sink around the core orchestrator so the Run loop (spec.md
// §4.7) is exercisable end to end. It takes only a few demo flags and
// builds its pipeline config in code rather than loading a config file
// (config.LoadFile exists but is not called here). This
// mirrors cmd/kilroy/main.go's role as the thing that builds an engine
// and runs it, stripped of kilroy's provider/detach/resume flag surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/elspeth-run/elspeth/internal/audit"
	"github.com/elspeth-run/elspeth/internal/checkpoint"
	"github.com/elspeth-run/elspeth/internal/cond"
	"github.com/elspeth-run/elspeth/internal/config"
	"github.com/elspeth-run/elspeth/internal/export"
	"github.com/elspeth-run/elspeth/internal/graph"
	"github.com/elspeth-run/elspeth/internal/identity"
	"github.com/elspeth-run/elspeth/internal/orchestrator"
	"github.com/elspeth-run/elspeth/internal/payloadstore"
	"github.com/elspeth-run/elspeth/internal/plugin"
	"github.com/elspeth-run/elspeth/internal/recorder"
	"github.com/elspeth-run/elspeth/internal/telemetry"
)

func main() {
	dbPath := flag.String("db", ":memory:", "path to the audit SQLite database (':memory:' for a scratch run)")
	payloadDir := flag.String("payload-dir", "", "directory for the archived row/operation payload store (unset disables archival)")
	rowCount := flag.Int("rows", 5, "number of demo rows the in-memory source emits")
	verbose := flag.Bool("verbose", false, "log per-row progress events in addition to lifecycle events")
	flag.Parse()

	logger := log.New(os.Stderr, "[elspeth-run] ", log.LstdFlags)

	if err := run(*dbPath, *payloadDir, *rowCount, *verbose, logger); err != nil {
		logger.Printf("run failed: %v", err)
		os.Exit(1)
	}
}

func run(dbPath, payloadDir string, rowCount int, verbose bool, logger *log.Logger) error {
	cfg := demoPipelineConfig(verbose)

	g, err := graph.Build(cfg)
	if err != nil {
		return fmt.Errorf("build graph: %w", err)
	}

	store, err := audit.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	clock := time.Now
	rec := recorder.New(store, clock)
	ckpt := checkpoint.New(store, rec, clock)

	if payloadDir != "" {
		ps, err := payloadstore.Open(payloadDir)
		if err != nil {
			return fmt.Errorf("open payload store: %w", err)
		}
		rec.SetPayloadStore(ps)
	}

	gateExprs, err := compileGateExpressions(g, cfg)
	if err != nil {
		return fmt.Errorf("compile gate expressions: %w", err)
	}

	var tele *telemetry.Dispatcher
	if cfg.OrchestratorConfig.Telemetry.Enabled {
		tc := cfg.OrchestratorConfig.Telemetry
		tele, err = telemetry.New(telemetry.Config{
			Enabled:                    tc.Enabled,
			Granularity:                telemetry.Granularity(tc.Granularity),
			BackpressureMode:           telemetry.BackpressureMode(tc.BackpressureMode),
			MaxConsecutiveFailures:     tc.MaxConsecutiveFailures,
			FailOnTotalExporterFailure: tc.FailOnTotalExporterFailure,
		}, logger, func() { logger.Printf("all telemetry exporters disabled") })
		if err != nil {
			return fmt.Errorf("construct telemetry dispatcher: %w", err)
		}
		if err := tele.AddExporter(newStdoutExporter(logger, verbose), nil); err != nil {
			return fmt.Errorf("add telemetry exporter: %w", err)
		}
		defer tele.Close()
	}

	plugins, err := demoPlugins(cfg, rowCount)
	if err != nil {
		return fmt.Errorf("wire sinks: %w", err)
	}
	runner, err := orchestrator.New(g, cfg, plugins, rec, ckpt, tele, gateExprs, clock)
	if err != nil {
		return fmt.Errorf("construct orchestrator: %w", err)
	}

	settingsJSON := fmt.Sprintf(`{"rows":%d}`, rowCount)
	runID, err := runner.Run(context.Background(), demoConfigHash(cfg), settingsJSON)
	if err != nil {
		logger.Printf("run %s ended in failure: %v", runID, err)
		return err
	}
	logger.Printf("run %s completed", runID)
	return nil
}

// compileGateExpressions compiles every config-driven gate's condition
// (plugin-backed gates, which have no Condition, are left absent from the
// map — the orchestrator expects a plugin.Gate in Plugins.Gates for those).
func compileGateExpressions(g *graph.Graph, cfg *config.Pipeline) (map[identity.NodeId]*cond.Expression, error) {
	out := map[identity.NodeId]*cond.Expression{}
	for _, gc := range cfg.Gates {
		if gc.Condition == "" {
			continue
		}
		id, ok := g.NameByKindName(graph.NodeKindGate, gc.Name)
		if !ok {
			continue
		}
		expr, err := cond.Compile(gc.Condition)
		if err != nil {
			return nil, fmt.Errorf("gate %q: %w", gc.Name, err)
		}
		out[id] = expr
	}
	return out, nil
}

func demoConfigHash(cfg *config.Pipeline) string {
	return "demo-" + cfg.Datasource.Plugin
}

// demoPlugins wires the in-memory demo plugins and wraps any sink whose
// config enables signing in an export.SigningSink (spec.md §6.4), so the
// demo run's output carries a per-record signature and a closing
// manifest exactly as a real signed sink would.
func demoPlugins(cfg *config.Pipeline, rowCount int) (orchestrator.Plugins, error) {
	sinks := map[string]plugin.Sink{
		"output": plugin.Sink(&stdoutSink{}),
	}
	for name, sc := range cfg.Sinks {
		if !sc.Signing.Enabled {
			continue
		}
		signed, err := export.NewSigningSink(sinks[name], []byte(sc.Signing.Key))
		if err != nil {
			return orchestrator.Plugins{}, fmt.Errorf("sink %q: %w", name, err)
		}
		sinks[name] = signed
	}

	return orchestrator.Plugins{
		Source: &memorySource{rowCount: rowCount},
		Transforms: map[string]plugin.Transform{
			"normalize": &upcaseTransform{field: "name"},
		},
		Sinks: sinks,
	}, nil
}
