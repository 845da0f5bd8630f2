// Package telemetry implements the typed event dispatcher (spec.md §6.5,
// §4.7.3, C10): a non-blocking fan-out of frozen event records to one or
// more exporters, with per-exporter failure counting and the declared
// backpressure policy. Only BLOCK is implemented; DROP_NEWEST, DROP_OLDEST,
// and SLOW are accepted as enum values but rejected by New
// (SPEC_FULL.md §D.10) — generalizing the teacher's "declared but
// unimplemented CLI flag rejected at config time" idiom
// (engine/config.go's validation pass) to telemetry dispatch modes.
package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/elspeth-run/elspeth/internal/elspetherr"
)

// Granularity controls which events an exporter receives.
type Granularity string

const (
	GranularityLifecycle Granularity = "LIFECYCLE"
	GranularityDetailed  Granularity = "DETAILED"
	GranularityDebug     Granularity = "DEBUG"
)

// BackpressureMode controls dispatcher behavior when an exporter's queue
// is full. Only BLOCK is implemented.
type BackpressureMode string

const (
	BackpressureBlock      BackpressureMode = "BLOCK"
	BackpressureDropNewest BackpressureMode = "DROP_NEWEST"
	BackpressureDropOldest BackpressureMode = "DROP_OLDEST"
	BackpressureSlow       BackpressureMode = "SLOW"
)

var implementedBackpressureModes = map[BackpressureMode]bool{BackpressureBlock: true}

// EventKind names the typed events spec.md §4.7.3 enumerates.
type EventKind string

const (
	EventRunStarted            EventKind = "RunStarted"
	EventPhaseChanged          EventKind = "PhaseChanged"
	EventTransformCompleted    EventKind = "TransformCompleted"
	EventGateEvaluated         EventKind = "GateEvaluated"
	EventTokenCompleted        EventKind = "TokenCompleted"
	EventExternalCallCompleted EventKind = "ExternalCallCompleted"
	EventRunFinished           EventKind = "RunFinished"
)

// Event is a frozen, timestamped record (spec.md §6.5). Fields beyond the
// common envelope are carried in Data, keyed by event-specific field name.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	RunID     string
	Data      map[string]any
}

// Exporter is the contract spec.md §6.5 names: configure/export/flush/close.
type Exporter interface {
	Configure(opts map[string]any) error
	Export(e Event) error
	Flush() error
	Close() error
}

// Config is one dispatcher's declared behavior.
type Config struct {
	Enabled                    bool
	Granularity                Granularity
	BackpressureMode           BackpressureMode
	MaxConsecutiveFailures     int
	FailOnTotalExporterFailure bool
	QueueDepth                 int // per-exporter bounded queue size; 0 defaults to 256
}

type exporterState struct {
	exporter            Exporter
	queue               chan Event
	consecutiveFailures int
	disabled            bool
}

// Dispatcher fans out events to every configured exporter without
// blocking the orchestrator on a slow or failing exporter beyond its own
// bounded queue (BLOCK backpressure blocks only the caller feeding that
// one exporter's queue, never the whole dispatcher).
type Dispatcher struct {
	cfg Config
	log *log.Logger

	mu         sync.Mutex
	exporters  []*exporterState
	totalDead  bool
	onRunFail  func()
	wg         sync.WaitGroup
}

// New validates cfg (rejecting any backpressure mode but BLOCK, per
// SPEC_FULL.md §D.10) and returns a Dispatcher ready to accept exporters.
// onRunFail is invoked at most once, if FailOnTotalExporterFailure is true
// and every exporter has been disabled.
func New(cfg Config, logger *log.Logger, onRunFail func()) (*Dispatcher, error) {
	if !implementedBackpressureModes[cfg.BackpressureMode] {
		return nil, elspetherr.NewConfigError("telemetry_backpressure_mode", "backpressure_mode %q is declared but not implemented; only BLOCK is supported", cfg.BackpressureMode)
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{cfg: cfg, log: logger, onRunFail: onRunFail}, nil
}

// AddExporter registers and configures one exporter, starting its worker.
func (d *Dispatcher) AddExporter(e Exporter, opts map[string]any) error {
	if err := e.Configure(opts); err != nil {
		return err
	}
	st := &exporterState{exporter: e, queue: make(chan Event, d.cfg.QueueDepth)}
	d.mu.Lock()
	d.exporters = append(d.exporters, st)
	d.mu.Unlock()

	d.wg.Add(1)
	go d.runWorker(st)
	return nil
}

func (d *Dispatcher) runWorker(st *exporterState) {
	defer d.wg.Done()
	for ev := range st.queue {
		d.export(st, ev)
	}
}

func (d *Dispatcher) export(st *exporterState, ev Event) {
	d.mu.Lock()
	if st.disabled {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if err := st.exporter.Export(ev); err != nil {
		d.mu.Lock()
		st.consecutiveFailures++
		d.log.Printf("telemetry: exporter failed (consecutive=%d): %v", st.consecutiveFailures, err)
		if st.consecutiveFailures >= d.cfg.MaxConsecutiveFailures && d.cfg.MaxConsecutiveFailures > 0 {
			st.disabled = true
			d.log.Printf("telemetry: exporter disabled after %d consecutive failures", st.consecutiveFailures)
			d.checkTotalFailureLocked()
		}
		d.mu.Unlock()
		return
	}
	d.mu.Lock()
	st.consecutiveFailures = 0
	d.mu.Unlock()
}

// checkTotalFailureLocked must be called with d.mu held.
func (d *Dispatcher) checkTotalFailureLocked() {
	if d.totalDead || !d.cfg.FailOnTotalExporterFailure {
		return
	}
	for _, st := range d.exporters {
		if !st.disabled {
			return
		}
	}
	d.totalDead = true
	if d.onRunFail != nil {
		go d.onRunFail()
	}
}

// Dispatch sends ev to every enabled exporter's queue, respecting
// granularity. Only BLOCK backpressure is implemented: a full queue blocks
// the caller until the worker drains it.
func (d *Dispatcher) Dispatch(ev Event, atLeast Granularity) {
	if !d.cfg.Enabled {
		return
	}
	if !granularityAllows(d.cfg.Granularity, atLeast) {
		return
	}
	d.mu.Lock()
	targets := make([]*exporterState, 0, len(d.exporters))
	for _, st := range d.exporters {
		if !st.disabled {
			targets = append(targets, st)
		}
	}
	d.mu.Unlock()
	for _, st := range targets {
		st.queue <- ev // BLOCK: back-pressures the caller, per cfg validation above.
	}
}

func granularityAllows(configured, eventLevel Granularity) bool {
	rank := map[Granularity]int{GranularityLifecycle: 0, GranularityDetailed: 1, GranularityDebug: 2}
	return rank[eventLevel] <= rank[configured]
}

// Close flushes and closes every exporter, then waits for workers to drain.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	exporters := append([]*exporterState(nil), d.exporters...)
	d.mu.Unlock()
	for _, st := range exporters {
		close(st.queue)
	}
	d.wg.Wait()
	var firstErr error
	for _, st := range exporters {
		if err := st.exporter.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := st.exporter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
