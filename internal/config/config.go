// Package config defines the YAML configuration surface the core accepts
// (spec.md §6.2) and validates it against a JSON-schema contract before any
// graph is built — no partial run begins on a bad config (spec.md §7).
package config

import (
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/elspeth-run/elspeth/internal/elspetherr"
)

// Pipeline is the top-level configuration document.
type Pipeline struct {
	Datasource         PluginRef             `yaml:"datasource"`
	RowPlugins         []TransformConfig     `yaml:"row_plugins"`
	Aggregations       []AggregationConfig   `yaml:"aggregations"`
	Gates              []GateConfig          `yaml:"gates"`
	Coalesce           []CoalesceConfig      `yaml:"coalesce"`
	Sinks              map[string]SinkConfig `yaml:"sinks"`
	OutputSink         string                `yaml:"output_sink"`
	OrchestratorConfig OrchestratorConfig    `yaml:"orchestrator_config"`
}

// PluginRef names a plugin and its free-form options; options are kept as
// raw YAML nodes and decoded by the plugin itself (the core never
// interprets plugin-specific option shapes).
type PluginRef struct {
	Plugin  string    `yaml:"plugin"`
	Options yaml.Node `yaml:"options"`
}

// SinkConfig is a PluginRef plus the sink's optional export-signing
// settings (spec.md §6.4). Signing is per-sink: a pipeline can sign its
// audited output sink while leaving a discard/error sink unsigned.
type SinkConfig struct {
	Plugin  string        `yaml:"plugin"`
	Options yaml.Node     `yaml:"options"`
	Signing SigningConfig `yaml:"signing,omitempty"`
}

// SigningConfig enables HMAC-SHA256 export signing for one sink.
// Enabling signing without a key is always a fatal configuration error
// (spec.md §6.4) — rejected by Load, never deferred to run time.
type SigningConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key,omitempty"`
}

type TransformConfig struct {
	Name          string    `yaml:"name"`
	Plugin        string    `yaml:"plugin"`
	Options       yaml.Node `yaml:"options"`
	IsBatchAware  bool      `yaml:"is_batch_aware"`
	CreatesTokens bool      `yaml:"creates_tokens"`
}

type AggregationConfig struct {
	Name              string  `yaml:"name"`
	Plugin            string  `yaml:"plugin"`
	Options           yaml.Node `yaml:"options"`
	CountThreshold    int     `yaml:"count_threshold"`
	BoundaryField     string  `yaml:"boundary_field"`
	FlushOnEndOfSource bool   `yaml:"flush_on_end_of_source"`
}

type GateConfig struct {
	Name      string            `yaml:"name"`
	Condition string            `yaml:"condition"`
	Routes    map[string]string `yaml:"routes"` // label -> "continue" | sink name | "fork"
	ForkTo    []string          `yaml:"fork_to,omitempty"`
}

type CoalesceConfig struct {
	Name            string  `yaml:"name"`
	Branches        []string `yaml:"branches"`
	Policy          string  `yaml:"policy"` // require_all | quorum | best_effort | first
	QuorumThreshold int     `yaml:"quorum_threshold,omitempty"`
	TimeoutSeconds  float64 `yaml:"timeout_seconds,omitempty"`
	MergeStrategy   string  `yaml:"merge_strategy"` // union | select_branch | custom
	SelectBranch    string  `yaml:"select_branch,omitempty"`
}

type OrchestratorConfig struct {
	Concurrency int             `yaml:"concurrency"`
	Retry       RetryConfig     `yaml:"retry"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Checkpoint  CheckpointConfig `yaml:"checkpoint"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	SecureMode  string          `yaml:"secure_mode"` // "" | "STRICT"
}

type RetryConfig struct {
	MaxAttempts           int     `yaml:"max_attempts"`
	BackoffSeconds        float64 `yaml:"backoff_seconds"`
	MaxCapacityRetrySeconds float64 `yaml:"max_capacity_retry_seconds"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type CheckpointConfig struct {
	Enabled           bool   `yaml:"enabled"`
	EveryNRows        int    `yaml:"every_n_rows"`
	Directory         string `yaml:"directory"`
	PurgeGlob         string `yaml:"purge_glob,omitempty"`
}

type TelemetryConfig struct {
	Enabled                     bool     `yaml:"enabled"`
	Granularity                 string   `yaml:"granularity"` // LIFECYCLE | DETAILED | DEBUG
	BackpressureMode            string   `yaml:"backpressure_mode"` // BLOCK | DROP_NEWEST | DROP_OLDEST | SLOW
	MaxConsecutiveFailures      int      `yaml:"max_consecutive_failures"`
	FailOnTotalExporterFailure  bool     `yaml:"fail_on_total_exporter_failure"`
	Exporters                   []string `yaml:"exporters,omitempty"`
}

// schemaContract is compiled once from the embedded JSON schema below.
var schemaContract *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("pipeline-config.json", pipelineConfigSchemaReader()); err != nil {
		panic(fmt.Sprintf("config: invalid embedded schema: %v", err))
	}
	schema, err := compiler.Compile("pipeline-config.json")
	if err != nil {
		panic(fmt.Sprintf("config: schema compile failed: %v", err))
	}
	schemaContract = schema
}

// LoadFile reads, parses, and validates a pipeline config from disk.
func LoadFile(path string) (*Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, elspetherr.NewConfigError("config_read", "reading %s: %v", path, err)
	}
	return Load(raw)
}

// Load parses and validates a pipeline config from raw YAML bytes.
func Load(raw []byte) (*Pipeline, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, elspetherr.NewConfigError("yaml_parse", "%v", err)
	}
	if err := validateAgainstSchema(generic); err != nil {
		return nil, err
	}

	var p Pipeline
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, elspetherr.NewConfigError("yaml_decode", "%v", err)
	}
	for name, sink := range p.Sinks {
		if sink.Signing.Enabled && sink.Signing.Key == "" {
			return nil, elspetherr.NewConfigError("sink_signing_key_missing", "sink %q enables signing but has no key", name)
		}
	}
	return &p, nil
}

func validateAgainstSchema(doc any) error {
	normalized := normalizeForSchema(doc)
	if err := schemaContract.Validate(normalized); err != nil {
		return elspetherr.NewConfigError("schema_contract", "%v", err)
	}
	return nil
}

// normalizeForSchema converts yaml.v3's generic decode (map[string]any with
// possible map[any]any nesting is not produced by yaml.v3, but nested
// sequences/mappings must still be walked to plain JSON-compatible types
// for the jsonschema validator).
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	default:
		return v
	}
}
