package config_test

import (
	"strings"
	"testing"

	"github.com/elspeth-run/elspeth/internal/config"
)

const minimalPipeline = `
datasource:
  plugin: memory_source
sinks:
  output:
    plugin: stdout_sink
output_sink: output
`

func TestLoadAcceptsMinimalPipeline(t *testing.T) {
	p, err := config.Load([]byte(minimalPipeline))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.OutputSink != "output" {
		t.Fatalf("output_sink = %q, want %q", p.OutputSink, "output")
	}
}

func TestLoadRejectsSigningEnabledWithoutKey(t *testing.T) {
	raw := strings.Replace(minimalPipeline, "    plugin: stdout_sink\n", "    plugin: stdout_sink\n    signing:\n      enabled: true\n", 1)
	if _, err := config.Load([]byte(raw)); err == nil {
		t.Fatal("expected error for signing enabled without key")
	}
}

func TestLoadAcceptsSigningEnabledWithKey(t *testing.T) {
	raw := strings.Replace(minimalPipeline, "    plugin: stdout_sink\n", "    plugin: stdout_sink\n    signing:\n      enabled: true\n      key: demo-key\n", 1)
	p, err := config.Load([]byte(raw))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sink := p.Sinks["output"]
	if !sink.Signing.Enabled || sink.Signing.Key != "demo-key" {
		t.Fatalf("signing config not decoded: %+v", sink.Signing)
	}
}
