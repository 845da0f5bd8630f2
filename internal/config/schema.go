package config

import (
	"io"
	"strings"
)

// pipelineConfigSchema is the SchemaContract (spec.md §6.2) the core
// validates every pipeline config against before building a graph. It
// intentionally only constrains the shape the core itself reads —
// plugin-specific `options` blocks are opaque to this schema and validated
// by the plugin's own contract instead.
const pipelineConfigSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["datasource", "output_sink"],
  "properties": {
    "datasource": {
      "type": "object",
      "required": ["plugin"],
      "properties": {
        "plugin": {"type": "string", "minLength": 1}
      }
    },
    "row_plugins": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "plugin"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "plugin": {"type": "string", "minLength": 1}
        }
      }
    },
    "aggregations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "plugin"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "plugin": {"type": "string", "minLength": 1},
          "count_threshold": {"type": "integer", "minimum": 0}
        }
      }
    },
    "gates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "condition", "routes"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "condition": {"type": "string", "minLength": 1},
          "routes": {
            "type": "object",
            "minProperties": 1,
            "additionalProperties": {"type": "string"}
          },
          "fork_to": {
            "type": "array",
            "items": {"type": "string", "minLength": 1}
          }
        }
      }
    },
    "coalesce": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "branches", "policy", "merge_strategy"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "branches": {
            "type": "array",
            "minItems": 1,
            "items": {"type": "string", "minLength": 1}
          },
          "policy": {"enum": ["require_all", "quorum", "best_effort", "first"]},
          "quorum_threshold": {"type": "integer", "minimum": 1},
          "timeout_seconds": {"type": "number", "minimum": 0},
          "merge_strategy": {"enum": ["union", "select_branch", "custom"]},
          "select_branch": {"type": "string"}
        }
      }
    },
    "sinks": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["plugin"],
        "properties": {
          "plugin": {"type": "string", "minLength": 1},
          "signing": {
            "type": "object",
            "properties": {
              "enabled": {"type": "boolean"},
              "key": {"type": "string"}
            }
          }
        }
      }
    },
    "output_sink": {"type": "string", "minLength": 1},
    "orchestrator_config": {
      "type": "object",
      "properties": {
        "concurrency": {"type": "integer", "minimum": 1},
        "secure_mode": {"enum": ["", "STRICT"]},
        "retry": {
          "type": "object",
          "properties": {
            "max_attempts": {"type": "integer", "minimum": 0},
            "backoff_seconds": {"type": "number", "minimum": 0},
            "max_capacity_retry_seconds": {"type": "number", "minimum": 0}
          }
        },
        "rate_limit": {
          "type": "object",
          "properties": {
            "requests_per_second": {"type": "number", "minimum": 0},
            "burst": {"type": "integer", "minimum": 0}
          }
        },
        "checkpoint": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "every_n_rows": {"type": "integer", "minimum": 1},
            "directory": {"type": "string"}
          }
        },
        "telemetry": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "granularity": {"enum": ["LIFECYCLE", "DETAILED", "DEBUG"]},
            "backpressure_mode": {"enum": ["BLOCK", "DROP_NEWEST", "DROP_OLDEST", "SLOW"]},
            "max_consecutive_failures": {"type": "integer", "minimum": 0},
            "fail_on_total_exporter_failure": {"type": "boolean"}
          }
        }
      }
    }
  }
}`

func pipelineConfigSchemaReader() io.Reader {
	return strings.NewReader(pipelineConfigSchema)
}
