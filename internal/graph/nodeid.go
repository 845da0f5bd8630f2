package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/elspeth-run/elspeth/internal/canon"
	"github.com/elspeth-run/elspeth/internal/identity"
)

// DeriveNodeID computes the one identity type the core never mints via
// ULID (spec.md §3.2): node_id is a pure function of (plugin_name,
// position, config_hash), so the same config always produces the same
// node identity across runs — the property checkpoint compatibility
// (spec.md §4.9.3) depends on.
func DeriveNodeID(pluginName string, position int, configHash string) identity.NodeId {
	sum := sha256.Sum256([]byte(pluginName + "\x00" + strconv.Itoa(position) + "\x00" + configHash))
	return identity.NodeId(hex.EncodeToString(sum[:]))
}

// ConfigHash canonically hashes a plugin's options payload. opts is
// typically a yaml.Node (raw plugin options) or a config struct (gate
// routes, coalesce settings); both are normalized to canon's supported
// primitive universe via a yaml marshal/unmarshal round trip before
// hashing, since canon.CanonicalBytes deliberately doesn't reflect over
// arbitrary struct types. Returns the empty-object hash when opts is nil,
// so two plugins with no options collapse to the same config_hash
// component rather than each hashing a different representation of
// "nothing".
func ConfigHash(opts any) (string, error) {
	generic, err := toCanonicalValue(opts)
	if err != nil {
		return "", err
	}
	return canon.StableHash(generic)
}

func toCanonicalValue(opts any) (any, error) {
	if opts == nil {
		return map[string]any{}, nil
	}
	if node, ok := opts.(yaml.Node); ok {
		if node.Kind == 0 {
			return map[string]any{}, nil
		}
		var generic any
		if err := node.Decode(&generic); err != nil {
			return nil, err
		}
		return canonicalizeYAMLValue(generic), nil
	}
	raw, err := yaml.Marshal(opts)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return canonicalizeYAMLValue(generic), nil
}

// canonicalizeYAMLValue walks a yaml.v3 generic decode result, recursing
// into maps/slices, so every nested value is one of canon's supported
// types by the time it reaches CanonicalBytes.
func canonicalizeYAMLValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = canonicalizeYAMLValue(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[toStringKey(k)] = canonicalizeYAMLValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = canonicalizeYAMLValue(val)
		}
		return out
	default:
		return t
	}
}

func toStringKey(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprint(k)
}
