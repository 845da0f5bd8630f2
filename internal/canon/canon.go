// Package canon implements RFC 8785-style canonical JSON serialization and
// stable SHA-256 digests of arbitrary audited values (spec.md §4.1, C1).
//
// canon is the single source of truth for "what bytes get hashed" across the
// core: config hashes, node config hashes, input/output hashes on node
// states, reason hashes on routing events, error hashes on outcomes, and the
// upstream_topology_hash on checkpoints all go through stable_hash so that
// two independent processes hashing the same logical value always agree.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Decimal marks a string as a decimal literal; it is serialized as a
// quoted JSON string holding its exact digits (spec.md §4.1 "decimals as
// strings").
// Callers that have an exact-precision numeric value that must not go
// through float64 construct a Decimal instead of a float.
type Decimal string

// CanonicalVersion is the string tag stored on every Run identifying the
// canonical serialization rules in force (spec.md GLOSSARY).
const CanonicalVersion = "sha256-rfc8785-v1"

// ErrNonFinite is returned by CanonicalBytes when a float value is NaN or
// +/-Infinity; the spec mandates these be rejected, never silently coerced.
type ErrNonFinite struct{ Value float64 }

func (e *ErrNonFinite) Error() string {
	return fmt.Sprintf("canon: non-finite float value %v is not canonically serializable", e.Value)
}

// ErrUnsupportedType is returned for any Go value outside the canonical
// type universe: bool, all integer kinds, finite float64, string, nil,
// []any, map[string]any, time.Time (must carry a zone), Decimal.
type ErrUnsupportedType struct{ Value any }

func (e *ErrUnsupportedType) Error() string {
	return fmt.Sprintf("canon: unsupported type %T for canonical serialization", e.Value)
}

// CanonicalBytes renders v using sorted map keys, no extraneous whitespace,
// integers without a trailing ".0", RFC 3339 UTC timestamps with an
// explicit offset, and Decimal values as bare (but quoted) strings.
func CanonicalBytes(v any) ([]byte, error) {
	var b strings.Builder
	if err := encode(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// StableHash returns the lowercase-hex SHA-256 digest of CanonicalBytes(v).
func StableHash(v any) (string, error) {
	b, err := CanonicalBytes(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MustStableHash panics on error; only safe for values already known to be
// canonically serializable (e.g. graph topology structures built by this
// package's own callers, not raw external row data).
func MustStableHash(v any) string {
	h, err := StableHash(v)
	if err != nil {
		panic(err)
	}
	return h
}

// ReprHash is the explicit, quarantined-path-only fallback for Tier-3
// external rows containing non-canonical floats (spec.md §4.1). It hashes
// Go's %v representation instead of rejecting, and the result must never be
// compared against a StableHash value — callers are expected to tag it
// distinctly (e.g. a separate `repr_hash` column) so the two hash spaces
// are never confused.
func ReprHash(v any) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%v", v)))
	return hex.EncodeToString(sum[:])
}

func encode(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
		return nil
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
		return nil
	case string:
		encodeJSONString(b, t)
		return nil
	case Decimal:
		encodeJSONString(b, string(t))
		return nil
	case int:
		b.WriteString(strconv.FormatInt(int64(t), 10))
		return nil
	case int8:
		b.WriteString(strconv.FormatInt(int64(t), 10))
		return nil
	case int16:
		b.WriteString(strconv.FormatInt(int64(t), 10))
		return nil
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
		return nil
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
		return nil
	case uint:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
		return nil
	case uint64:
		b.WriteString(strconv.FormatUint(t, 10))
		return nil
	case float32:
		return encodeFloat(b, float64(t))
	case float64:
		return encodeFloat(b, t)
	case time.Time:
		return encodeTime(b, t)
	case []any:
		return encodeArray(b, t)
	case map[string]any:
		return encodeObject(b, t)
	default:
		return &ErrUnsupportedType{Value: v}
	}
}

func encodeFloat(b *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &ErrNonFinite{Value: f}
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		// Integral-valued floats render without ".0" (spec.md §4.1).
		b.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func encodeTime(b *strings.Builder, t time.Time) error {
	if t.Location() == nil {
		return &ErrUnsupportedType{Value: t}
	}
	encodeJSONString(b, t.UTC().Format(time.RFC3339Nano))
	return nil
}

func encodeArray(b *strings.Builder, arr []any) error {
	b.WriteByte('[')
	for i, el := range arr {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := encode(b, el); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}

func encodeObject(b *strings.Builder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeJSONString(b, k)
		b.WriteByte(':')
		if err := encode(b, m[k]); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

// encodeJSONString writes a minimal-escaped JSON string literal. Canonical
// JSON requires UTF-8 NFC input; callers that ingest arbitrary external
// text are responsible for NFC-normalizing before it reaches canon (the
// source/transform plugin boundary, not this package, per spec.md tiering).
func encodeJSONString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
