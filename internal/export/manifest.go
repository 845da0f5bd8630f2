// Package export implements the signed export manifest (spec.md §6.4,
// the "Canonical exporter manifest" invariant in §8.1): when a sink
// carries a signing key, every row it writes gets an HMAC-SHA256
// signature over its canonical bytes, and the run's final write through
// that sink is a manifest record carrying record_count and final_hash,
// the SHA-256 of the concatenated per-row signatures in emitted order.
//
// This generalizes the teacher's decorator-over-a-plugin-interface idiom
// (telemetry.Dispatcher wrapping exporters) to wrap a plugin.Sink instead
// of replacing it, so any sink gains signing without knowing it.
package export

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/elspeth-run/elspeth/internal/canon"
	"github.com/elspeth-run/elspeth/internal/elspetherr"
	"github.com/elspeth-run/elspeth/internal/plugin"
)

// SignatureField is the key the signed row carries its HMAC-SHA256
// signature under, added alongside the row's own fields.
const SignatureField = "_signature"

// SigningSink wraps a plugin.Sink so every row written through it is
// signed and a closing manifest record is appended on Close.
type SigningSink struct {
	inner plugin.Sink
	key   []byte

	mu         sync.Mutex
	signatures []string
	closed     bool
}

// NewSigningSink wraps inner with HMAC-SHA256 signing under key. Signing
// without a key is always a fatal configuration error (spec.md §6.4) —
// callers must not construct a SigningSink for a sink that declares
// signing enabled but supplies no key; they should surface that as a
// config load failure instead.
func NewSigningSink(inner plugin.Sink, key []byte) (*SigningSink, error) {
	if len(key) == 0 {
		return nil, elspetherr.NewConfigError("sink_signing_key_missing", "signing is enabled but no key was configured")
	}
	return &SigningSink{inner: inner, key: key}, nil
}

// Write signs each row's canonical bytes and appends the signature to the
// row under SignatureField before delegating to the wrapped sink, so the
// signature travels with the record exactly as the wrapped sink persists
// it (spec.md §6.4: "each record carries an HMAC-SHA256 signature over
// canonical bytes").
func (s *SigningSink) Write(ctx context.Context, rows []map[string]any) (plugin.ArtifactDescriptor, error) {
	signed := make([]map[string]any, len(rows))
	sigs := make([]string, len(rows))
	for i, row := range rows {
		b, err := canon.CanonicalBytes(row)
		if err != nil {
			return plugin.ArtifactDescriptor{}, err
		}
		sig := hmacHex(s.key, b)
		out := make(map[string]any, len(row)+1)
		for k, v := range row {
			out[k] = v
		}
		out[SignatureField] = sig
		signed[i] = out
		sigs[i] = sig
	}

	desc, err := s.inner.Write(ctx, signed)
	if err != nil {
		return desc, err
	}

	s.mu.Lock()
	s.signatures = append(s.signatures, sigs...)
	s.mu.Unlock()
	return desc, nil
}

// Manifest is the final record a SigningSink appends on Close: the
// record_count and final_hash invariant from spec.md §8.1.
type Manifest struct {
	RecordCount int    `json:"record_count"`
	FinalHash   string `json:"final_hash"`
}

// Close writes the manifest record through the wrapped sink — record per
// row already written, then the final manifest record, in order — and
// closes the wrapped sink. Close is idempotent: a second call is a no-op,
// since the wrapped sink's own Close() usually is not.
func (s *SigningSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sigs := s.signatures
	s.mu.Unlock()

	manifest := Manifest{
		RecordCount: len(sigs),
		FinalHash:   finalHash(sigs),
	}
	if _, err := s.inner.Write(context.Background(), []map[string]any{
		{"record_count": manifest.RecordCount, "final_hash": manifest.FinalHash},
	}); err != nil {
		return err
	}
	return s.inner.Close()
}

func (s *SigningSink) Flush() error {
	return s.inner.Flush()
}

func (s *SigningSink) OnErrorDestination() string {
	return s.inner.OnErrorDestination()
}

func hmacHex(key, msg []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// finalHash implements spec.md §6.4's final_hash = SHA-256 of the
// concatenated signatures, in emitted order.
func finalHash(signatures []string) string {
	h := sha256.New()
	for _, sig := range signatures {
		h.Write([]byte(sig))
	}
	return hex.EncodeToString(h.Sum(nil))
}
