package canon

import (
	"math"
	"testing"
	"time"
)

func TestStableHashDeterministic(t *testing.T) {
	a := map[string]any{"b": 1, "a": "x", "c": []any{1, 2, 3}}
	b := map[string]any{"c": []any{1, 2, 3}, "a": "x", "b": 1}

	ha, err := StableHash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := StableHash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected key-order-independent hash, got %s vs %s", ha, hb)
	}
}

func TestStableHashIntegerFloatsRenderWithoutDotZero(t *testing.T) {
	bytes, err := CanonicalBytes(map[string]any{"amount": 200.0})
	if err != nil {
		t.Fatalf("canonical bytes: %v", err)
	}
	if string(bytes) != `{"amount":200}` {
		t.Fatalf("expected integral float without .0, got %s", bytes)
	}
}

func TestStableHashRejectsNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := CanonicalBytes(map[string]any{"x": v}); err == nil {
			t.Fatalf("expected rejection of non-finite float %v", v)
		} else if _, ok := err.(*ErrNonFinite); !ok {
			t.Fatalf("expected ErrNonFinite, got %T: %v", err, err)
		}
	}
}

func TestStableHashRejectsUnsupportedType(t *testing.T) {
	type weird struct{}
	if _, err := CanonicalBytes(weird{}); err == nil {
		t.Fatalf("expected rejection of unsupported type")
	}
}

func TestStableHashTimeRendersRFC3339WithOffset(t *testing.T) {
	ts := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	bytes, err := CanonicalBytes(map[string]any{"at": ts})
	if err != nil {
		t.Fatalf("canonical bytes: %v", err)
	}
	want := `{"at":"2026-07-29T12:00:00Z"}`
	if string(bytes) != want {
		t.Fatalf("got %s, want %s", bytes, want)
	}
}

func TestStableHashDecimalAsString(t *testing.T) {
	bytes, err := CanonicalBytes(map[string]any{"price": Decimal("19.99")})
	if err != nil {
		t.Fatalf("canonical bytes: %v", err)
	}
	if string(bytes) != `{"price":"19.99"}` {
		t.Fatalf("got %s", bytes)
	}
}

func TestStableHashStableAcrossRestarts(t *testing.T) {
	v := map[string]any{"id": "row-1", "nested": map[string]any{"x": 1, "y": []any{"a", "b"}}}
	h1, err := StableHash(v)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	// Simulate a fresh process by re-deriving from independently constructed
	// equal data; hashing must not depend on any process-local state.
	v2 := map[string]any{"nested": map[string]any{"y": []any{"a", "b"}, "x": 1}, "id": "row-1"}
	h2, err := StableHash(v2)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash mismatch: %s vs %s", h1, h2)
	}
}

func TestReprHashOfNaNIsHexSHA256Digest(t *testing.T) {
	v := math.NaN()
	rh := ReprHash(v)
	if len(rh) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(rh))
	}
}
