package export_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/elspeth-run/elspeth/internal/canon"
	"github.com/elspeth-run/elspeth/internal/export"
	"github.com/elspeth-run/elspeth/internal/plugin"
)

type captureSink struct {
	writes [][]map[string]any
	closed bool
}

func (c *captureSink) Write(_ context.Context, rows []map[string]any) (plugin.ArtifactDescriptor, error) {
	c.writes = append(c.writes, rows)
	return plugin.ArtifactDescriptor{PathOrURI: "capture://0", SizeBytes: int64(len(rows))}, nil
}
func (c *captureSink) Flush() error              { return nil }
func (c *captureSink) Close() error              { c.closed = true; return nil }
func (c *captureSink) OnErrorDestination() string { return "" }

func TestNewSigningSinkRejectsEmptyKey(t *testing.T) {
	if _, err := export.NewSigningSink(&captureSink{}, nil); err == nil {
		t.Fatal("expected error for empty key, got nil")
	}
	if _, err := export.NewSigningSink(&captureSink{}, []byte{}); err == nil {
		t.Fatal("expected error for empty key, got nil")
	}
}

func TestSigningSinkSignsEachRowAndAppendsManifest(t *testing.T) {
	inner := &captureSink{}
	key := []byte("test-key")
	sink, err := export.NewSigningSink(inner, key)
	if err != nil {
		t.Fatalf("new signing sink: %v", err)
	}

	rows := []map[string]any{
		{"id": int64(1), "name": "a"},
		{"id": int64(2), "name": "b"},
	}
	for _, row := range rows {
		if _, err := sink.Write(context.Background(), []map[string]any{row}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	var wantSigs []string
	for _, row := range rows {
		b, err := canon.CanonicalBytes(row)
		if err != nil {
			t.Fatalf("canonical bytes: %v", err)
		}
		mac := hmac.New(sha256.New, key)
		mac.Write(b)
		wantSigs = append(wantSigs, hex.EncodeToString(mac.Sum(nil)))
	}

	if len(inner.writes) != 2 {
		t.Fatalf("expected 2 row writes before close, got %d", len(inner.writes))
	}
	for i, write := range inner.writes {
		if len(write) != 1 {
			t.Fatalf("write %d: expected 1 row, got %d", i, len(write))
		}
		got, ok := write[0][export.SignatureField].(string)
		if !ok {
			t.Fatalf("write %d: missing %s field", i, export.SignatureField)
		}
		if got != wantSigs[i] {
			t.Fatalf("write %d: signature mismatch: got %s want %s", i, got, wantSigs[i])
		}
		if write[0]["id"] != rows[i]["id"] {
			t.Fatalf("write %d: original row fields lost", i)
		}
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(inner.writes) != 3 {
		t.Fatalf("expected manifest write after close, got %d total writes", len(inner.writes))
	}
	manifestRow := inner.writes[2][0]
	if manifestRow["record_count"] != 2 {
		t.Fatalf("record_count = %v, want 2", manifestRow["record_count"])
	}

	h := sha256.New()
	for _, sig := range wantSigs {
		h.Write([]byte(sig))
	}
	wantFinalHash := hex.EncodeToString(h.Sum(nil))
	if manifestRow["final_hash"] != wantFinalHash {
		t.Fatalf("final_hash = %v, want %s", manifestRow["final_hash"], wantFinalHash)
	}
	if !inner.closed {
		t.Fatal("expected wrapped sink to be closed")
	}
}

func TestSigningSinkCloseIsIdempotent(t *testing.T) {
	inner := &captureSink{}
	sink, err := export.NewSigningSink(inner, []byte("k"))
	if err != nil {
		t.Fatalf("new signing sink: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if len(inner.writes) != 1 {
		t.Fatalf("expected exactly one manifest write across two closes, got %d", len(inner.writes))
	}
}

type errSink struct{ captureSink }

func (e *errSink) Write(_ context.Context, rows []map[string]any) (plugin.ArtifactDescriptor, error) {
	return plugin.ArtifactDescriptor{}, errors.New("boom")
}

func TestSigningSinkPropagatesWriteError(t *testing.T) {
	sink, err := export.NewSigningSink(&errSink{}, []byte("k"))
	if err != nil {
		t.Fatalf("new signing sink: %v", err)
	}
	if _, err := sink.Write(context.Background(), []map[string]any{{"id": int64(1)}}); err == nil {
		t.Fatal("expected write error to propagate")
	}
}
