// Package payloadstore implements the append-only, purgeable blob store
// spec.md §3 names alongside the audit trail: row and operation payloads
// referenced by source_data_ref/output_data_ref can be purged to reclaim
// space while their content hashes survive in the audited tables as the
// permanent anchor (spec.md line: "Payload store is append-only; blobs
// are purgeable; hashes survive purge"). This is distinct from canon's
// audited stable_hash (SHA-256, pinned for cross-language reproducibility)
// — payload content-addressing only needs a fast, collision-resistant
// hash for local dedup, so it uses blake3 rather than canon's SHA-256.
//
// Grounded on the teacher's CXDBSink.uploadArtifact
// (internal/attractor/engine/cxdb_sink.go), which streams a file through
// blake3.New() to compute a content hash before handing it to CXDB's blob
// CAS; generalized here from "hash a file already on disk" to "encode a
// value, hash the encoding, and write both under one content-addressed
// path."
package payloadstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
)

// Store is a directory of content-addressed blobs, each named by the
// blake3 hash of its msgpack encoding.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("payloadstore: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Put encodes v as msgpack, writes it under its content hash, and returns
// a ref of the form "payload://<hash>" suitable for a *_data_ref column.
// Writing is idempotent: re-Put of identical content overwrites the same
// path with identical bytes.
func (s *Store) Put(v any) (ref string, contentHash string, err error) {
	encoded, err := msgpack.Marshal(v)
	if err != nil {
		return "", "", fmt.Errorf("payloadstore: encode: %w", err)
	}
	sum := blake3.Sum256(encoded)
	contentHash = fmt.Sprintf("%x", sum)
	path := s.blobPath(contentHash)
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return "", "", fmt.Errorf("payloadstore: write %s: %w", path, err)
	}
	return "payload://" + contentHash, contentHash, nil
}

// Get decodes the blob a ref points to into a generic map. It errors if
// the ref's blob has been purged — callers must treat that as "payload
// gone, hash still valid" per the package's purge semantics, not as
// corruption.
func (s *Store) Get(ref string) (map[string]any, error) {
	hash, err := refHash(ref)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("payloadstore: blob %s has been purged", hash)
		}
		return nil, fmt.Errorf("payloadstore: read %s: %w", hash, err)
	}
	var out map[string]any
	if err := msgpack.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("payloadstore: decode %s: %w", hash, err)
	}
	return out, nil
}

// Purge removes every blob whose filename matches glob (a doublestar
// pattern evaluated relative to the store's directory, e.g. "*" for
// everything or a hash prefix pattern for a targeted purge; file names end
// in ".mpk") and returns the content hashes it removed. Hashes already recorded in the audit
// trail remain valid references to data that no longer exists.
func (s *Store) Purge(glob string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("payloadstore: read dir %s: %w", s.dir, err)
	}
	var removed []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matched, err := doublestar.Match(glob, entry.Name())
		if err != nil {
			return removed, fmt.Errorf("payloadstore: bad purge glob %q: %w", glob, err)
		}
		if !matched {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("payloadstore: remove %s: %w", entry.Name(), err)
		}
		name := entry.Name()
		removed = append(removed, name[:len(name)-len(filepath.Ext(name))])
	}
	return removed, nil
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.dir, hash+".mpk")
}

func refHash(ref string) (string, error) {
	const prefix = "payload://"
	if len(ref) <= len(prefix) || ref[:len(prefix)] != prefix {
		return "", fmt.Errorf("payloadstore: malformed ref %q", ref)
	}
	return ref[len(prefix):], nil
}
