// Package store implements the Object Store component (C6): an abstract
// key→blob interface with atomic writes, content-addressed chunk keys,
// and pluggable backends selected by configuration (filesystem, s3, gcs,
// azure).
package store

import (
	"context"
	"fmt"
	"io"

	"github.com/rodepush/bundlecore/cksum"
)

// Stat describes a stored blob without fetching its bytes.
type Stat struct {
	Size int64
	Hash cksum.Digest
}

// Ack confirms a completed Put.
type Ack struct {
	Key  string
	Size int64
}

// Iterator walks keys under a prefix, in the backend's natural order.
type Iterator interface {
	Next() (key string, ok bool)
	Err() error
}

// Store is the capability interface preserved from the teacher's
// trait-based Storage abstraction (spec.md §9 "Dynamic dispatch"):
// selection happens once at startup by configuration, not per call.
type Store interface {
	// Put writes r's bytes under key atomically: readers observe either
	// the prior value or the complete new value, never a truncated blob.
	Put(ctx context.Context, key string, r io.Reader) (Ack, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (Stat, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (Iterator, error)
}

// BundleKey is the canonical storage key for a bundle's reassembled blob
// (spec.md §6.3).
func BundleKey(appID, bundleID string) string {
	return fmt.Sprintf("apps/%s/bundles/%s", appID, bundleID)
}

// DiffKey is the canonical storage key for a diff package.
func DiffKey(appID, sourceID, targetID string) string {
	return fmt.Sprintf("apps/%s/diffs/%s/%s", appID, sourceID, targetID)
}

// ChunkKey is a pure function of the chunk's content hash, never of the
// bundle that introduced it (spec.md invariant I4).
func ChunkKey(hash cksum.Digest) string {
	hex := hash.String()
	prefix := hex
	if len(hex) >= 2 {
		prefix = hex[:2]
	}
	return fmt.Sprintf("chunks/%s/%s", prefix, hex)
}
