// Package diffsvc implements the Diff Service (C8): the orchestration
// layer that turns a (source, target) bundle pair into a cached diff
// package, computing it at most once per pair across concurrent callers.
package diffsvc

import (
	"bytes"
	"context"
	"io"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rodepush/bundlecore/bundlediff"
	"github.com/rodepush/bundlecore/catalog"
	"github.com/rodepush/bundlecore/chunk"
	"github.com/rodepush/bundlecore/cksum"
	"github.com/rodepush/bundlecore/cmn"
	"github.com/rodepush/bundlecore/compress"
	"github.com/rodepush/bundlecore/config"
	"github.com/rodepush/bundlecore/store"
)

// DefaultThreshold mirrors bundlediff's default delta-vs-inline cutoff,
// re-exported so callers constructing a Service don't need a second import.
const DefaultThreshold = bundlediff.DefaultDeltaThreshold

// Clock abstracts time.Now so tests can control ServedAt/CreatedAt
// timestamps deterministically; production wiring uses realClock.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Metrics is the subset of observability hooks the diff service drives
// directly. It is a small local interface (rather than an import of
// httpapi.Metrics) so diffsvc never depends on the HTTP layer; httpapi's
// *Metrics satisfies it structurally.
type Metrics interface {
	RecordDiffBuild()
	RecordDiffCacheHit()
}

// Service is C8: single-flight de-duplication of concurrent builds,
// cache-first lookup against the catalog, and construction through C5/C6
// on a miss.
type Service struct {
	cat       catalog.Repository
	objects   store.Store
	threshold float64
	clock     Clock
	compCodec compress.Codec
	compLevel int
	metrics   Metrics

	group singleflight.Group
}

// New wires a Service. comp selects the codec/level the outer package
// frame is compressed with (spec.md §4.5: "the whole package is framed
// inside the compressor"); metrics may be nil.
func New(cat catalog.Repository, objects store.Store, threshold float64, comp config.CompressionConfig, metrics Metrics) *Service {
	return &Service{
		cat:       cat,
		objects:   objects,
		threshold: threshold,
		clock:     realClock{},
		compCodec: compress.Codec(comp.Codec),
		compLevel: comp.Level,
		metrics:   metrics,
	}
}

func (s *Service) recordCacheHit() {
	if s.metrics != nil {
		s.metrics.RecordDiffCacheHit()
	}
}

func (s *Service) recordBuild() {
	if s.metrics != nil {
		s.metrics.RecordDiffBuild()
	}
}

// Result is what GetDiff returns: the catalog row plus the encoded wire
// bytes of the package, ready to stream to a client.
type Result struct {
	Row   catalog.DiffPackage
	Bytes []byte
}

// GetDiff implements get_diff(src, tgt) -> DiffPackageRef (spec.md §4.8).
// It is cache-first: a catalog hit whose blob still stat()s is returned
// without re-running C5. A miss acquires a per-pair single-flight lease so
// that concurrent callers for the same pair share one build.
func (s *Service) GetDiff(ctx context.Context, appID string, sourceID, targetID cmn.BundleId) (Result, error) {
	if row, ok, err := s.cachedHit(ctx, sourceID, targetID); err != nil {
		return Result{}, err
	} else if ok {
		s.recordCacheHit()
		return row, nil
	}

	key := sourceID.String() + "/" + targetID.String()
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		// Re-check inside the lease: another goroutine may have finished
		// the build while this one waited to acquire it.
		if row, ok, err := s.cachedHit(ctx, sourceID, targetID); err != nil {
			return Result{}, err
		} else if ok {
			s.recordCacheHit()
			return row, nil
		}
		return s.build(ctx, appID, sourceID, targetID)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// cachedHit returns a cache hit only when the catalog row exists AND its
// blob still stats successfully in the object store; a dangling row
// (blob evicted or never written) is treated as a miss, not an error.
func (s *Service) cachedHit(ctx context.Context, sourceID, targetID cmn.BundleId) (Result, bool, error) {
	row, ok, err := s.cat.GetDiffPackage(sourceID, targetID)
	if err != nil {
		return Result{}, false, err
	}
	if !ok {
		return Result{}, false, nil
	}
	st, err := s.objects.Stat(ctx, row.StorageKey)
	if err != nil {
		if cmn.KindOf(err) == cmn.KindNotFound {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}
	r, err := s.objects.Get(ctx, row.StorageKey)
	if err != nil {
		return Result{}, false, err
	}
	defer r.Close()
	data := make([]byte, st.Size)
	if _, err := io.ReadFull(r, data); err != nil {
		return Result{}, false, cmn.Wrap(cmn.KindStorage, err, "diffsvc: read cached diff package")
	}
	if err := s.cat.TouchDiffPackageServedAt(row.ID, s.clock.Now()); err != nil {
		return Result{}, false, err
	}
	row.ServedAt = s.clock.Now()
	return Result{Row: row, Bytes: data}, true, nil
}

// build loads both bundles from C6, re-chunks them, invokes C5, encodes
// and persists the package to C6, then records the catalog row — the
// full "load, diff, write, insert" sequence of spec.md §4.8.
func (s *Service) build(ctx context.Context, appID string, sourceID, targetID cmn.BundleId) (Result, error) {
	srcBundle, err := s.cat.GetBundle(sourceID)
	if err != nil {
		return Result{}, err
	}
	tgtBundle, err := s.cat.GetBundle(targetID)
	if err != nil {
		return Result{}, err
	}

	srcBytes, srcHash, err := s.loadBundleBytes(ctx, srcBundle)
	if err != nil {
		return Result{}, err
	}
	tgtBytes, tgtHash, err := s.loadBundleBytes(ctx, tgtBundle)
	if err != nil {
		return Result{}, err
	}

	srcChunks, err := chunk.Split(bytes.NewReader(srcBytes), chunk.ContentDefined, cksum.SHA256)
	if err != nil {
		return Result{}, err
	}
	tgtChunks, err := chunk.Split(bytes.NewReader(tgtBytes), chunk.ContentDefined, cksum.SHA256)
	if err != nil {
		return Result{}, err
	}

	platform := srcBundle.Platform
	if platform == "" {
		platform = tgtBundle.Platform
	}
	pkg := bundlediff.Diff(srcChunks, tgtChunks, srcHash, tgtHash, platform, s.threshold)

	var buf bytes.Buffer
	if err := bundlediff.Encode(&buf, pkg); err != nil {
		return Result{}, err
	}
	encoded := buf.Bytes()

	// The whole package is framed inside the compressor (spec.md §4.5,
	// §6.2's "outer frame: compressor-wrapped"), not just stored as the
	// raw manifest bytes.
	var framed bytes.Buffer
	if _, err := compress.Compress(&framed, bytes.NewReader(encoded), s.compCodec, s.compLevel); err != nil {
		return Result{}, err
	}
	packageBytes := framed.Bytes()

	key := store.DiffKey(appID, sourceID.String(), targetID.String())
	ack, err := s.objects.Put(ctx, key, bytes.NewReader(packageBytes))
	if err != nil {
		return Result{}, err
	}

	// I5: compression_ratio = compressed_size / uncompressed_size of the
	// package itself (the framed bytes over the raw manifest bytes), not
	// a ratio against the bundle it was derived from.
	ratio := 1.0
	if len(encoded) > 0 {
		ratio = float64(ack.Size) / float64(len(encoded))
		if ratio > 1 {
			ratio = 1
		}
	}

	now := s.clock.Now()
	row := catalog.DiffPackage{
		ID:               sourceID.String() + "_" + targetID.String(),
		ApplicationID:    appID,
		SourceBundleID:   sourceID,
		TargetBundleID:   targetID,
		StorageKey:       key,
		EncodedSize:      ack.Size,
		CompressionRatio: ratio,
		CreatedAt:        now,
		ServedAt:         now,
	}
	if err := s.cat.CreateDiffPackage(row); err != nil {
		return Result{}, err
	}
	s.recordBuild()
	return Result{Row: row, Bytes: packageBytes}, nil
}

// loadBundleBytes fetches and reconstitutes a bundle's original byte
// stream. The stored blob is the compressed frame C9's upload handler
// writes (bundles.go), so it must be decompressed here before diffing or
// hashing — otherwise the diff engine would operate on compressed bytes
// and the package header's source/target hashes would never match
// Bundle.ChecksumHex or what /download serves.
func (s *Service) loadBundleBytes(ctx context.Context, b catalog.Bundle) ([]byte, cksum.Digest, error) {
	st, err := s.objects.Stat(ctx, b.StorageKey)
	if err != nil {
		return nil, cksum.Digest{}, err
	}
	r, err := s.objects.Get(ctx, b.StorageKey)
	if err != nil {
		return nil, cksum.Digest{}, err
	}
	defer r.Close()
	var plain bytes.Buffer
	if _, err := compress.Decompress(&plain, r, st.Size); err != nil {
		return nil, cksum.Digest{}, err
	}
	data := plain.Bytes()
	hash, err := cksum.Hash(cksum.SHA256, data)
	if err != nil {
		return nil, cksum.Digest{}, err
	}
	return data, hash, nil
}

// InvalidateBundle removes every diff package referencing bundleID,
// catalog-first then blob, per spec.md §4.8's "an orphan blob is
// tolerable; an orphan row is not".
func (s *Service) InvalidateBundle(ctx context.Context, bundleID cmn.BundleId) error {
	removed, err := s.cat.DeleteDiffPackagesReferencingBundle(bundleID)
	if err != nil {
		return err
	}
	for _, row := range removed {
		_ = s.objects.Delete(ctx, row.StorageKey)
	}
	return nil
}
