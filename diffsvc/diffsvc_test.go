package diffsvc

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rodepush/bundlecore/catalog"
	"github.com/rodepush/bundlecore/cksum"
	"github.com/rodepush/bundlecore/cmn"
	"github.com/rodepush/bundlecore/compress"
	"github.com/rodepush/bundlecore/config"
	"github.com/rodepush/bundlecore/store"
)

var testComp = config.CompressionConfig{Codec: "zstd", Level: 3}

type fixture struct {
	cat *catalog.Catalog
	fs  *store.FSStore
	app string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	fs := store.NewFSStore(t.TempDir())
	return &fixture{cat: cat, fs: fs, app: "app1"}
}

// putBundle stores data the same way the upload handler does: compressed
// on disk (bundles.go), so tests exercise the same decompress-before-diff
// path diffsvc.build relies on in production.
func (f *fixture) putBundle(t *testing.T, major int, data []byte, platform cmn.Platform) catalog.Bundle {
	t.Helper()
	ctx := context.Background()
	id := cmn.NewBundleId()
	key := store.BundleKey(f.app, id.String())
	var framed bytes.Buffer
	if _, err := compress.Compress(&framed, bytes.NewReader(data), compress.Codec(testComp.Codec), testComp.Level); err != nil {
		t.Fatalf("compress bundle: %v", err)
	}
	if _, err := f.fs.Put(ctx, key, bytes.NewReader(framed.Bytes())); err != nil {
		t.Fatalf("put bundle blob: %v", err)
	}
	hash, err := cksum.Hash(cksum.SHA256, data)
	if err != nil {
		t.Fatalf("hash bundle: %v", err)
	}
	b := catalog.Bundle{
		ID:            id,
		ApplicationID: f.app,
		Version:       cmn.SemanticVersion{Major: major},
		Platform:      platform,
		TotalSize:     int64(len(data)),
		ChecksumType:  string(cksum.SHA256),
		ChecksumHex:   hash.String(),
		StorageKey:    key,
	}
	if err := f.cat.CreateBundle(b); err != nil {
		t.Fatalf("create bundle: %v", err)
	}
	return b
}

func randomBytes(t *testing.T, seed int64, n int) []byte {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

// TestGetDiffBuildsAndPersists builds diff(V1,V2) for scenario 1's inputs
// and checks that the diff is materialized through the object store and
// catalog, not just in memory: a catalog row exists and the stored blob
// equals the returned bytes. It does not apply the diff.
func TestGetDiffBuildsAndPersists(t *testing.T) {
	f := newFixture(t)
	v1 := randomBytes(t, 1, 4<<20)
	v2 := append([]byte(nil), v1...)
	mid := len(v2) / 2
	for i := mid; i < mid+64<<10; i++ {
		v2[i] = 0
	}
	src := f.putBundle(t, 1, v1, cmn.PlatformBoth)
	tgt := f.putBundle(t, 2, v2, cmn.PlatformBoth)

	svc := New(f.cat, f.fs, DefaultThreshold, testComp, nil)
	res, err := svc.GetDiff(context.Background(), f.app, src.ID, tgt.ID)
	if err != nil {
		t.Fatalf("get diff: %v", err)
	}
	if len(res.Bytes) == 0 {
		t.Fatal("expected non-empty diff bytes")
	}
	row, ok, err := f.cat.GetDiffPackage(src.ID, tgt.ID)
	if err != nil || !ok {
		t.Fatalf("expected catalog row: ok=%v err=%v", ok, err)
	}
	if row.StorageKey != res.Row.StorageKey {
		t.Fatalf("storage key mismatch")
	}
	blobReader, err := f.fs.Get(context.Background(), row.StorageKey)
	if err != nil {
		t.Fatalf("get blob: %v", err)
	}
	defer blobReader.Close()
	blobBytes, err := io.ReadAll(blobReader)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if !bytes.Equal(blobBytes, res.Bytes) {
		t.Fatal("persisted blob does not match returned bytes")
	}
}

// TestGetDiffCacheHitDoesNotDuplicateRow implements the cache-first half of spec.md §4.8: a
// second call for the same pair must not create a second catalog row.
func TestGetDiffCacheHitDoesNotDuplicateRow(t *testing.T) {
	f := newFixture(t)
	v1 := randomBytes(t, 2, 256<<10)
	v2 := randomBytes(t, 3, 256<<10)
	src := f.putBundle(t, 1, v1, cmn.PlatformIOS)
	tgt := f.putBundle(t, 2, v2, cmn.PlatformIOS)

	svc := New(f.cat, f.fs, DefaultThreshold, testComp, nil)
	ctx := context.Background()
	first, err := svc.GetDiff(ctx, f.app, src.ID, tgt.ID)
	if err != nil {
		t.Fatalf("first get diff: %v", err)
	}
	second, err := svc.GetDiff(ctx, f.app, src.ID, tgt.ID)
	if err != nil {
		t.Fatalf("second get diff: %v", err)
	}
	if !bytes.Equal(first.Bytes, second.Bytes) {
		t.Fatal("cache hit returned different bytes")
	}
	if first.Row.ID != second.Row.ID {
		t.Fatal("cache hit produced a distinct row")
	}
}

// TestGetDiffSingleFlight implements scenario 3: ten concurrent callers
// against an empty cache collapse into exactly one build, and every
// caller observes byte-identical results.
func TestGetDiffSingleFlight(t *testing.T) {
	f := newFixture(t)
	v1 := randomBytes(t, 4, 1<<20)
	v2 := randomBytes(t, 5, 1<<20)
	src := f.putBundle(t, 1, v1, cmn.PlatformAndroid)
	tgt := f.putBundle(t, 2, v2, cmn.PlatformAndroid)

	svc := New(f.cat, f.fs, DefaultThreshold, testComp, nil)
	ctx := context.Background()

	const n = 10
	results := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res, err := svc.GetDiff(ctx, f.app, src.ID, tgt.ID)
			if err != nil {
				t.Errorf("get diff %d: %v", idx, err)
				return
			}
			results[idx] = res.Bytes
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if !bytes.Equal(results[0], results[i]) {
			t.Fatalf("result %d differs from result 0", i)
		}
	}

	rows, err := f.cat.ListDiffPackagesLRU()
	if err != nil {
		t.Fatalf("list diffs: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one diff package row, got %d", len(rows))
	}
}

func TestInvalidateBundleRemovesDiffRowAndBlob(t *testing.T) {
	f := newFixture(t)
	v1 := randomBytes(t, 6, 128<<10)
	v2 := randomBytes(t, 7, 128<<10)
	src := f.putBundle(t, 1, v1, cmn.PlatformBoth)
	tgt := f.putBundle(t, 2, v2, cmn.PlatformBoth)

	svc := New(f.cat, f.fs, DefaultThreshold, testComp, nil)
	ctx := context.Background()
	res, err := svc.GetDiff(ctx, f.app, src.ID, tgt.ID)
	if err != nil {
		t.Fatalf("get diff: %v", err)
	}

	if err := svc.InvalidateBundle(ctx, src.ID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, err := f.cat.GetDiffPackage(src.ID, tgt.ID); err != nil || ok {
		t.Fatalf("expected diff row gone: ok=%v err=%v", ok, err)
	}
	if _, err := f.fs.Get(ctx, res.Row.StorageKey); cmn.KindOf(err) != cmn.KindNotFound {
		t.Fatalf("expected blob gone, got %v", err)
	}
}

func TestSweeperEvictsLeastRecentlyServedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	mk := func(id string, size int64, servedAt time.Time) {
		key := "diffs/" + id
		if _, err := f.fs.Put(ctx, key, bytes.NewReader(make([]byte, size))); err != nil {
			t.Fatalf("put: %v", err)
		}
		row := catalog.DiffPackage{
			ID:             id,
			ApplicationID:  f.app,
			SourceBundleID: cmn.NewBundleId(),
			TargetBundleID: cmn.NewBundleId(),
			StorageKey:     key,
			EncodedSize:    size,
			ServedAt:       servedAt,
		}
		if err := f.cat.CreateDiffPackage(row); err != nil {
			t.Fatalf("create diff: %v", err)
		}
	}
	mk("old", 100, now.Add(-time.Hour))
	mk("mid", 100, now.Add(-30*time.Minute))
	mk("new", 100, now)

	sweeper := NewSweeper(f.cat, f.fs, 150, nil)
	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	rows, err := f.cat.ListDiffPackagesLRU()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "new" {
		t.Fatalf("expected only 'new' to survive, got %v", rows)
	}
}
