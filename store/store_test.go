package store

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/rodepush/bundlecore/cksum"
	"github.com/rodepush/bundlecore/cmn"
)

func TestFSStorePutGetStatDelete(t *testing.T) {
	dir := t.TempDir()
	s := NewFSStore(dir)
	ctx := context.Background()
	key := BundleKey("app1", "bundle1")

	payload := []byte("hello bundle")
	ack, err := s.Put(ctx, key, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ack.Size != int64(len(payload)) {
		t.Fatalf("ack size = %d, want %d", ack.Size, len(payload))
	}

	r, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	st, err := s.Stat(ctx, key)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Size != int64(len(payload)) {
		t.Fatalf("stat size = %d, want %d", st.Size, len(payload))
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, key); cmn.KindOf(err) != cmn.KindNotFound {
		t.Fatalf("expected KindNotFound after delete, got %v", err)
	}
}

func TestFSStoreGetMissingIsNotFound(t *testing.T) {
	s := NewFSStore(t.TempDir())
	_, err := s.Get(context.Background(), "apps/x/bundles/missing")
	if cmn.KindOf(err) != cmn.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestFSStoreList(t *testing.T) {
	dir := t.TempDir()
	s := NewFSStore(dir)
	ctx := context.Background()

	keys := []string{
		ChunkKey(cksum.Digest{Type: cksum.SHA256, Bytes: bytes.Repeat([]byte{0x01}, 32)}),
		ChunkKey(cksum.Digest{Type: cksum.SHA256, Bytes: bytes.Repeat([]byte{0x02}, 32)}),
	}
	for _, k := range keys {
		if _, err := s.Put(ctx, k, bytes.NewReader([]byte("x"))); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	it, err := s.List(ctx, "chunks")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for {
		k, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, k)
	}
	if len(got) != len(keys) {
		t.Fatalf("got %d keys, want %d: %v", len(got), len(keys), got)
	}
}

// TestFSStoreSerializesConcurrentWrites exercises the requirement that
// concurrent writers to the same key never interleave into a corrupt blob:
// every successful Put leaves the store holding exactly one of the
// submitted payloads in full.
func TestFSStoreSerializesConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	s := NewFSStore(dir)
	ctx := context.Background()
	key := "apps/a/bundles/b"

	const n = 16
	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = bytes.Repeat([]byte{byte('A' + i)}, 4096)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			if _, err := s.Put(ctx, key, bytes.NewReader(p)); err != nil {
				t.Errorf("put: %v", err)
			}
		}(payloads[i])
	}
	wg.Wait()

	r, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 4096 {
		t.Fatalf("final blob length = %d, want 4096 (no interleaving)", len(got))
	}
	first := got[0]
	for _, b := range got {
		if b != first {
			t.Fatalf("final blob is not a single submitted payload: mixed bytes")
		}
	}
}

func TestDedupFilter(t *testing.T) {
	f := NewDedupFilter(1024)
	h1 := cksum.Digest{Type: cksum.SHA256, Bytes: bytes.Repeat([]byte{0xAA}, 32)}
	h2 := cksum.Digest{Type: cksum.SHA256, Bytes: bytes.Repeat([]byte{0xBB}, 32)}

	if f.Might(h1) {
		t.Fatal("unseeded filter must not report a hit")
	}
	f.Add(h1)
	if !f.Might(h1) {
		t.Fatal("filter must report a hit after Add")
	}
	if f.Might(h2) {
		t.Fatal("filter must not report a hit for an unrelated hash")
	}
	f.Remove(h1)
	if f.Might(h1) {
		t.Fatal("filter must not report a hit after Remove")
	}
}

func TestBundleKeyAndChunkKeyLayout(t *testing.T) {
	if got, want := BundleKey("app1", "b1"), "apps/app1/bundles/b1"; got != want {
		t.Fatalf("BundleKey = %q, want %q", got, want)
	}
	if got, want := DiffKey("app1", "s1", "t1"), "apps/app1/diffs/s1/t1"; got != want {
		t.Fatalf("DiffKey = %q, want %q", got, want)
	}
	d := cksum.Digest{Type: cksum.SHA256, Bytes: bytes.Repeat([]byte{0xFF}, 32)}
	key := ChunkKey(d)
	if key[:7] != "chunks/" {
		t.Fatalf("ChunkKey = %q, want chunks/ prefix", key)
	}
}
