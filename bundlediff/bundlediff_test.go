package bundlediff

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/rodepush/bundlecore/chunk"
	"github.com/rodepush/bundlecore/cksum"
	"github.com/rodepush/bundlecore/cmn"
)

func splitAndHash(t *testing.T, data []byte) ([]chunk.Chunk, cksum.Digest) {
	t.Helper()
	chunks, err := chunk.Split(bytes.NewReader(data), chunk.ContentDefined, cksum.SHA256)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	h, err := cksum.Hash(cksum.SHA256, data)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return chunks, h
}

// TestRoundTripDiffApply implements property P2: apply(B1, diff(B1,B2)) = B2.
func TestRoundTripDiffApply(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	v1 := make([]byte, 4<<20)
	r.Read(v1)
	v2 := append([]byte(nil), v1...)
	// Overwrite the middle 64 KiB with zeros, as in spec.md §8 scenario 1.
	mid := len(v2) / 2
	for i := mid; i < mid+64<<10; i++ {
		v2[i] = 0
	}

	srcChunks, srcHash := splitAndHash(t, v1)
	tgtChunks, tgtHash := splitAndHash(t, v2)

	pkg := Diff(srcChunks, tgtChunks, srcHash, tgtHash, cmn.PlatformBoth, DefaultDeltaThreshold)
	got, err := Apply(srcChunks, srcHash, pkg)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !bytes.Equal(got, v2) {
		t.Fatal("applied bytes do not match target")
	}
}

// TestIdenticalBundlesAllRef implements property P4: diff(B,B) reduces to
// an all-REF manifest.
func TestIdenticalBundlesAllRef(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	data := make([]byte, 2<<20)
	r.Read(data)

	chunks, h := splitAndHash(t, data)
	pkg := Diff(chunks, chunks, h, h, cmn.PlatformIOS, DefaultDeltaThreshold)
	for i, e := range pkg.Manifest {
		if e.Op != OpRef {
			t.Fatalf("entry %d: expected OpRef for identical bundles, got %v", i, e.Op)
		}
	}
}

func TestEncodeDecodePackageRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	v1 := make([]byte, 512<<10)
	r.Read(v1)
	v2 := make([]byte, 512<<10)
	r.Read(v2)

	srcChunks, srcHash := splitAndHash(t, v1)
	tgtChunks, tgtHash := splitAndHash(t, v2)
	pkg := Diff(srcChunks, tgtChunks, srcHash, tgtHash, cmn.PlatformAndroid, DefaultDeltaThreshold)

	var buf bytes.Buffer
	if err := Encode(&buf, pkg); err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !cksum.Verify(decoded.Header.SourceHash, srcHash) || !cksum.Verify(decoded.Header.TargetHash, tgtHash) {
		t.Fatal("decoded header hashes do not match")
	}
	if len(decoded.Manifest) != len(pkg.Manifest) {
		t.Fatalf("manifest length mismatch: got %d want %d", len(decoded.Manifest), len(pkg.Manifest))
	}

	got, err := Apply(srcChunks, srcHash, decoded)
	if err != nil {
		t.Fatalf("apply decoded package: %v", err)
	}
	if !bytes.Equal(got, v2) {
		t.Fatal("apply of decoded package did not reproduce target")
	}
}

func TestDecodeRejectsCorruptCRC(t *testing.T) {
	pkg := Package{
		Header: Header{
			Version:    Version,
			SourceHash: cksum.Digest{Type: cksum.SHA256, Bytes: bytes.Repeat([]byte{1}, 32)},
			TargetHash: cksum.Digest{Type: cksum.SHA256, Bytes: bytes.Repeat([]byte{2}, 32)},
			Platform:   cmn.PlatformBoth,
		},
	}
	var buf bytes.Buffer
	if err := Encode(&buf, pkg); err != nil {
		t.Fatalf("encode: %v", err)
	}
	corrupt := buf.Bytes()
	corrupt[10] ^= 0xFF

	_, err := Decode(bytes.NewReader(corrupt))
	if err == nil {
		t.Fatal("expected crc mismatch error")
	}
	if !cmn.IsIntegrity(err) {
		t.Fatalf("expected KindIntegrity, got %v", cmn.KindOf(err))
	}
}

func TestApplyRejectsWrongBase(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	v1 := make([]byte, 128<<10)
	r.Read(v1)
	v2 := make([]byte, 128<<10)
	r.Read(v2)
	wrongBase := make([]byte, 128<<10)
	r.Read(wrongBase)

	srcChunks, srcHash := splitAndHash(t, v1)
	tgtChunks, tgtHash := splitAndHash(t, v2)
	pkg := Diff(srcChunks, tgtChunks, srcHash, tgtHash, cmn.PlatformBoth, DefaultDeltaThreshold)

	wrongChunks, wrongHash := splitAndHash(t, wrongBase)
	_, err := Apply(wrongChunks, wrongHash, pkg)
	if err == nil {
		t.Fatal("expected base hash mismatch error")
	}
	if !cmn.IsIntegrity(err) {
		t.Fatalf("expected KindIntegrity, got %v", cmn.KindOf(err))
	}
}

func TestBuildDeltaRoundTrip(t *testing.T) {
	source := bytes.Repeat([]byte("abcdefgh"), 1000)
	target := append(append([]byte(nil), source[:4000]...), []byte("NEW-INSERTED-DATA")...)
	target = append(target, source[4000:]...)

	instrs := BuildDelta(source, target)
	got := applyInstrs(source, instrs)
	if !bytes.Equal(got, target) {
		t.Fatal("delta apply did not reproduce target")
	}
	if EncodedSize(instrs) >= len(target) {
		t.Fatalf("delta should be smaller than verbatim target: encoded=%d target=%d", EncodedSize(instrs), len(target))
	}
}
