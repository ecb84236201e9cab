package bundlediff

import (
	"bytes"

	"github.com/OneOfOne/xxhash"

	"github.com/rodepush/bundlecore/chunk"
	"github.com/rodepush/bundlecore/cksum"
	"github.com/rodepush/bundlecore/cmn"
)

// DefaultDeltaThreshold is the default fraction of a target chunk's size
// below which a DELTA entry is preferred over INLINE (spec.md §4.5).
const DefaultDeltaThreshold = 0.7

// Diff computes the chunk manifest taking a source bundle (its chunks and
// reassembled-stream checksum) to a target bundle. Shared chunks are
// listed by reference only; non-shared target chunks are either a delta
// against the best-matching source chunk or, when no delta is "useful"
// (encoded size > threshold * target chunk size), verbatim.
func Diff(sourceChunks, targetChunks []chunk.Chunk, sourceHash, targetHash cksum.Digest, platform cmn.Platform, threshold float64) Package {
	bySourceID := make(map[string]chunk.Chunk, len(sourceChunks))
	for _, c := range sourceChunks {
		bySourceID[c.ID.String()] = c
	}

	manifest := make([]ManifestEntry, 0, len(targetChunks))
	for _, t := range targetChunks {
		if shared, ok := bySourceID[t.ID.String()]; ok {
			manifest = append(manifest, ManifestEntry{Op: OpRef, Payload: append([]byte(nil), shared.ID.Bytes...)})
			continue
		}

		candidate, ok := bestMatch(t, sourceChunks)
		if ok {
			instrs := BuildDelta(candidate.Bytes, t.Bytes)
			if float64(EncodedSize(instrs)) <= threshold*float64(len(t.Bytes)) {
				manifest = append(manifest, ManifestEntry{
					Op:      OpDelta,
					Payload: EncodeDeltaPayload(candidate.ID, instrs),
				})
				continue
			}
		}
		manifest = append(manifest, ManifestEntry{Op: OpInline, Payload: append([]byte(nil), t.Bytes...)})
	}

	return Package{
		Header: Header{
			Version:    Version,
			SourceHash: sourceHash,
			TargetHash: targetHash,
			Platform:   platform,
		},
		Manifest: manifest,
	}
}

// shingleLen is the window size for the cheap content-similarity sketch
// used to pick a delta candidate without running a full diff against
// every source chunk.
const shingleLen = 8

func shingleSet(b []byte) map[uint64]struct{} {
	set := make(map[uint64]struct{})
	if len(b) < shingleLen {
		if len(b) > 0 {
			set[xxhash.Checksum64(b)] = struct{}{}
		}
		return set
	}
	for i := 0; i+shingleLen <= len(b); i++ {
		set[xxhash.Checksum64(b[i:i+shingleLen])] = struct{}{}
	}
	return set
}

// bestMatch picks the source chunk most similar to target by shingle
// overlap, breaking ties on the lexicographically smallest chunk ID so
// selection is deterministic.
func bestMatch(target chunk.Chunk, sourceChunks []chunk.Chunk) (chunk.Chunk, bool) {
	if len(sourceChunks) == 0 {
		return chunk.Chunk{}, false
	}
	targetSet := shingleSet(target.Bytes)
	var best chunk.Chunk
	bestScore := -1
	for _, c := range sourceChunks {
		score := 0
		for h := range shingleSet(c.Bytes) {
			if _, ok := targetSet[h]; ok {
				score++
			}
		}
		if score > bestScore || (score == bestScore && c.ID.String() < best.ID.String()) {
			best, bestScore = c, score
		}
	}
	return best, true
}

// Apply reconstructs the target bundle's bytes from the source bundle's
// chunks and a diff Package, verifying both the header's source hash
// against the supplied base and the reassembled target's hash before
// returning anything — apply is atomic: either a complete, verified
// target is produced, or an error, never partial bytes (spec.md §4.5).
func Apply(sourceChunks []chunk.Chunk, sourceBundleHash cksum.Digest, pkg Package) ([]byte, error) {
	if !cksum.Verify(pkg.Header.SourceHash, sourceBundleHash) {
		return nil, cmn.New(cmn.KindIntegrity, "bundlediff apply: base bundle hash mismatch")
	}

	byID := make(map[string]chunk.Chunk, len(sourceChunks))
	for _, c := range sourceChunks {
		byID[c.ID.String()] = c
	}

	var out bytes.Buffer
	for i, entry := range pkg.Manifest {
		switch entry.Op {
		case OpRef:
			digest := cksum.Digest{Type: cksum.SHA256, Bytes: entry.Payload}
			c, ok := byID[digest.String()]
			if !ok {
				return nil, cmn.New(cmn.KindIntegrity, "bundlediff apply: entry %d references unknown chunk %s", i, digest)
			}
			out.Write(c.Bytes)
		case OpDelta:
			digest, instrs, err := DecodeDeltaPayload(entry.Payload)
			if err != nil {
				return nil, cmn.Wrap(cmn.KindIntegrity, err, "bundlediff apply: entry %d", i)
			}
			c, ok := byID[digest.String()]
			if !ok {
				return nil, cmn.New(cmn.KindIntegrity, "bundlediff apply: entry %d references unknown base chunk %s", i, digest)
			}
			out.Write(applyInstrs(c.Bytes, instrs))
		case OpInline:
			out.Write(entry.Payload)
		default:
			return nil, cmn.New(cmn.KindIntegrity, "bundlediff apply: entry %d unknown op %d", i, entry.Op)
		}
	}

	targetBytes := out.Bytes()
	gotHash, err := cksum.Hash(cksum.SHA256, targetBytes)
	if err != nil {
		return nil, err
	}
	if !cksum.Verify(gotHash, pkg.Header.TargetHash) {
		return nil, cmn.New(cmn.KindIntegrity, "bundlediff apply: reassembled target hash mismatch")
	}
	return targetBytes, nil
}
