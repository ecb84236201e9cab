// Package chunk implements the Chunker component (C3): deterministic
// splitting of a byte stream into content-addressed chunks, in both
// fixed-size and content-defined modes.
package chunk

import (
	"io"

	"github.com/rodepush/bundlecore/cksum"
	"github.com/rodepush/bundlecore/cmn"
)

// Mode selects the splitting strategy.
type Mode int

const (
	// Fixed splits every FixedDefaultSize (1 MiB) bytes; default for asset payloads.
	Fixed Mode = iota
	// ContentDefined uses a rolling-hash boundary test so small edits do
	// not cascade into unrelated chunks; default for JavaScript bundles.
	ContentDefined
)

const (
	MinSize  = 64 << 10  // 64 KiB
	MeanSize = 1 << 20   // 1 MiB
	MaxSize  = 4 << 20   // 4 MiB

	// FixedDefaultSize is the default chunk size for Fixed mode.
	FixedDefaultSize = 1 << 20
)

// Chunk is one content-addressed slice of a logical byte stream.
type Chunk struct {
	ID     cksum.Digest // hash of the chunk bytes
	Offset int64        // offset in the logical stream
	Length int64
	Bytes  []byte
}

// Split reads r to EOF and returns its chunk sequence. The function is
// pure: identical input bytes produce an identical chunk sequence across
// processes and runs (spec.md §4.3, P5).
func Split(r io.Reader, mode Mode, hashType cksum.Type) ([]Chunk, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindIntegrity, err, "chunk: read stream")
	}
	var bounds []int
	switch mode {
	case Fixed:
		bounds = fixedBounds(len(data), FixedDefaultSize)
	case ContentDefined:
		bounds = cdcBounds(data)
	default:
		return nil, cmn.New(cmn.KindValidation, "chunk: unknown mode %d", mode)
	}

	chunks := make([]Chunk, 0, len(bounds))
	offset := 0
	for _, end := range bounds {
		raw := data[offset:end]
		digest, err := cksum.Hash(hashType, raw)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, Chunk{
			ID:     digest,
			Offset: int64(offset),
			Length: int64(len(raw)),
			Bytes:  raw,
		})
		offset = end
	}
	return chunks, nil
}

func fixedBounds(total, size int) []int {
	if total == 0 {
		return nil
	}
	var bounds []int
	for off := size; off < total; off += size {
		bounds = append(bounds, off)
	}
	bounds = append(bounds, total)
	return bounds
}

// Reassemble concatenates chunk bytes back into one logical stream, in
// order. Order matters for reassembly; chunk identity does not depend on
// it (spec.md §3).
func Reassemble(chunks []Chunk) []byte {
	var total int
	for _, c := range chunks {
		total += len(c.Bytes)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c.Bytes...)
	}
	return out
}
