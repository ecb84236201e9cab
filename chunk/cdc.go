package chunk

import (
	"github.com/OneOfOne/xxhash"
)

// gearTable maps each possible input byte to a pseudo-random 64-bit value
// used by the gear-hash rolling boundary test below. It is derived
// deterministically from xxhash of the byte index rather than seeded from
// a random source, so the chunker stays a pure function of its input bytes
// across processes and runs (spec.md §4.3, P5) — no table needs to be
// distributed or persisted separately from this source file.
var gearTable = func() [256]uint64 {
	var t [256]uint64
	for i := 0; i < 256; i++ {
		var buf [1]byte
		buf[0] = byte(i)
		h := xxhash.Checksum64(buf[:])
		t[i] = h ^ (h << 1) ^ uint64(i)*0x9e3779b97f4a7c15
	}
	return t
}()

// maskBits sizes the boundary test so the expected chunk length is
// MeanSize: a gear hash's low maskBits bits are uniform, so testing
// "masked bits are all zero" after consuming min bytes yields a geometric
// distribution with mean 2^maskBits.
const maskBits = 20 // 2^20 = 1 MiB, matching MeanSize

const boundaryMask = (uint64(1) << maskBits) - 1

// cdcBounds returns the end offsets (exclusive) of each content-defined
// chunk in data, guaranteeing every chunk is within [MinSize, MaxSize]
// except possibly the final one, which may be shorter.
func cdcBounds(data []byte) []int {
	if len(data) == 0 {
		return nil
	}
	var bounds []int
	start := 0
	var h uint64
	for i := 0; i < len(data); i++ {
		h = (h << 1) + gearTable[data[i]]
		length := i - start + 1
		if length < MinSize {
			continue
		}
		if length >= MaxSize {
			bounds = append(bounds, i+1)
			start = i + 1
			h = 0
			continue
		}
		if h&boundaryMask == 0 {
			bounds = append(bounds, i+1)
			start = i + 1
			h = 0
		}
	}
	if start < len(data) {
		bounds = append(bounds, len(data))
	}
	return bounds
}
