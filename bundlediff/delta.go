// Package bundlediff implements the Bundle Diff Engine (C5): a byte-level
// delta between two chunked bundles, its wire encoding, and its inverse
// (apply). The byte-level delta is a suffix-array-based algorithm
// producing an (copy, insert) instruction stream conceptually equivalent
// to bsdiff, as spec.md §4.5 permits ("any implementation is acceptable
// provided apply(source, diff) = target byte-for-byte"). No bsdiff or
// suffix-array delta library appears anywhere in the example corpus (see
// DESIGN.md), so this uses the standard library's index/suffixarray.
package bundlediff

import (
	"index/suffixarray"
)

// InstrOp distinguishes a literal insertion from a copy out of the source.
type InstrOp uint8

const (
	InstrCopy InstrOp = iota
	InstrInsert
)

// Instr is one step of a delta instruction stream.
type Instr struct {
	Op     InstrOp
	Offset int   // InstrCopy: offset into source
	Length int   // InstrCopy: run length; InstrInsert: len(Bytes)
	Bytes  []byte // InstrInsert only
}

// minMatch is the shortest run worth encoding as a copy; shorter matches
// are folded into the surrounding literal run since the copy instruction's
// own overhead would exceed the savings.
const minMatch = 8

// BuildDelta computes an instruction stream that reconstructs target from
// source via Apply.
func BuildDelta(source, target []byte) []Instr {
	if len(target) == 0 {
		return nil
	}
	var index *suffixarray.Index
	if len(source) > 0 {
		index = suffixarray.New(source)
	}

	var instrs []Instr
	i := 0
	for i < len(target) {
		length, offset := longestMatch(index, source, target, i)
		if length >= minMatch {
			instrs = append(instrs, Instr{Op: InstrCopy, Offset: offset, Length: length})
			i += length
			continue
		}
		start := i
		i++
		for i < len(target) {
			l, _ := longestMatch(index, source, target, i)
			if l >= minMatch {
				break
			}
			i++
		}
		instrs = append(instrs, Instr{Op: InstrInsert, Bytes: append([]byte(nil), target[start:i]...), Length: i - start})
	}
	return coalesce(instrs)
}

// longestMatch finds the longest prefix of target[pos:] that occurs
// anywhere in source, via exponential-then-binary search over candidate
// lengths, each probed with a suffix-array substring lookup.
func longestMatch(index *suffixarray.Index, source, target []byte, pos int) (length, offset int) {
	if index == nil {
		return 0, 0
	}
	maxLen := len(target) - pos
	if maxLen == 0 {
		return 0, 0
	}

	occursAtLen := func(l int) (bool, int) {
		needle := target[pos : pos+l]
		offs := index.Lookup(needle, 1)
		if len(offs) == 0 {
			return false, 0
		}
		return true, offs[0]
	}

	if ok, _ := occursAtLen(1); !ok {
		return 0, 0
	}

	lo, hi := 1, maxLen
	for lo < maxLen {
		next := lo * 2
		if next > maxLen {
			next = maxLen
		}
		if ok, _ := occursAtLen(next); ok {
			lo = next
			continue
		}
		hi = next - 1
		break
	}

	for lo < hi {
		mid := (lo + hi + 1) / 2
		if ok, _ := occursAtLen(mid); ok {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	_, off := occursAtLen(lo)
	return lo, off
}

// coalesce merges adjacent Insert instructions produced by the scan above
// into a single run, keeping the encoded stream compact.
func coalesce(instrs []Instr) []Instr {
	out := instrs[:0]
	for _, in := range instrs {
		if in.Op == InstrInsert && len(out) > 0 && out[len(out)-1].Op == InstrInsert {
			last := &out[len(out)-1]
			last.Bytes = append(last.Bytes, in.Bytes...)
			last.Length += in.Length
			continue
		}
		out = append(out, in)
	}
	return out
}

// applyInstrs reconstructs chunk bytes from source and an instruction
// stream. It is the chunk-local primitive used by the bundle-level Apply
// in engine.go, which additionally verifies source/target bundle hashes.
func applyInstrs(source []byte, instrs []Instr) []byte {
	var size int
	for _, in := range instrs {
		size += in.Length
	}
	out := make([]byte, 0, size)
	for _, in := range instrs {
		switch in.Op {
		case InstrCopy:
			out = append(out, source[in.Offset:in.Offset+in.Length]...)
		case InstrInsert:
			out = append(out, in.Bytes...)
		}
	}
	return out
}

// EncodedSize estimates the wire size of an instruction stream: 1 op byte
// plus either 8 bytes (offset+length) for a copy or 4+len(bytes) for an
// insert. Used to decide DELTA vs INLINE against the delta threshold.
func EncodedSize(instrs []Instr) int {
	n := 0
	for _, in := range instrs {
		switch in.Op {
		case InstrCopy:
			n += 1 + 8
		case InstrInsert:
			n += 1 + 4 + len(in.Bytes)
		}
	}
	return n
}
