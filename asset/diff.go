package asset

import (
	"sort"

	"github.com/rodepush/bundlecore/cksum"
)

// OpKind is one of the four structural edit operations of spec.md §3.
type OpKind int

const (
	OpAdd OpKind = iota
	OpRemove
	OpRename
	OpModify
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	case OpModify:
		return "modify"
	default:
		return "unknown"
	}
}

// Op is one entry of an edit script. Fields are interpreted per Kind:
//   Add:    Path, NewHash, BytesRef
//   Remove: Path
//   Rename: OldPath, Path (new path)
//   Modify: Path, OldHash, NewHash, Patch
type Op struct {
	Kind     OpKind
	Path     string
	OldPath  string
	OldHash  cksum.Digest
	NewHash  cksum.Digest
	BytesRef string // content-addressed blob reference for Add
	Patch    Patch  // byte-level patch for Modify, filled in lazily
}

// Patch carries either an inline small payload or a reference to a
// content-addressed blob holding a larger one, per spec.md §4.4's
// "side-table of inline small payloads ... and references ... for large
// ones".
type Patch struct {
	Inline []byte
	Ref    string
}

// Diff computes the structural edit script taking 'from' to 'to'. It runs
// in O(n log n): two index builds plus one sort for the rename pass.
func Diff(from, to Collection) []Op {
	var ops []Op

	for path, a := range from.Assets {
		if b, ok := to.Assets[path]; ok {
			if !cksum.Verify(a.Hash, b.Hash) {
				ops = append(ops, Op{Kind: OpModify, Path: path, OldHash: a.Hash, NewHash: b.Hash})
			}
			continue
		}
		ops = append(ops, Op{Kind: OpRemove, Path: path, OldHash: a.Hash})
	}
	for path, b := range to.Assets {
		if _, ok := from.Assets[path]; !ok {
			ops = append(ops, Op{Kind: OpAdd, Path: path, NewHash: b.Hash})
		}
	}

	return preferRenames(ops)
}

// preferRenames rewrites (Remove, Add) pairs that share a content hash into
// a single Rename, per spec.md §3/§4.4 and property P6. When multiple
// Removes and Adds share a hash, candidates are paired by lexicographic
// path order on both sides so the outcome is deterministic for testing.
func preferRenames(ops []Op) []Op {
	removesByHash := map[string][]int{}
	addsByHash := map[string][]int{}
	for i, op := range ops {
		switch op.Kind {
		case OpRemove:
			removesByHash[op.OldHash.String()] = append(removesByHash[op.OldHash.String()], i)
		case OpAdd:
			addsByHash[op.NewHash.String()] = append(addsByHash[op.NewHash.String()], i)
		}
	}

	consumed := map[int]bool{}
	var renames []Op
	for hash, removeIdxs := range removesByHash {
		addIdxs, ok := addsByHash[hash]
		if !ok {
			continue
		}
		sortByPath(ops, removeIdxs)
		sortByPath(ops, addIdxs)
		n := len(removeIdxs)
		if len(addIdxs) < n {
			n = len(addIdxs)
		}
		for i := 0; i < n; i++ {
			ri, ai := removeIdxs[i], addIdxs[i]
			renames = append(renames, Op{
				Kind:    OpRename,
				OldPath: ops[ri].Path,
				Path:    ops[ai].Path,
				OldHash: ops[ri].OldHash,
				NewHash: ops[ai].NewHash,
			})
			consumed[ri] = true
			consumed[ai] = true
		}
	}

	out := make([]Op, 0, len(ops))
	for i, op := range ops {
		if !consumed[i] {
			out = append(out, op)
		}
	}
	out = append(out, renames...)
	return out
}

func sortByPath(ops []Op, idxs []int) {
	sort.Slice(idxs, func(i, j int) bool { return ops[idxs[i]].Path < ops[idxs[j]].Path })
}

// PatchFunc computes the byte-level patch between two file contents,
// returning either an inline payload (small) or a blob reference (large).
// Callers supply the concrete implementation so this package stays free
// of a dependency on bundlediff; no package in this module calls
// WithPatches or provides a PatchFunc.
type PatchFunc func(oldBytes, newBytes []byte) (Patch, error)

// WithPatches fills in the Patch field of every Modify op in place, using
// fn to compute each byte-level delta. Callers that only need the
// structural script (e.g. for a dry-run diff summary) can skip this.
func WithPatches(ops []Op, oldBytes, newBytes map[string][]byte, fn PatchFunc) error {
	for i := range ops {
		if ops[i].Kind != OpModify {
			continue
		}
		p, err := fn(oldBytes[ops[i].Path], newBytes[ops[i].Path])
		if err != nil {
			return err
		}
		ops[i].Patch = p
	}
	return nil
}
