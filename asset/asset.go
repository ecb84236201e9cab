// Package asset implements the Asset Collection & Asset Diff component
// (C4): a tree of file-like resources accompanying a bundle, and the
// structural diff between two such trees.
package asset

import (
	"sort"
	"time"

	"github.com/rodepush/bundlecore/cksum"
)

// Asset is one logical file in a collection, keyed by its path.
type Asset struct {
	Path     string
	Size     int64
	MIMEHint string
	Hash     cksum.Digest
	ModTime  time.Time
}

// Collection is a set of Assets keyed by logical path. Its ID is the hash
// over the sorted (path, content-hash) pairs, so structural equality
// implies identifier equality (spec.md §3).
type Collection struct {
	Assets map[string]Asset
	ID     cksum.Digest
}

// NewCollection builds a Collection from a slice of assets and computes its
// rolled-up identifier.
func NewCollection(assets []Asset, hashType cksum.Type) (Collection, error) {
	m := make(map[string]Asset, len(assets))
	for _, a := range assets {
		m[a.Path] = a
	}
	id, err := rollupID(m, hashType)
	if err != nil {
		return Collection{}, err
	}
	return Collection{Assets: m, ID: id}, nil
}

// rollupID hashes the sorted (path, content-hash-hex) pairs so that two
// collections with identical contents produce identical identifiers
// regardless of insertion order.
func rollupID(assets map[string]Asset, hashType cksum.Type) (cksum.Digest, error) {
	paths := make([]string, 0, len(assets))
	for p := range assets {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf []byte
	for _, p := range paths {
		buf = append(buf, []byte(p)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(assets[p].Hash.String())...)
		buf = append(buf, 0)
	}
	return cksum.Hash(hashType, buf)
}

func (c Collection) SortedPaths() []string {
	paths := make([]string, 0, len(c.Assets))
	for p := range c.Assets {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
