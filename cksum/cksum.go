// Package cksum implements the Hasher component (C1): content hashing over
// two digest families plus constant-time comparison, matching aistore's
// cos.Cksum naming convention for checksum values.
package cksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/rodepush/bundlecore/cmn"
	"lukechampine.com/blake3"
)

// Type names the digest family. SHA-256 is the default for storage keys and
// wire-visible checksums; BLAKE3 is optional and used where bulk
// content-addressed chunking favors its throughput.
type Type string

const (
	SHA256 Type = "sha256"
	BLAKE3 Type = "blake3"
)

// Digest is a fixed-width byte string; its text form is lower-case hex.
type Digest struct {
	Type  Type
	Bytes []byte
}

func (d Digest) String() string { return hex.EncodeToString(d.Bytes) }

func (d Digest) IsZero() bool { return len(d.Bytes) == 0 }

func newHash(t Type) (hash.Hash, error) {
	switch t {
	case SHA256, "":
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(32, nil), nil
	default:
		return nil, cmn.New(cmn.KindValidation, "unknown hash type %q", t)
	}
}

// Hash digests a byte slice in memory.
func Hash(t Type, data []byte) (Digest, error) {
	h, err := newHash(t)
	if err != nil {
		return Digest{}, err
	}
	h.Write(data)
	return Digest{Type: t, Bytes: h.Sum(nil)}, nil
}

// HashStream digests r to EOF. A read failure surfaces as a hash failure
// (KindIntegrity) that aborts the enclosing upload, per spec.md §4.1.
func HashStream(t Type, r io.Reader) (Digest, error) {
	h, err := newHash(t)
	if err != nil {
		return Digest{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, cmn.Wrap(cmn.KindIntegrity, err, "hash_stream: reader failed")
	}
	return Digest{Type: t, Bytes: h.Sum(nil)}, nil
}

// Verify compares two digests in constant time to avoid timing-based
// forgery of signed checksums. Digests of different lengths or families
// never match.
func Verify(a, b Digest) bool {
	if a.Type != b.Type || len(a.Bytes) != len(b.Bytes) {
		return false
	}
	return subtle.ConstantTimeCompare(a.Bytes, b.Bytes) == 1
}

// ParseHex reconstructs a Digest of the given type from its hex text form.
func ParseHex(t Type, text string) (Digest, error) {
	b, err := hex.DecodeString(text)
	if err != nil {
		return Digest{}, fmt.Errorf("parse digest: %w", err)
	}
	return Digest{Type: t, Bytes: b}, nil
}
