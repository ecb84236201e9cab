package cksum

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rodepush/bundlecore/cmn"
)

func TestHashDeterministic(t *testing.T) {
	for _, typ := range []Type{SHA256, BLAKE3} {
		d1, err := Hash(typ, []byte("hello world"))
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		d2, err := Hash(typ, []byte("hello world"))
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		if !Verify(d1, d2) {
			t.Fatalf("%s: expected identical digests for identical input", typ)
		}
	}
}

func TestHashDiffersOnMutation(t *testing.T) {
	d1, _ := Hash(SHA256, []byte("a"))
	d2, _ := Hash(SHA256, []byte("b"))
	if Verify(d1, d2) {
		t.Fatal("expected distinct digests for distinct input")
	}
}

func TestHashStreamAndRoundTripHex(t *testing.T) {
	d, err := HashStream(SHA256, bytes.NewReader([]byte("stream me")))
	if err != nil {
		t.Fatalf("hash_stream: %v", err)
	}
	parsed, err := ParseHex(SHA256, d.String())
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	if !Verify(d, parsed) {
		t.Fatal("round-tripped digest should verify equal")
	}
	if d.String() != strings.ToLower(d.String()) {
		t.Fatal("text form must be lower-case hex")
	}
}

type badReader struct{}

func (badReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestHashStreamFailureIsIntegrity(t *testing.T) {
	_, err := HashStream(SHA256, badReader{})
	if err == nil {
		t.Fatal("expected error")
	}
	if cmn.KindOf(err) != cmn.KindIntegrity {
		t.Fatalf("expected KindIntegrity, got %v", cmn.KindOf(err))
	}
}

func TestUnknownHashType(t *testing.T) {
	_, err := Hash("md5", []byte("x"))
	if cmn.KindOf(err) != cmn.KindValidation {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}
