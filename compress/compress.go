// Package compress implements the Compressor component (C2): streaming
// (de)compression with an integrity-wrapping frame. Each operation is
// streaming with a bounded working set so multi-hundred-MiB bundles
// compress without buffering whole (spec.md §4.2).
package compress

import (
	"bytes"
	"crypto/sha256"
	"io"

	"github.com/rodepush/bundlecore/cksum"
	"github.com/rodepush/bundlecore/cmn"
)

// countingWriter tracks bytes written so Compress can report the exact
// compressed payload size without buffering it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Codec names a supported compression algorithm.
type Codec string

const (
	Zstd    Codec = "zstd"
	Deflate Codec = "deflate"
	Brotli  Codec = "brotli"
)

func (c Codec) Valid() bool {
	switch c {
	case Zstd, Deflate, Brotli:
		return true
	default:
		return false
	}
}

// bufSize bounds the working set of the copy loop between the plain and
// compressed sides of the pipe, per the ≤16MiB budget in spec.md §4.2.
const bufSize = 16 << 20

var frameMagic = [4]byte{'R', 'D', 'C', '1'}

// headerLen is magic(4) + codec(1) + level(1).
const headerLen = 6

// trailerLen is the fixed-width plaintext SHA-256 digest appended after the
// compressed payload.
const trailerLen = sha256.Size

// Meta describes the outcome of a Compress call.
type Meta struct {
	Codec           Codec
	Level           int
	PlaintextSize   int64
	CompressedSize  int64 // total framed size, header+payload+trailer
	PlaintextDigest cksum.Digest
}

// clampLevel maps the spec's single configured integer level (1-22, "per
// codec") onto each codec's native range.
func clampLevel(codec Codec, level int) int {
	switch codec {
	case Zstd:
		if level < 1 {
			return 1
		}
		if level > 22 {
			return 22
		}
		return level
	case Deflate:
		if level < 1 {
			return 1
		}
		if level > 9 {
			return 9
		}
		return level
	case Brotli:
		if level < 0 {
			return 0
		}
		if level > 11 {
			return 11
		}
		return level
	default:
		return level
	}
}

// Compress reads r to EOF, writes a framed, codec-compressed representation
// to w, and returns the frame's metadata. The frame embeds r's plaintext
// SHA-256 digest as a trailer so Decompress can detect corruption.
func Compress(w io.Writer, r io.Reader, codec Codec, level int) (Meta, error) {
	if !codec.Valid() {
		return Meta{}, cmn.New(cmn.KindValidation, "unknown compression codec %q", codec)
	}
	level = clampLevel(codec, level)

	header := make([]byte, headerLen)
	copy(header[:4], frameMagic[:])
	header[4] = codecByte(codec)
	header[5] = byte(level)
	if _, err := w.Write(header); err != nil {
		return Meta{}, cmn.Wrap(cmn.KindStorage, err, "compress: write header")
	}

	cnt := &countingWriter{w: w}
	cw, closeW, err := newCodecWriter(cnt, codec, level)
	if err != nil {
		return Meta{}, err
	}

	h := sha256.New()
	tee := io.TeeReader(r, h)
	n, err := io.CopyBuffer(cw, tee, make([]byte, bufSize))
	if err != nil {
		_ = closeW()
		return Meta{}, cmn.Wrap(cmn.KindStorage, err, "compress: stream payload")
	}
	if err := closeW(); err != nil {
		return Meta{}, cmn.Wrap(cmn.KindStorage, err, "compress: finalize payload")
	}

	digest := cksum.Digest{Type: cksum.SHA256, Bytes: h.Sum(nil)}
	if _, err := w.Write(digest.Bytes); err != nil {
		return Meta{}, cmn.Wrap(cmn.KindStorage, err, "compress: write trailer")
	}

	return Meta{
		Codec:           codec,
		Level:           level,
		PlaintextSize:   n,
		CompressedSize:  int64(headerLen) + cnt.n + int64(trailerLen),
		PlaintextDigest: digest,
	}, nil
}

// Decompress reads a framed stream of exactly totalSize bytes from r
// (callers typically learn totalSize from an object-store stat()),
// decompresses the payload into w, and verifies the trailing plaintext
// digest. A mismatch surfaces as a KindIntegrity error and decompression
// output up to that point must be discarded by the caller — it is never
// silently repaired.
func Decompress(w io.Writer, r io.Reader, totalSize int64) (Meta, error) {
	if totalSize < int64(headerLen+trailerLen) {
		return Meta{}, cmn.New(cmn.KindIntegrity, "decompress: frame too small (%d bytes)", totalSize)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Meta{}, cmn.Wrap(cmn.KindIntegrity, err, "decompress: read header")
	}
	if !bytes.Equal(header[:4], frameMagic[:]) {
		return Meta{}, cmn.New(cmn.KindIntegrity, "decompress: bad magic")
	}
	codec, err := codecFromByte(header[4])
	if err != nil {
		return Meta{}, err
	}
	level := int(header[5])

	payloadSize := totalSize - int64(headerLen) - int64(trailerLen)
	payloadR := io.LimitReader(r, payloadSize)

	cr, err := newCodecReader(payloadR, codec)
	if err != nil {
		return Meta{}, err
	}

	h := sha256.New()
	mw := io.MultiWriter(w, h)
	n, err := io.CopyBuffer(mw, cr, make([]byte, bufSize))
	if err != nil {
		return Meta{}, cmn.Wrap(cmn.KindIntegrity, err, "decompress: stream payload")
	}

	trailer := make([]byte, trailerLen)
	if _, err := io.ReadFull(r, trailer); err != nil {
		return Meta{}, cmn.Wrap(cmn.KindIntegrity, err, "decompress: read trailer")
	}
	got := cksum.Digest{Type: cksum.SHA256, Bytes: h.Sum(nil)}
	want := cksum.Digest{Type: cksum.SHA256, Bytes: trailer}
	if !cksum.Verify(got, want) {
		return Meta{}, cmn.New(cmn.KindIntegrity, "decompress: checksum mismatch")
	}

	return Meta{
		Codec:           codec,
		Level:           level,
		PlaintextSize:   n,
		CompressedSize:  totalSize,
		PlaintextDigest: got,
	}, nil
}

func codecByte(c Codec) byte {
	switch c {
	case Zstd:
		return 1
	case Deflate:
		return 2
	case Brotli:
		return 3
	default:
		return 0
	}
}

func codecFromByte(b byte) (Codec, error) {
	switch b {
	case 1:
		return Zstd, nil
	case 2:
		return Deflate, nil
	case 3:
		return Brotli, nil
	default:
		return "", cmn.New(cmn.KindIntegrity, "decompress: unknown codec byte %d", b)
	}
}
