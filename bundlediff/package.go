package bundlediff

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/rodepush/bundlecore/cksum"
	"github.com/rodepush/bundlecore/cmn"
)

// ManifestOp is one of the three per-target-chunk operations of the wire
// format (spec.md §6.2).
type ManifestOp uint8

const (
	OpRef    ManifestOp = 0x01 // payload = chunk hash
	OpDelta  ManifestOp = 0x02 // payload = EncodeDeltaPayload(...)
	OpInline ManifestOp = 0x03 // payload = verbatim target chunk bytes
)

// Magic is the inner frame's fixed 16-byte identifier.
const Magic = "RODEPUSH-DIFF-01"

// Version is the current wire format version.
const Version uint16 = 1

// ManifestEntry is one record of the chunk manifest: one per target chunk,
// in target-chunk order.
type ManifestEntry struct {
	Op      ManifestOp
	Payload []byte
}

// Header carries the fields needed to verify applicability before
// touching any chunk data (spec.md §4.5 "Apply algorithm").
type Header struct {
	Version    uint16
	SourceHash cksum.Digest
	TargetHash cksum.Digest
	Platform   cmn.Platform
}

// Package is the fully decoded inner frame: header plus manifest. The
// inner frame is itself wrapped by the compress package's outer frame
// before being persisted or served (spec.md §4.5 "Diff package layout").
type Package struct {
	Header   Header
	Manifest []ManifestEntry
}

func platformByte(p cmn.Platform) byte {
	switch p {
	case cmn.PlatformIOS:
		return 1
	case cmn.PlatformAndroid:
		return 2
	case cmn.PlatformBoth:
		return 3
	default:
		return 0
	}
}

func platformFromByte(b byte) (cmn.Platform, error) {
	switch b {
	case 1:
		return cmn.PlatformIOS, nil
	case 2:
		return cmn.PlatformAndroid, nil
	case 3:
		return cmn.PlatformBoth, nil
	default:
		return "", cmn.New(cmn.KindIntegrity, "diff package: unknown platform byte %d", b)
	}
}

// Encode writes pkg's inner frame to w: magic, version, source/target
// hashes, platform, chunk count, manifest records, trailing CRC32 of
// everything written before the CRC field itself.
func Encode(w io.Writer, pkg Package) error {
	var buf bytes.Buffer
	buf.WriteString(Magic)

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], pkg.Header.Version)
	buf.Write(u16[:])

	if len(pkg.Header.SourceHash.Bytes) != 32 || len(pkg.Header.TargetHash.Bytes) != 32 {
		return cmn.New(cmn.KindValidation, "diff package: source/target hash must be 32 bytes")
	}
	buf.Write(pkg.Header.SourceHash.Bytes)
	buf.Write(pkg.Header.TargetHash.Bytes)
	buf.WriteByte(platformByte(pkg.Header.Platform))

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(pkg.Manifest)))
	buf.Write(u32[:])

	for _, e := range pkg.Manifest {
		buf.WriteByte(byte(e.Op))
		binary.BigEndian.PutUint32(u32[:], uint32(len(e.Payload)))
		buf.Write(u32[:])
		buf.Write(e.Payload)
	}

	sum := crc32.ChecksumIEEE(buf.Bytes())
	if _, err := w.Write(buf.Bytes()); err != nil {
		return cmn.Wrap(cmn.KindStorage, err, "diff package: write body")
	}
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], sum)
	if _, err := w.Write(crcBuf[:]); err != nil {
		return cmn.Wrap(cmn.KindStorage, err, "diff package: write crc")
	}
	return nil
}

// Decode reads and validates an inner frame from r: the trailing CRC32,
// the magic and the manifest framing. It does not compare the header's
// source hash with any base bundle; Apply performs that check.
func Decode(r io.Reader) (Package, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return Package{}, cmn.Wrap(cmn.KindIntegrity, err, "diff package: read")
	}
	if len(body) < 4 {
		return Package{}, cmn.New(cmn.KindIntegrity, "diff package: truncated")
	}
	payload, crcField := body[:len(body)-4], body[len(body)-4:]
	want := binary.BigEndian.Uint32(crcField)
	got := crc32.ChecksumIEEE(payload)
	if got != want {
		return Package{}, cmn.New(cmn.KindIntegrity, "diff package: crc mismatch")
	}

	if len(payload) < len(Magic)+2+32+32+1+4 {
		return Package{}, cmn.New(cmn.KindIntegrity, "diff package: truncated header")
	}
	off := 0
	if string(payload[off:off+len(Magic)]) != Magic {
		return Package{}, cmn.New(cmn.KindIntegrity, "diff package: bad magic")
	}
	off += len(Magic)

	version := binary.BigEndian.Uint16(payload[off : off+2])
	off += 2

	srcHash := cksum.Digest{Type: cksum.SHA256, Bytes: append([]byte(nil), payload[off:off+32]...)}
	off += 32
	tgtHash := cksum.Digest{Type: cksum.SHA256, Bytes: append([]byte(nil), payload[off:off+32]...)}
	off += 32

	platform, err := platformFromByte(payload[off])
	if err != nil {
		return Package{}, err
	}
	off++

	count := binary.BigEndian.Uint32(payload[off : off+4])
	off += 4

	manifest := make([]ManifestEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+5 > len(payload) {
			return Package{}, cmn.New(cmn.KindIntegrity, "diff package: truncated manifest entry %d", i)
		}
		op := ManifestOp(payload[off])
		off++
		plen := binary.BigEndian.Uint32(payload[off : off+4])
		off += 4
		if off+int(plen) > len(payload) {
			return Package{}, cmn.New(cmn.KindIntegrity, "diff package: truncated payload at entry %d", i)
		}
		manifest = append(manifest, ManifestEntry{Op: op, Payload: append([]byte(nil), payload[off:off+int(plen)]...)})
		off += int(plen)
	}

	return Package{
		Header: Header{
			Version:    version,
			SourceHash: srcHash,
			TargetHash: tgtHash,
			Platform:   platform,
		},
		Manifest: manifest,
	}, nil
}
