package bundlediff

import (
	"encoding/binary"
	"fmt"

	"github.com/rodepush/bundlecore/cksum"
)

// EncodeDeltaPayload serializes a DELTA manifest entry's payload: the
// referenced source chunk's digest followed by the instruction stream.
// Applying a DELTA entry means "diff against referencedChunk", so the
// reference travels with the instructions.
func EncodeDeltaPayload(referencedChunk cksum.Digest, instrs []Instr) []byte {
	buf := make([]byte, 0, 64+len(instrs)*9)
	buf = append(buf, byte(len(referencedChunk.Bytes)))
	buf = append(buf, referencedChunk.Bytes...)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(instrs)))
	buf = append(buf, countBuf[:]...)

	for _, in := range instrs {
		buf = append(buf, byte(in.Op))
		switch in.Op {
		case InstrCopy:
			var b [8]byte
			binary.BigEndian.PutUint32(b[0:4], uint32(in.Offset))
			binary.BigEndian.PutUint32(b[4:8], uint32(in.Length))
			buf = append(buf, b[:]...)
		case InstrInsert:
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(len(in.Bytes)))
			buf = append(buf, b[:]...)
			buf = append(buf, in.Bytes...)
		}
	}
	return buf
}

// DecodeDeltaPayload is the inverse of EncodeDeltaPayload.
func DecodeDeltaPayload(payload []byte) (cksum.Digest, []Instr, error) {
	if len(payload) < 1 {
		return cksum.Digest{}, nil, fmt.Errorf("delta payload truncated")
	}
	digestLen := int(payload[0])
	off := 1
	if off+digestLen+4 > len(payload) {
		return cksum.Digest{}, nil, fmt.Errorf("delta payload truncated at digest/count")
	}
	digest := cksum.Digest{Type: cksum.SHA256, Bytes: append([]byte(nil), payload[off:off+digestLen]...)}
	off += digestLen
	count := binary.BigEndian.Uint32(payload[off : off+4])
	off += 4

	instrs := make([]Instr, 0, count)
	for i := uint32(0); i < count; i++ {
		if off >= len(payload) {
			return cksum.Digest{}, nil, fmt.Errorf("delta payload truncated at instruction %d", i)
		}
		op := InstrOp(payload[off])
		off++
		switch op {
		case InstrCopy:
			if off+8 > len(payload) {
				return cksum.Digest{}, nil, fmt.Errorf("delta payload truncated in copy instruction")
			}
			offset := binary.BigEndian.Uint32(payload[off : off+4])
			length := binary.BigEndian.Uint32(payload[off+4 : off+8])
			off += 8
			instrs = append(instrs, Instr{Op: InstrCopy, Offset: int(offset), Length: int(length)})
		case InstrInsert:
			if off+4 > len(payload) {
				return cksum.Digest{}, nil, fmt.Errorf("delta payload truncated in insert length")
			}
			length := binary.BigEndian.Uint32(payload[off : off+4])
			off += 4
			if off+int(length) > len(payload) {
				return cksum.Digest{}, nil, fmt.Errorf("delta payload truncated in insert bytes")
			}
			instrs = append(instrs, Instr{Op: InstrInsert, Bytes: append([]byte(nil), payload[off:off+int(length)]...), Length: int(length)})
			off += int(length)
		default:
			return cksum.Digest{}, nil, fmt.Errorf("unknown instruction op %d", op)
		}
	}
	return digest, instrs, nil
}
