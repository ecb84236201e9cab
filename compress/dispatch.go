package compress

import (
	"io"

	"github.com/rodepush/bundlecore/cmn"
)

// newCodecWriter and newCodecReader are the single dispatch point between
// the Codec enum and each codec's concrete stream type. Selection happens
// once per Compress/Decompress call, not per byte, per the "hot paths
// should not re-dispatch per byte" design note (spec.md §9).
func newCodecWriter(w io.Writer, codec Codec, level int) (io.Writer, func() error, error) {
	switch codec {
	case Zstd:
		return newZstdWriter(w, level)
	case Deflate:
		return newDeflateWriter(w, level)
	case Brotli:
		return newBrotliWriter(w, level)
	default:
		return nil, nil, cmn.New(cmn.KindValidation, "unknown compression codec %q", codec)
	}
}

func newCodecReader(r io.Reader, codec Codec) (io.Reader, error) {
	switch codec {
	case Zstd:
		return newZstdReader(r)
	case Deflate:
		return newDeflateReader(r)
	case Brotli:
		return newBrotliReader(r)
	default:
		return nil, cmn.New(cmn.KindValidation, "unknown compression codec %q", codec)
	}
}
