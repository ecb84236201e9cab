package compress

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

func newZstdWriter(w io.Writer, level int) (io.Writer, func() error, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, nil, err
	}
	return enc, enc.Close, nil
}

func newZstdReader(r io.Reader) (io.Reader, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}
