package compress

import (
	"io"

	"github.com/andybalholm/brotli"
)

func newBrotliWriter(w io.Writer, level int) (io.Writer, func() error, error) {
	bw := brotli.NewWriterLevel(w, level)
	return bw, bw.Close, nil
}

func newBrotliReader(r io.Reader) (io.Reader, error) {
	return brotli.NewReader(r), nil
}
