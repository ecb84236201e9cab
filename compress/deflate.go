package compress

import (
	"compress/flate"
	"io"
)

// newDeflateWriter uses the standard library's compress/flate: raw DEFLATE
// has no ecosystem library offering more than stdlib already does (see
// DESIGN.md), so this is the one codec implemented without a third-party
// dependency.
func newDeflateWriter(w io.Writer, level int) (io.Writer, func() error, error) {
	fw, err := flate.NewWriter(w, level)
	if err != nil {
		return nil, nil, err
	}
	return fw, fw.Close, nil
}

func newDeflateReader(r io.Reader) (io.Reader, error) {
	return flate.NewReader(r), nil
}
