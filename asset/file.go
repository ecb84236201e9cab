package asset

import (
	"os"
	"time"

	"github.com/rodepush/bundlecore/cksum"
)

type fileInfo struct {
	size    int64
	modTime time.Time
}

func statFile(path string) (fileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return fileInfo{}, err
	}
	return fileInfo{size: st.Size(), modTime: st.ModTime()}, nil
}

func hashFile(path string, hashType cksum.Type) (cksum.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return cksum.Digest{}, err
	}
	defer f.Close()
	return cksum.HashStream(hashType, f)
}
