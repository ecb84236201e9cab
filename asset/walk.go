package asset

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"

	"github.com/rodepush/bundlecore/cksum"
)

// WalkDirectory constructs a Collection from root, walking it
// deterministically (sorted by path, per godirwalk's default ordering —
// Unsorted is left false) and computing per-file metadata.
func WalkDirectory(root string, hashType cksum.Type) (Collection, error) {
	var assets []Asset

	err := godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, osPathname)
			if err != nil {
				return err
			}
			a, err := fileAsset(osPathname, filepath.ToSlash(rel), hashType)
			if err != nil {
				return err
			}
			assets = append(assets, a)
			return nil
		},
		// Unsorted defaults to false: godirwalk visits each directory's
		// children in lexical order, which is the determinism the spec
		// requires for reproducible collection IDs.
	})
	if err != nil {
		return Collection{}, err
	}
	return NewCollection(assets, hashType)
}

func fileAsset(osPath, relPath string, hashType cksum.Type) (Asset, error) {
	info, err := statFile(osPath)
	if err != nil {
		return Asset{}, err
	}
	digest, err := hashFile(osPath, hashType)
	if err != nil {
		return Asset{}, err
	}
	return Asset{
		Path:     relPath,
		Size:     info.size,
		MIMEHint: mimeHint(relPath),
		Hash:     digest,
		ModTime:  info.modTime,
	}, nil
}

func mimeHint(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
