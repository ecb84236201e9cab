package httpapi

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rodepush/bundlecore/catalog"
	"github.com/rodepush/bundlecore/chunk"
	"github.com/rodepush/bundlecore/cksum"
	"github.com/rodepush/bundlecore/cmn"
	"github.com/rodepush/bundlecore/compress"
	"github.com/rodepush/bundlecore/config"
	"github.com/rodepush/bundlecore/store"
)

// BundleHandlers implements POST/GET /api/v1/bundles per spec.md §6.1. The
// upload path is the one place C1, C2, C3, C6, and C7 all meet: rehash
// against the client's advertised checksum, chunk, compress for storage,
// persist, index.
type BundleHandlers struct {
	cat       catalog.Repository
	objects   store.Store
	compCodec compress.Codec
	compLevel int
	dedup     *store.DedupFilter
}

func NewBundleHandlers(cat catalog.Repository, objects store.Store, comp config.CompressionConfig) *BundleHandlers {
	return &BundleHandlers{
		cat:       cat,
		objects:   objects,
		compCodec: compress.Codec(comp.Codec),
		compLevel: comp.Level,
		dedup:     store.NewDedupFilter(1 << 20),
	}
}

type bundleResponse struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	Platform  string `json:"platform"`
	Checksum  string `json:"checksum"`
	TotalSize int64  `json:"total_size"`
}

func toBundleResponse(b catalog.Bundle) bundleResponse {
	return bundleResponse{
		ID:        b.ID.String(),
		Version:   b.Version.String(),
		Platform:  string(b.Platform),
		Checksum:  b.ChecksumHex,
		TotalSize: b.TotalSize,
	}
}

const maxBundleBytes = 512 << 20 // 512 MiB upload ceiling, spec.md §6.1's "413 too-large"

// Upload handles POST /api/v1/bundles: header-declared version/platform/
// checksum, raw body bytes. The advertised checksum is verified before
// anything is persisted (spec.md §8 scenario 6: a mismatch must leave no
// row and no blob behind).
func (h *BundleHandlers) Upload(w http.ResponseWriter, r *http.Request) {
	appID := applicationFromContext(r)
	versionStr := r.Header.Get("X-Bundle-Version")
	platform := cmn.Platform(r.Header.Get("X-Bundle-Platform"))
	advertisedHex := r.Header.Get("X-Bundle-Checksum-Sha256")

	version, err := cmn.ParseSemanticVersion(versionStr)
	if err != nil {
		writeError(w, r, cmn.New(cmn.KindValidation, "invalid X-Bundle-Version: %v", err))
		return
	}
	if !platform.Valid() {
		writeError(w, r, cmn.New(cmn.KindValidation, "invalid X-Bundle-Platform %q", platform))
		return
	}
	if advertisedHex == "" {
		writeError(w, r, cmn.New(cmn.KindValidation, "missing X-Bundle-Checksum-Sha256"))
		return
	}
	advertised, err := cksum.ParseHex(cksum.SHA256, advertisedHex)
	if err != nil {
		writeError(w, r, cmn.New(cmn.KindValidation, "malformed X-Bundle-Checksum-Sha256: %v", err))
		return
	}

	if _, ok, err := h.cat.FindBundleByTriple(appID, version, platform); err != nil {
		writeError(w, r, err)
		return
	} else if ok {
		writeError(w, r, cmn.New(cmn.KindConflict, "bundle %s %s %s already exists", appID, version, platform))
		return
	}

	limited := http.MaxBytesReader(w, r.Body, maxBundleBytes)
	payload, err := io.ReadAll(limited)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, cmn.New(cmn.KindExhausted, "upload exceeds %d byte limit", maxBundleBytes))
			return
		}
		writeError(w, r, cmn.New(cmn.KindValidation, "unreadable body: %v", err))
		return
	}

	actual, err := cksum.Hash(cksum.SHA256, payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !cksum.Verify(actual, advertised) {
		writeError(w, r, cmn.New(cmn.KindIntegrity, "checksum mismatch: advertised %s, computed %s", advertised, actual))
		return
	}

	chunks, err := chunk.Split(bytes.NewReader(payload), chunk.ContentDefined, cksum.SHA256)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Chunk bytes are content-addressed: the same bytes in two bundles
	// store once (spec.md invariant I4). The cuckoo filter spares a Stat
	// round trip for chunks it has never seen, which are Put directly; a
	// filter hit is confirmed with a Stat, so a false positive just costs
	// one extra Stat, never a lost write.
	for _, c := range chunks {
		if h.dedup.Might(c.ID) {
			if _, err := h.objects.Stat(r.Context(), store.ChunkKey(c.ID)); err == nil {
				continue
			}
		}
		if _, err := h.objects.Put(r.Context(), store.ChunkKey(c.ID), bytes.NewReader(c.Bytes)); err != nil {
			writeError(w, r, err)
			return
		}
		h.dedup.Add(c.ID)
	}

	id := cmn.NewBundleId()
	key := store.BundleKey(appID, id.String())
	var compressed bytes.Buffer
	if _, err := compress.Compress(&compressed, bytes.NewReader(payload), h.compCodec, h.compLevel); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.objects.Put(r.Context(), key, bytes.NewReader(compressed.Bytes())); err != nil {
		writeError(w, r, err)
		return
	}

	b := catalog.Bundle{
		ID:            id,
		ApplicationID: appID,
		Version:       version,
		Platform:      platform,
		TotalSize:     int64(len(payload)),
		ChecksumType:  string(cksum.SHA256),
		ChecksumHex:   actual.String(),
		StorageKey:    key,
		ChunkCount:    len(chunks),
	}
	if err := h.cat.CreateBundle(b); err != nil {
		_ = h.objects.Delete(r.Context(), key)
		writeError(w, r, err)
		return
	}

	writeData(w, r, http.StatusCreated, toBundleResponse(b))
}

// Get handles GET /api/v1/bundles/{id}.
func (h *BundleHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, err := cmn.ParseBundleId(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, cmn.New(cmn.KindValidation, "invalid bundle id"))
		return
	}
	b, err := h.cat.GetBundle(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, toBundleResponse(b))
}

// Download handles GET /api/v1/bundles/{id}/download: decompresses the
// stored blob and streams the original bytes.
func (h *BundleHandlers) Download(w http.ResponseWriter, r *http.Request) {
	id, err := cmn.ParseBundleId(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, cmn.New(cmn.KindValidation, "invalid bundle id"))
		return
	}
	b, err := h.cat.GetBundle(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.objects.Stat(r.Context(), b.StorageKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	blob, err := h.objects.Get(r.Context(), b.StorageKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := compress.Decompress(w, blob, st.Size); err != nil {
		// Headers are already sent, so the client sees a truncated body;
		// the error is dropped and the logging middleware records the 200
		// written above.
		return
	}
}
