package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rodepush/bundlecore/cmn"
	"github.com/rodepush/bundlecore/diffsvc"
)

// DiffHandlers implements GET /api/v1/diffs/{src}/{tgt}. Cache-hit/build
// accounting happens inside diffsvc.Service itself, which is the only
// layer that knows whether a given call was served from cache or freshly
// built; this handler does not duplicate that bookkeeping.
type DiffHandlers struct {
	svc *diffsvc.Service
}

func NewDiffHandlers(svc *diffsvc.Service) *DiffHandlers {
	return &DiffHandlers{svc: svc}
}

// Get handles a diff fetch-or-generate request. Per spec.md §6.1 the
// success response is always a complete octet-stream (202-deferred async
// generation is Non-goal territory for this single-process core: the
// single-flight lease in C8 already makes a caller's own wait bounded and
// shared, so Get simply blocks until the in-flight or fresh build
// completes rather than polling a job id).
func (h *DiffHandlers) Get(w http.ResponseWriter, r *http.Request) {
	appID := applicationFromContext(r)
	vars := mux.Vars(r)
	src, err := cmn.ParseBundleId(vars["src"])
	if err != nil {
		writeError(w, r, cmn.New(cmn.KindValidation, "invalid source bundle id"))
		return
	}
	tgt, err := cmn.ParseBundleId(vars["tgt"])
	if err != nil {
		writeError(w, r, cmn.New(cmn.KindValidation, "invalid target bundle id"))
		return
	}

	res, err := h.svc.GetDiff(r.Context(), appID, src, tgt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Bytes)
}
