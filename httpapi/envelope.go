// Package httpapi implements the HTTP Surface (C9): a thin, stateless
// JSON layer over the catalog, object store, and diff service.
package httpapi

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/rodepush/bundlecore/cmn"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the uniform response body for every JSON endpoint.
type Envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorBody  `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
	RequestID string      `json:"request_id"`
}

// ErrorBody carries the error taxonomy Kind plus the error's err.Error()
// text, which includes any wrapped cause; it never carries a stack trace.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// kindToStatus maps the error taxonomy of cmn.Kind to an HTTP status, the
// one fixed translation table the rest of httpapi relies on.
func kindToStatus(k cmn.Kind) int {
	switch k {
	case cmn.KindValidation:
		return http.StatusBadRequest
	case cmn.KindIntegrity:
		return http.StatusUnprocessableEntity
	case cmn.KindConflict:
		return http.StatusConflict
	case cmn.KindNotFound:
		return http.StatusNotFound
	case cmn.KindExhausted:
		return http.StatusRequestEntityTooLarge
	case cmn.KindStorage, cmn.KindCatalog, cmn.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	writeJSON(w, status, Envelope{
		Success:   true,
		Data:      data,
		Timestamp: nowString(),
		RequestID: requestID(r),
	})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := cmn.KindOf(err)
	writeJSON(w, kindToStatus(kind), Envelope{
		Success:   false,
		Error:     &ErrorBody{Kind: string(kind), Message: err.Error()},
		Timestamp: nowString(),
		RequestID: requestID(r),
	})
}
