package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"
)

type ctxKey int

const requestIDKey ctxKey = iota

func nowString() string { return time.Now().UTC().Format(time.RFC3339) }

func requestID(r *http.Request) string {
	if v, ok := r.Context().Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithRequestID stamps every inbound request with a short, URL-safe
// correlation id (teris-io/shortid, the generator the teacher's sibling
// packages in the example pack use for user-facing handles) and echoes it
// back on the response so client-side logs can be joined to server logs.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			generated, err := shortid.Generate()
			if err != nil {
				generated = "unknown"
			}
			id = generated
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// routeLabel returns the registered path template (e.g. "/api/v1/bundles/{id}")
// rather than the literal request path, so metrics label cardinality stays
// bounded by route count instead of growing with every distinct bundle id.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// WithLogging records method, path, status, duration, and request id for
// every request, mirroring the teacher's structured-logging conventions, and
// feeds the same observation into metrics when one is supplied.
func WithLogging(log *logrus.Entry, metrics *Metrics) func(http.Handler) http.Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)
			log.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": elapsed.Milliseconds(),
				"request_id":  requestID(r),
			}).Info("http request")
			if metrics != nil {
				metrics.ObserveRequest(routeLabel(r), strconv.Itoa(rec.status), elapsed.Seconds())
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Chain composes middleware in application order: Chain(h, A, B) runs A
// then B around h.
func Chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
