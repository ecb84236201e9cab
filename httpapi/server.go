package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/rodepush/bundlecore/catalog"
	"github.com/rodepush/bundlecore/config"
	"github.com/rodepush/bundlecore/diffsvc"
	"github.com/rodepush/bundlecore/store"
)

// NewRouter builds the full C9 route table of spec.md §6.1 plus the
// supplemented application/rollout endpoints of SPEC_FULL.md §4, wrapped
// in request-id, logging, and auth middleware (health and metrics are
// exempt from auth, matching the teacher's convention of an unauthenticated
// liveness/observability surface).
func NewRouter(cat catalog.Repository, objects store.Store, svc *diffsvc.Service, comp config.CompressionConfig, metrics *Metrics, log *logrus.Entry) http.Handler {
	bundles := NewBundleHandlers(cat, objects, comp)
	diffs := NewDiffHandlers(svc)
	deployments := NewDeploymentHandlers(cat)
	applications := NewApplicationHandlers(cat)
	auth := NewAuthenticator(cat)

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/health", Health).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/api/v1/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
	// Application creation is the bootstrap step that hands out the very
	// secret the auth middleware later requires, so it cannot itself sit
	// behind that middleware.
	r.HandleFunc("/api/v1/applications", applications.Create).Methods(http.MethodPost)

	authed := r.PathPrefix("/api/v1").Subrouter()
	authed.Use(auth.Middleware)
	authed.HandleFunc("/bundles", bundles.Upload).Methods(http.MethodPost)
	authed.HandleFunc("/bundles/{id}", bundles.Get).Methods(http.MethodGet)
	authed.HandleFunc("/bundles/{id}/download", bundles.Download).Methods(http.MethodGet)
	authed.HandleFunc("/diffs/{src}/{tgt}", diffs.Get).Methods(http.MethodGet)
	authed.HandleFunc("/deployments", deployments.Create).Methods(http.MethodPost)
	authed.HandleFunc("/deployments/{id}", deployments.Get).Methods(http.MethodGet)
	authed.HandleFunc("/deployments/{id}", deployments.Rollback).Methods(http.MethodDelete)
	authed.HandleFunc("/deployments/{id}/rollout", deployments.SetRollout).Methods(http.MethodPatch)
	authed.HandleFunc("/applications/{id}/rotate-secret", applications.RotateSecret).Methods(http.MethodPost)

	return Chain(r, WithRequestID, WithLogging(log, metrics))
}

// Health handles GET /api/v1/health: a liveness probe that never touches
// the catalog or object store, so it stays accurate even if a downstream
// dependency is degraded.
func Health(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
