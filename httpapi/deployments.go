package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/rodepush/bundlecore/catalog"
	"github.com/rodepush/bundlecore/cmn"
)

// DeploymentHandlers implements POST/GET/DELETE /api/v1/deployments per
// spec.md §6.1 and the state machine of §4.7.
type DeploymentHandlers struct {
	cat catalog.Repository
}

func NewDeploymentHandlers(cat catalog.Repository) *DeploymentHandlers {
	return &DeploymentHandlers{cat: cat}
}

type deploymentRequest struct {
	BundleID          string `json:"bundle_id"`
	Environment       string `json:"environment"`
	RolloutPercentage int    `json:"rollout_percentage"`
}

type deploymentResponse struct {
	ID                string     `json:"id"`
	BundleID          string     `json:"bundle_id"`
	Environment       string     `json:"environment"`
	Status            string     `json:"status"`
	RolloutPercentage int        `json:"rollout_percentage"`
	CreatedAt         time.Time  `json:"created_at"`
	ActivatedAt       *time.Time `json:"activated_at,omitempty"`
	RolledBackAt      *time.Time `json:"rolled_back_at,omitempty"`
}

func toDeploymentResponse(d catalog.Deployment) deploymentResponse {
	return deploymentResponse{
		ID:                d.ID,
		BundleID:          d.BundleID.String(),
		Environment:       d.Environment,
		Status:            string(d.Status),
		RolloutPercentage: d.RolloutPercentage,
		CreatedAt:         d.CreatedAt,
		ActivatedAt:       d.ActivatedAt,
		RolledBackAt:      d.RolledBackAt,
	}
}

// Create handles POST /api/v1/deployments: a new deployment always starts
// pending (spec.md §4.7), activation is a separate operator action
// modeled by the supplemented PATCH below.
func (h *DeploymentHandlers) Create(w http.ResponseWriter, r *http.Request) {
	appID := applicationFromContext(r)
	var req deploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, cmn.New(cmn.KindValidation, "malformed request body"))
		return
	}
	bundleID, err := cmn.ParseBundleId(req.BundleID)
	if err != nil {
		writeError(w, r, cmn.New(cmn.KindValidation, "invalid bundle_id"))
		return
	}
	if _, err := h.cat.GetBundle(bundleID); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Environment == "" {
		writeError(w, r, cmn.New(cmn.KindValidation, "environment is required"))
		return
	}

	d := catalog.Deployment{
		ID:                uuid.New().String(),
		BundleID:          bundleID,
		ApplicationID:     appID,
		Environment:       req.Environment,
		Status:            cmn.DeploymentPending,
		RolloutPercentage: req.RolloutPercentage,
		CreatedAt:         time.Now().UTC(),
	}
	if err := h.cat.CreateDeployment(d); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, toDeploymentResponse(d))
}

// Get handles GET /api/v1/deployments/{id}.
func (h *DeploymentHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, err := h.cat.GetDeployment(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, toDeploymentResponse(d))
}

// Rollback handles DELETE /api/v1/deployments/{id}: transitions to
// rolled_back, stamping rolled_back_at, or 409 if the deployment isn't in
// a state that permits it (spec.md §8 scenario 4).
func (h *DeploymentHandlers) Rollback(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, err := h.cat.GetDeployment(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !d.Status.CanTransition(cmn.DeploymentRolledBack) {
		writeError(w, r, cmn.New(cmn.KindConflict, "deployment %s cannot roll back from %s", id, d.Status))
		return
	}
	now := time.Now().UTC()
	d.Status = cmn.DeploymentRolledBack
	d.RolledBackAt = &now
	if err := h.cat.UpdateDeployment(d); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetRollout is a supplemented endpoint (not in spec.md's table, added per
// SPEC_FULL.md §4): PATCH /api/v1/deployments/{id}/rollout adjusts the
// rollout percentage and, on the first activation, transitions
// pending -> active and stamps activated_at. Any other state is 409.
func (h *DeploymentHandlers) SetRollout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		RolloutPercentage int `json:"rollout_percentage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, cmn.New(cmn.KindValidation, "malformed request body"))
		return
	}
	d, err := h.cat.GetDeployment(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if d.Status != cmn.DeploymentPending && d.Status != cmn.DeploymentActive {
		writeError(w, r, cmn.New(cmn.KindConflict, "deployment %s cannot adjust rollout while %s", id, d.Status))
		return
	}
	d.RolloutPercentage = req.RolloutPercentage
	if d.Status == cmn.DeploymentPending {
		now := time.Now().UTC()
		d.Status = cmn.DeploymentActive
		d.ActivatedAt = &now
	}
	if err := h.cat.UpdateDeployment(d); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, toDeploymentResponse(d))
}
