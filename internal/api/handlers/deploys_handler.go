package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/skiff-cloud/engine/internal/api/middleware"
	"github.com/skiff-cloud/engine/internal/api/types"
	"github.com/skiff-cloud/engine/internal/api/validators"
	"github.com/skiff-cloud/engine/internal/services"
)

type DeploysHandler struct {
	svc services.DeployService
}

func NewDeploysHandler(svc services.DeployService) *DeploysHandler {
	return &DeploysHandler{svc: svc}
}

func (h *DeploysHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	var req services.PrepareDeployInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Name = chi.URLParam(r, "name")
	if err := validators.New().Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	pid := middleware.GetPrincipalID(r.Context())
	out, err := h.svc.Prepare(r.Context(), pid, &req)
	if err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	resp := types.APIResponse{Success: true, Data: map[string]string{"url": out.URL}}
	if len(out.Warnings) > 0 {
		resp.Meta = &types.Meta{Warnings: out.Warnings}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *DeploysHandler) Upload(w http.ResponseWriter, r *http.Request) {
	var req services.UploadReleaseInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validators.New().Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	pid := middleware.GetPrincipalID(r.Context())
	name := chi.URLParam(r, "name")
	release, err := h.svc.Upload(r.Context(), pid, name, &req)
	if err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, types.APIResponse{Success: true, Data: release})
}

func (h *DeploysHandler) Status(w http.ResponseWriter, r *http.Request) {
	pid := middleware.GetPrincipalID(r.Context())
	name := chi.URLParam(r, "name")
	res, err := h.svc.Status(r.Context(), pid, name)
	if err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: res})
}
