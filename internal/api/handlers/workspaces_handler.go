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

type WorkspacesHandler struct {
	svc services.EnvironmentService
}

func NewWorkspacesHandler(svc services.EnvironmentService) *WorkspacesHandler {
	return &WorkspacesHandler{svc: svc}
}

func (h *WorkspacesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.CreateEnvironmentInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validators.New().Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	pid := middleware.GetPrincipalID(r.Context())
	out, err := h.svc.Create(r.Context(), pid, &req)
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

func (h *WorkspacesHandler) List(w http.ResponseWriter, r *http.Request) {
	pid := middleware.GetPrincipalID(r.Context())
	items, err := h.svc.List(r.Context(), pid)
	if err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items})
}

func (h *WorkspacesHandler) Status(w http.ResponseWriter, r *http.Request) {
	pid := middleware.GetPrincipalID(r.Context())
	name := chi.URLParam(r, "name")
	res, err := h.svc.Status(r.Context(), pid, name)
	if err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: res})
}

func (h *WorkspacesHandler) Stop(w http.ResponseWriter, r *http.Request) {
	pid := middleware.GetPrincipalID(r.Context())
	name := chi.URLParam(r, "name")
	if err := h.svc.Stop(r.Context(), pid, name); err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]string{"status": "stopping"}})
}

func (h *WorkspacesHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	pid := middleware.GetPrincipalID(r.Context())
	name := chi.URLParam(r, "name")
	if err := h.svc.Destroy(r.Context(), pid, name); err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]string{"status": "destroyed"}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, types.APIResponse{Success: false, Error: types.FromAppError(err)})
}

func writeErrorStr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.APIResponse{Success: false, Error: &types.APIError{Code: "invalid", Message: msg}})
}
