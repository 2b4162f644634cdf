package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/store"
)

func (a *API) handleListServices(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	if _, err := a.store.GetStack(r.Context(), stackID); err != nil {
		a.writeStoreError(w, err)
		return
	}
	services, err := a.store.ListServices(r.Context(), stackID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	if services == nil {
		services = []*store.Service{}
	}
	writeJSON(w, http.StatusOK, services)
}

func (a *API) handleCreateService(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")

	var req ServiceCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := a.store.GetStack(r.Context(), stackID); err != nil {
		a.writeStoreError(w, err)
		return
	}

	svc := req.ToService(newID(), stackID)
	if err := a.store.CreateService(r.Context(), svc); err != nil {
		a.writeStoreError(w, err)
		return
	}

	a.notifyAfterMutation(stackID, "service_create")
	writeJSON(w, http.StatusCreated, svc)
}

func (a *API) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := a.store.GetService(r.Context(), chi.URLParam(r, "stackID"), chi.URLParam(r, "serviceID"))
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (a *API) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	serviceID := chi.URLParam(r, "serviceID")

	var req ServicePatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	current, err := a.store.GetService(r.Context(), stackID, serviceID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	if err := req.Validate(current); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	svc, err := a.store.UpdateService(r.Context(), stackID, serviceID, req.ToUpdate())
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	a.notifyAfterMutation(stackID, "service_update")
	writeJSON(w, http.StatusOK, svc)
}

func (a *API) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	if err := a.store.DeleteService(r.Context(), stackID, chi.URLParam(r, "serviceID")); err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.notifyAfterMutation(stackID, "service_delete")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
