package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/observability"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/store"
)

type versionListResponse struct {
	ServiceID      string                  `json:"service_id"`
	BlueGreenMode  bool                    `json:"blue_green_mode"`
	ActiveSlot     store.Slot              `json:"active_slot"`
	BlueVersionID  string                  `json:"blue_version_id,omitempty"`
	GreenVersionID string                  `json:"green_version_id,omitempty"`
	Versions       []*store.ServiceVersion `json:"versions"`
}

func (a *API) handleListVersions(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	serviceID := chi.URLParam(r, "serviceID")

	svc, err := a.store.GetService(r.Context(), stackID, serviceID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	versions, err := a.store.ListVersions(r.Context(), stackID, serviceID, store.VersionRetainCount)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	if versions == nil {
		versions = []*store.ServiceVersion{}
	}

	writeJSON(w, http.StatusOK, versionListResponse{
		ServiceID:      svc.ID,
		BlueGreenMode:  svc.BlueGreenMode,
		ActiveSlot:     svc.ActiveVersionSlot,
		BlueVersionID:  svc.BlueVersionID,
		GreenVersionID: svc.GreenVersionID,
		Versions:       versions,
	})
}

func (a *API) handleToggleBlueGreen(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	serviceID := chi.URLParam(r, "serviceID")

	var req ToggleBlueGreenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	enabled := req.Enabled
	if enabled == nil {
		// No explicit value flips the current mode.
		svc, err := a.store.GetService(r.Context(), stackID, serviceID)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		flipped := !svc.BlueGreenMode
		enabled = &flipped
	}

	svc, err := a.store.SetBlueGreenMode(r.Context(), stackID, serviceID, *enabled)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	a.notifyAfterMutation(stackID, "blue_green_toggle")
	writeJSON(w, http.StatusOK, svc)
}

func (a *API) handleSwitchSlot(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	serviceID := chi.URLParam(r, "serviceID")

	var req SwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	version, err := a.store.SwitchSlot(r.Context(), stackID, serviceID, store.Slot(req.TargetSlot))
	if err != nil {
		observability.SlotSwitches.WithLabelValues("switch", "error").Inc()
		a.writeStoreError(w, err)
		return
	}
	observability.SlotSwitches.WithLabelValues("switch", "ok").Inc()

	a.notifyAfterMutation(stackID, "slot_switch")
	writeJSON(w, http.StatusOK, version)
}

func (a *API) handleRollback(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	serviceID := chi.URLParam(r, "serviceID")

	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	version, err := a.store.RollbackVersion(r.Context(), stackID, serviceID, req.VersionID)
	if err != nil {
		observability.SlotSwitches.WithLabelValues("rollback", "error").Inc()
		a.writeStoreError(w, err)
		return
	}
	observability.SlotSwitches.WithLabelValues("rollback", "ok").Inc()

	a.notifyAfterMutation(stackID, "rollback")
	writeJSON(w, http.StatusOK, version)
}

// handleReportHealth records build/health verification for a staged version.
// It never bumps the stack version: health is an observation, not a
// configuration change.
func (a *API) handleReportHealth(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	serviceID := chi.URLParam(r, "serviceID")

	var req ReportHealthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.store.SetVersionHealth(r.Context(), stackID, serviceID, req.VersionID, *req.Healthy); err != nil {
		a.writeStoreError(w, err)
		return
	}

	a.hub.Publish(Event{Type: "version_health", StackID: stackID, Data: map[string]interface{}{
		"service_id": serviceID,
		"version_id": req.VersionID,
		"healthy":    *req.Healthy,
	}})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
