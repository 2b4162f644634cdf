package main

import (
	"encoding/json"
	"net/http"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/middleware"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/observability"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/store"
)

// handleHeartbeat ingests one agent status report. Partial payloads degrade
// to defaults instead of being rejected: losing status detail is better than
// marking a live agent offline.
func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agent, err := middleware.GetAgentFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if req.AgentStatus == "" {
		req.AgentStatus = "unknown"
	}
	if req.ServicesStatus == nil {
		req.ServicesStatus = []store.ServiceStatus{}
	}

	hb := &store.Heartbeat{
		ID:             newID(),
		AgentID:        agent.ID,
		StackVersion:   req.StackVersion,
		AgentStatus:    req.AgentStatus,
		ServicesStatus: req.ServicesStatus,
		SecurityState:  req.SecurityState,
		SystemInfo:     req.SystemInfo,
	}
	if err := a.store.RecordHeartbeat(r.Context(), hb); err != nil {
		a.writeStoreError(w, err)
		return
	}

	observability.HeartbeatsReceived.Inc()
	a.hub.Publish(Event{Type: "heartbeat", StackID: agent.StackID, Data: map[string]interface{}{
		"agent_id":      agent.ID,
		"agent_status":  req.AgentStatus,
		"stack_version": req.StackVersion,
	}})

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
