package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/auth"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/logger"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/store"
)

// agentView is the list/get shape: credentials stay hidden and liveness is
// computed from heartbeat recency rather than stored.
type agentView struct {
	*store.Agent
	Connected bool `json:"connected"`
}

func agentViews(agents []*store.Agent, heartbeatInterval int) []agentView {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30
	}
	cutoff := time.Now().Add(-2 * time.Duration(heartbeatInterval) * time.Second)

	views := make([]agentView, 0, len(agents))
	for _, agent := range agents {
		connected := agent.LastHeartbeatAt != nil && agent.LastHeartbeatAt.After(cutoff)
		views = append(views, agentView{Agent: agent, Connected: connected})
	}
	return views
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	stack, err := a.store.GetStack(r.Context(), stackID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	agents, err := a.store.ListAgents(r.Context(), stackID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentViews(agents, stack.HeartbeatInterval))
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	stack, err := a.store.GetStack(r.Context(), stackID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	agent, err := a.store.GetAgent(r.Context(), stackID, chi.URLParam(r, "agentID"))
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	views := agentViews([]*store.Agent{agent}, stack.HeartbeatInterval)
	writeJSON(w, http.StatusOK, views[0])
}

// handleCreateAgentToken mints a pending agent with a one-time install token.
func (a *API) handleCreateAgentToken(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	if _, err := a.store.GetStack(r.Context(), stackID); err != nil {
		a.writeStoreError(w, err)
		return
	}

	var req AgentTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	installToken := auth.NewToken(auth.PrefixInstallToken)
	agent := &store.Agent{
		ID:           newID(),
		StackID:      stackID,
		Name:         req.Name,
		InstallToken: installToken,
		Status:       store.AgentStatusPending,
	}
	if err := a.store.CreateAgent(r.Context(), agent); err != nil {
		a.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"agent_id":        agent.ID,
		"install_token":   installToken,
		"install_command": fmt.Sprintf("potato-agent install --token %s", installToken),
	})
}

// handleAgentRegister exchanges an install token for a long-lived API key.
// The plaintext key is returned exactly once; only its hash is stored.
func (a *API) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req AgentRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	agent, err := a.store.GetAgentByInstallToken(r.Context(), req.InstallToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid install token")
		return
	}

	apiKey := auth.NewToken(auth.PrefixAPIKey)
	ipAddress := req.IPAddress
	if ipAddress == "" {
		if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
			ipAddress = host
		}
	}

	agent, err = a.store.ActivateAgent(r.Context(), agent.ID, auth.HashToken(apiKey), req.Hostname, ipAddress)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	stack, err := a.store.GetStack(r.Context(), agent.StackID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	a.log.Info("agent registered",
		logger.String("agent_id", agent.ID),
		logger.String("stack_id", agent.StackID),
		logger.String("hostname", agent.Hostname),
	)
	a.hub.Publish(Event{Type: "agent_registered", StackID: agent.StackID, Data: map[string]string{"agent_id": agent.ID}})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":      agent.ID,
		"api_key":       apiKey,
		"stack_id":      agent.StackID,
		"poll_interval": stack.PollInterval,
	})
}

func (a *API) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")

	var req AgentPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	agent, err := a.store.UpdateAgent(r.Context(), stackID, chi.URLParam(r, "agentID"), store.AgentUpdate{
		Name:     req.Name,
		Endpoint: req.Endpoint,
	})
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	if err := a.store.DeleteAgent(r.Context(), stackID, chi.URLParam(r, "agentID")); err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleTriggerRefresh pushes a refresh to one agent synchronously. Unlike
// the post-mutation fanout, delivery failure here is the caller's answer.
func (a *API) handleTriggerRefresh(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")

	agent, err := a.store.GetAgent(r.Context(), stackID, chi.URLParam(r, "agentID"))
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	if agent.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "agent has no endpoint configured")
		return
	}

	stack, err := a.store.GetStack(r.Context(), stackID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	event := ChangeEvent{Type: "manual_trigger", ChangedAt: time.Now().UTC()}
	if err := a.notifier.NotifyAgent(r.Context(), agent, stack.Version, event); err != nil {
		writeError(w, http.StatusBadGateway, "agent notification failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
