package main

import (
	"context"
	"net/http"
	"time"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/store"
)

// DashboardService aggregates the overview the dashboard landing page shows.
// It decouples the API from direct store access.
type DashboardService struct {
	store store.Store
}

func NewDashboardService(s store.Store) *DashboardService {
	return &DashboardService{store: s}
}

// DashboardOverview is the fleet-wide summary.
type DashboardOverview struct {
	Stacks          int            `json:"stacks"`
	Services        int            `json:"services"`
	BlueGreenActive int            `json:"blue_green_active"`
	Agents          int            `json:"agents"`
	AgentsConnected int            `json:"agents_connected"`
	StagedVersions  int            `json:"staged_versions"`
	StackSummaries  []StackSummary `json:"stack_summaries"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// StackSummary is one row of the overview table.
type StackSummary struct {
	StackID         string `json:"stack_id"`
	Name            string `json:"name"`
	Version         int64  `json:"version"`
	Services        int    `json:"services"`
	Agents          int    `json:"agents"`
	AgentsConnected int    `json:"agents_connected"`
}

// GetOverview collects current counts across all stacks. Staged versions are
// those not yet live: pending or building, or ready but inactive.
func (s *DashboardService) GetOverview(ctx context.Context) (*DashboardOverview, error) {
	stacks, err := s.store.ListStacks(ctx)
	if err != nil {
		return nil, err
	}

	overview := &DashboardOverview{
		StackSummaries: make([]StackSummary, 0, len(stacks)),
		GeneratedAt:    time.Now(),
	}
	overview.Stacks = len(stacks)

	for _, stack := range stacks {
		summary := StackSummary{
			StackID: stack.ID,
			Name:    stack.Name,
			Version: stack.Version,
		}

		services, err := s.store.ListServices(ctx, stack.ID)
		if err != nil {
			return nil, err
		}
		summary.Services = len(services)
		overview.Services += len(services)
		for _, svc := range services {
			if svc.BlueGreenMode {
				overview.BlueGreenActive++
			}
		}

		versions, err := s.store.ListStackVersions(ctx, stack.ID)
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			if !v.IsActive {
				overview.StagedVersions++
			}
		}

		interval := stack.HeartbeatInterval
		if interval <= 0 {
			interval = 30
		}
		cutoff := time.Now().Add(-2 * time.Duration(interval) * time.Second)

		agents, err := s.store.ListAgents(ctx, stack.ID)
		if err != nil {
			return nil, err
		}
		summary.Agents = len(agents)
		overview.Agents += len(agents)
		for _, agent := range agents {
			if agent.LastHeartbeatAt != nil && agent.LastHeartbeatAt.After(cutoff) {
				summary.AgentsConnected++
				overview.AgentsConnected++
			}
		}

		overview.StackSummaries = append(overview.StackSummaries, summary)
	}

	return overview, nil
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	overview, err := a.dashboard.GetOverview(r.Context())
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}
