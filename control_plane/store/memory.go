package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore holds the full control-plane state in process memory.
// It implements the Store interface and is used by tests and by the
// single-binary dev mode. All operations on it are serialized by one
// mutex, which trivially gives the same atomicity the Postgres
// implementation gets from transactions.
type MemoryStore struct {
	mu         sync.RWMutex
	stacks     map[string]*Stack
	services   map[string]*Service
	versions   map[string]*ServiceVersion
	agents     map[string]*Agent
	heartbeats map[string][]*Heartbeat // agentID -> submissions, oldest first
	tokens     map[string]*WebhookToken
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stacks:     make(map[string]*Stack),
		services:   make(map[string]*Service),
		versions:   make(map[string]*ServiceVersion),
		agents:     make(map[string]*Agent),
		heartbeats: make(map[string][]*Heartbeat),
		tokens:     make(map[string]*WebhookToken),
	}
}

func (s *MemoryStore) Close() {}

// bumpStackLocked is the version ledger: every mutation that affects a
// stack's desired state calls this while still holding the write lock, so
// the bump commits or fails together with the mutation it accompanies.
func (s *MemoryStore) bumpStackLocked(stackID string) (int64, error) {
	st, ok := s.stacks[stackID]
	if !ok {
		return 0, ErrNotFound
	}
	st.Version++
	st.UpdatedAt = time.Now()
	return st.Version, nil
}

// --- Stack operations ---

func (s *MemoryStore) CreateStack(ctx context.Context, stack *Stack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if stack.CreatedAt.IsZero() {
		stack.CreatedAt = now
	}
	stack.UpdatedAt = now
	if stack.Version == 0 {
		stack.Version = 1
	}
	cp := *stack
	s.stacks[stack.ID] = &cp
	return nil
}

func (s *MemoryStore) GetStack(ctx context.Context, stackID string) (*Stack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stacks[stackID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ListStacks(ctx context.Context) ([]*Stack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Stack, 0, len(s.stacks))
	for _, st := range s.stacks {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateStack(ctx context.Context, stackID string, upd StackUpdate) (*Stack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stacks[stackID]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Name != nil {
		st.Name = *upd.Name
	}
	if upd.Description != nil {
		st.Description = *upd.Description
	}
	if upd.PollInterval != nil {
		st.PollInterval = *upd.PollInterval
	}
	if upd.HeartbeatInterval != nil {
		st.HeartbeatInterval = *upd.HeartbeatInterval
	}
	if upd.SecurityMode != nil {
		st.SecurityMode = *upd.SecurityMode
	}
	if upd.ExternalProxyPort != nil {
		st.ExternalProxyPort = *upd.ExternalProxyPort
	}
	if _, err := s.bumpStackLocked(stackID); err != nil {
		return nil, err
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) DeleteStack(ctx context.Context, stackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stacks[stackID]; !ok {
		return ErrNotFound
	}
	delete(s.stacks, stackID)

	// Cascade: services, versions, agents, heartbeats, tokens.
	for id, svc := range s.services {
		if svc.StackID == stackID {
			delete(s.services, id)
		}
	}
	for id, v := range s.versions {
		if v.StackID == stackID {
			delete(s.versions, id)
		}
	}
	for id, a := range s.agents {
		if a.StackID == stackID {
			delete(s.agents, id)
			delete(s.heartbeats, id)
		}
	}
	for id, tok := range s.tokens {
		if tok.StackID == stackID {
			delete(s.tokens, id)
		}
	}
	return nil
}

// --- Service operations ---

func copyService(svc *Service) *Service {
	cp := *svc
	if svc.EnvironmentVars != nil {
		cp.EnvironmentVars = make(map[string]string, len(svc.EnvironmentVars))
		for k, v := range svc.EnvironmentVars {
			cp.EnvironmentVars[k] = v
		}
	}
	return &cp
}

func (s *MemoryStore) CreateService(ctx context.Context, svc *Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stacks[svc.StackID]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.services {
		if existing.StackID == svc.StackID && existing.Name == svc.Name {
			return ErrDuplicateName
		}
	}

	now := time.Now()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now
	if svc.ActiveVersionSlot == "" {
		svc.ActiveVersionSlot = SlotBlue
	}
	s.services[svc.ID] = copyService(svc)

	_, err := s.bumpStackLocked(svc.StackID)
	if err != nil {
		delete(s.services, svc.ID)
	}
	return err
}

func (s *MemoryStore) getServiceLocked(stackID, serviceID string) (*Service, error) {
	svc, ok := s.services[serviceID]
	if !ok || svc.StackID != stackID {
		return nil, ErrNotFound
	}
	return svc, nil
}

func (s *MemoryStore) GetService(ctx context.Context, stackID, serviceID string) (*Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, err := s.getServiceLocked(stackID, serviceID)
	if err != nil {
		return nil, err
	}
	return copyService(svc), nil
}

func (s *MemoryStore) ListServices(ctx context.Context, stackID string) ([]*Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Service
	for _, svc := range s.services {
		if svc.StackID == stackID {
			out = append(out, copyService(svc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Name, out[j].Name) < 0
	})
	return out, nil
}

func (s *MemoryStore) UpdateService(ctx context.Context, stackID, serviceID string, upd ServiceUpdate) (*Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, err := s.getServiceLocked(stackID, serviceID)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil && *upd.Name != svc.Name {
		for _, other := range s.services {
			if other.StackID == stackID && other.ID != serviceID && other.Name == *upd.Name {
				return nil, ErrDuplicateName
			}
		}
		svc.Name = *upd.Name
	}
	applyServiceUpdate(svc, upd)
	svc.UpdatedAt = time.Now()

	if _, err := s.bumpStackLocked(stackID); err != nil {
		return nil, err
	}
	return copyService(svc), nil
}

func applyServiceUpdate(svc *Service, upd ServiceUpdate) {
	if upd.ServiceType != nil {
		svc.ServiceType = *upd.ServiceType
	}
	if upd.GitURL != nil {
		svc.GitURL = *upd.GitURL
	}
	if upd.GitRef != nil {
		svc.GitRef = *upd.GitRef
	}
	if upd.GitCommit != nil {
		svc.GitCommit = *upd.GitCommit
	}
	if upd.GitSSHKey != nil {
		svc.GitSSHKey = *upd.GitSSHKey
	}
	if upd.DockerImage != nil {
		svc.DockerImage = *upd.DockerImage
	}
	if upd.DockerRunArgs != nil {
		svc.DockerRunArgs = *upd.DockerRunArgs
	}
	if upd.BuildCommand != nil {
		svc.BuildCommand = *upd.BuildCommand
	}
	if upd.RunCommand != nil {
		svc.RunCommand = *upd.RunCommand
	}
	if upd.Runtime != nil {
		svc.Runtime = *upd.Runtime
	}
	if upd.DockerfilePath != nil {
		svc.DockerfilePath = *upd.DockerfilePath
	}
	if upd.DockerContext != nil {
		svc.DockerContext = *upd.DockerContext
	}
	if upd.DockerContainerPort != nil {
		svc.DockerContainerPort = *upd.DockerContainerPort
	}
	if upd.ImageRetainCount != nil {
		svc.ImageRetainCount = *upd.ImageRetainCount
	}
	if upd.BaseImage != nil {
		svc.BaseImage = *upd.BaseImage
	}
	if upd.Language != nil {
		svc.Language = *upd.Language
	}
	if upd.Port != nil {
		svc.Port = *upd.Port
	}
	if upd.Hostname != nil {
		svc.Hostname = *upd.Hostname
	}
	if upd.HealthCheckPath != nil {
		svc.HealthCheckPath = *upd.HealthCheckPath
	}
	if upd.HealthCheckInterval != nil {
		svc.HealthCheckInterval = *upd.HealthCheckInterval
	}
	if upd.EnvironmentVars != nil {
		svc.EnvironmentVars = *upd.EnvironmentVars
	}
}

func (s *MemoryStore) DeleteService(ctx context.Context, stackID, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getServiceLocked(stackID, serviceID); err != nil {
		return err
	}
	delete(s.services, serviceID)
	for id, v := range s.versions {
		if v.ServiceID == serviceID {
			delete(s.versions, id)
		}
	}
	_, err := s.bumpStackLocked(stackID)
	return err
}

// --- Blue/green version operations ---

func (s *MemoryStore) serviceVersionsLocked(serviceID string) []*ServiceVersion {
	var out []*ServiceVersion
	for _, v := range s.versions {
		if v.ServiceID == serviceID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out
}

func (s *MemoryStore) ListVersions(ctx context.Context, stackID, serviceID string, limit int) ([]*ServiceVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getServiceLocked(stackID, serviceID); err != nil {
		return nil, err
	}
	versions := s.serviceVersionsLocked(serviceID)
	if limit > 0 && len(versions) > limit {
		versions = versions[:limit]
	}
	out := make([]*ServiceVersion, 0, len(versions))
	for _, v := range versions {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListStackVersions(ctx context.Context, stackID string) ([]*ServiceVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ServiceVersion
	for _, v := range s.versions {
		if v.StackID == stackID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

func (s *MemoryStore) GetVersion(ctx context.Context, serviceID, versionID string) (*ServiceVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[versionID]
	if !ok || v.ServiceID != serviceID {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) StageVersion(ctx context.Context, stackID, serviceID, versionID, commitRef string) (*ServiceVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, err := s.getServiceLocked(stackID, serviceID)
	if err != nil {
		return nil, err
	}

	next := 1
	for _, v := range s.versions {
		if v.ServiceID == serviceID && v.VersionNumber >= next {
			next = v.VersionNumber + 1
		}
	}

	version := &ServiceVersion{
		ID:            versionID,
		ServiceID:     serviceID,
		StackID:       stackID,
		CommitRef:     commitRef,
		VersionNumber: next,
		Status:        VersionStatusPending,
		Healthy:       false,
		IsActive:      false,
		CreatedAt:     time.Now(),
	}
	s.versions[versionID] = version

	if svc.BlueGreenMode {
		// Stage into the inactive slot; the live slot and gitCommit stay put.
		svc.SetVersionID(svc.ActiveVersionSlot.Other(), versionID)
	} else {
		svc.GitCommit = commitRef
	}
	svc.UpdatedAt = time.Now()

	// Retention: keep only the most recent rows for this service.
	all := s.serviceVersionsLocked(serviceID)
	for i := VersionRetainCount; i < len(all); i++ {
		delete(s.versions, all[i].ID)
	}

	if _, err := s.bumpStackLocked(stackID); err != nil {
		return nil, err
	}
	cp := *version
	return &cp, nil
}

func (s *MemoryStore) SetVersionHealth(ctx context.Context, stackID, serviceID, versionID string, healthy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getServiceLocked(stackID, serviceID); err != nil {
		return err
	}
	v, ok := s.versions[versionID]
	if !ok || v.ServiceID != serviceID {
		return ErrNotFound
	}
	v.Healthy = healthy
	if healthy && (v.Status == VersionStatusPending || v.Status == VersionStatusBuilding) {
		v.Status = VersionStatusReady
		now := time.Now()
		v.BuiltAt = &now
	}
	return nil
}

func (s *MemoryStore) SetBlueGreenMode(ctx context.Context, stackID, serviceID string, enabled bool) (*Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, err := s.getServiceLocked(stackID, serviceID)
	if err != nil {
		return nil, err
	}
	svc.BlueGreenMode = enabled
	svc.UpdatedAt = time.Now()
	if _, err := s.bumpStackLocked(stackID); err != nil {
		return nil, err
	}
	return copyService(svc), nil
}

func (s *MemoryStore) SwitchSlot(ctx context.Context, stackID, serviceID string, target Slot) (*ServiceVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, err := s.getServiceLocked(stackID, serviceID)
	if err != nil {
		return nil, err
	}
	if !svc.BlueGreenMode {
		return nil, ErrBlueGreenDisabled
	}
	targetID := svc.VersionID(target)
	if targetID == "" {
		return nil, ErrSlotEmpty
	}
	version, ok := s.versions[targetID]
	if !ok || version.ServiceID != serviceID {
		return nil, ErrNotFound
	}
	// Health gate and promotion happen under the same lock: fail closed
	// with no state change, or apply the whole write set.
	if !version.Healthy {
		return nil, ErrVersionUnhealthy
	}

	svc.ActiveVersionSlot = target
	svc.GitCommit = version.CommitRef
	svc.UpdatedAt = time.Now()
	for _, v := range s.versions {
		if v.ServiceID == serviceID {
			v.IsActive = false
		}
	}
	version.IsActive = true

	if _, err := s.bumpStackLocked(stackID); err != nil {
		return nil, err
	}
	cp := *version
	return &cp, nil
}

func (s *MemoryStore) RollbackVersion(ctx context.Context, stackID, serviceID, versionID string) (*ServiceVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, err := s.getServiceLocked(stackID, serviceID)
	if err != nil {
		return nil, err
	}
	version, ok := s.versions[versionID]
	if !ok || version.ServiceID != serviceID {
		return nil, ErrNotFound
	}
	if !version.Healthy {
		return nil, ErrVersionUnhealthy
	}

	// Rollback is keyed by version id, not slot: only gitCommit and the
	// isActive flags move; the slot labeling stays as it was.
	svc.GitCommit = version.CommitRef
	svc.UpdatedAt = time.Now()
	for _, v := range s.versions {
		if v.ServiceID == serviceID {
			v.IsActive = false
		}
	}
	version.IsActive = true

	if _, err := s.bumpStackLocked(stackID); err != nil {
		return nil, err
	}
	cp := *version
	return &cp, nil
}

// --- Agent operations ---

func (s *MemoryStore) CreateAgent(ctx context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stacks[agent.StackID]; !ok {
		return ErrNotFound
	}
	now := time.Now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = AgentStatusPending
	}
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, stackID, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[agentID]
	if !ok || a.StackID != stackID {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if hash == "" {
		return nil, ErrNotFound
	}
	for _, a := range s.agents {
		if a.APIKeyHash == hash {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetAgentByInstallToken(ctx context.Context, token string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if token == "" {
		return nil, ErrNotFound
	}
	for _, a := range s.agents {
		if a.InstallToken == token {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListAgents(ctx context.Context, stackID string) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Agent
	for _, a := range s.agents {
		if a.StackID == stackID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateAgent(ctx context.Context, stackID, agentID string, upd AgentUpdate) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok || a.StackID != stackID {
		return nil, ErrNotFound
	}
	if upd.Name != nil {
		a.Name = *upd.Name
	}
	if upd.Endpoint != nil {
		a.Endpoint = *upd.Endpoint
	}
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, stackID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok || a.StackID != stackID {
		return ErrNotFound
	}
	delete(s.agents, agentID)
	delete(s.heartbeats, a.ID)
	return nil
}

func (s *MemoryStore) ActivateAgent(ctx context.Context, agentID, apiKeyHash, hostname, ipAddress string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	a.APIKeyHash = apiKeyHash
	a.InstallToken = ""
	a.Hostname = hostname
	a.IPAddress = ipAddress
	a.Status = AgentStatusOnline
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

// --- Heartbeat operations ---

func (s *MemoryStore) RecordHeartbeat(ctx context.Context, hb *Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[hb.AgentID]
	if !ok {
		return ErrNotFound
	}
	if hb.CreatedAt.IsZero() {
		hb.CreatedAt = time.Now()
	}
	cp := *hb
	s.heartbeats[hb.AgentID] = append(s.heartbeats[hb.AgentID], &cp)

	now := hb.CreatedAt
	a.LastHeartbeatAt = &now
	a.Status = AgentStatusOnline
	if hb.StackVersion > 0 {
		a.LastSeenVersion = hb.StackVersion
	}
	if hb.SecurityState != nil {
		a.SecurityMode = hb.SecurityState.Mode
		a.ExternalExposure = hb.SecurityState.ExternalExposure
		a.TunnelConnected = hb.SecurityState.TunnelConnected
	}
	a.UpdatedAt = now
	return nil
}

func (s *MemoryStore) LatestHeartbeat(ctx context.Context, agentID string) (*Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.heartbeats[agentID]
	if len(log) == 0 {
		return nil, ErrNotFound
	}
	cp := *log[len(log)-1]
	return &cp, nil
}

// --- Webhook token operations ---

func (s *MemoryStore) CreateWebhookToken(ctx context.Context, tok *WebhookToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stacks[tok.StackID]; !ok {
		return ErrNotFound
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now()
	}
	cp := *tok
	s.tokens[tok.ID] = &cp
	return nil
}

func (s *MemoryStore) ListWebhookTokens(ctx context.Context, stackID string) ([]*WebhookToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*WebhookToken
	for _, tok := range s.tokens {
		if tok.StackID == stackID {
			cp := *tok
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RevokeWebhookToken(ctx context.Context, stackID, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[tokenID]
	if !ok || tok.StackID != stackID {
		return ErrNotFound
	}
	tok.Active = false
	return nil
}

func (s *MemoryStore) ConsumeWebhookToken(ctx context.Context, stackID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tok := range s.tokens {
		if tok.StackID != stackID || tok.Token != token {
			continue
		}
		if !tok.Active {
			return ErrTokenInvalid
		}
		if tok.ExpiresAt != nil && time.Now().After(*tok.ExpiresAt) {
			return ErrTokenInvalid
		}
		now := time.Now()
		tok.LastUsedAt = &now
		return nil
	}
	return ErrTokenInvalid
}
