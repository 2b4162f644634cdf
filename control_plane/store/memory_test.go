package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStack(t *testing.T, s *MemoryStore) *Stack {
	t.Helper()
	stack := &Stack{
		ID:                "stack-1",
		Name:              "prod",
		Version:           1,
		PollInterval:      30,
		HeartbeatInterval: 30,
		SecurityMode:      "none",
	}
	if err := s.CreateStack(context.Background(), stack); err != nil {
		t.Fatalf("CreateStack: %v", err)
	}
	return stack
}

func newTestService(t *testing.T, s *MemoryStore, stackID, id, name string) *Service {
	t.Helper()
	svc := &Service{
		ID:          id,
		StackID:     stackID,
		Name:        name,
		ServiceType: ServiceTypeGit,
		GitURL:      "https://github.com/acme/" + name,
		GitRef:      "main",
		Port:        3000,
	}
	if err := s.CreateService(context.Background(), svc); err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	return svc
}

func stackVersion(t *testing.T, s *MemoryStore, stackID string) int64 {
	t.Helper()
	stack, err := s.GetStack(context.Background(), stackID)
	if err != nil {
		t.Fatalf("GetStack: %v", err)
	}
	return stack.Version
}

func TestVersionLedgerBumpsPerMutation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	stack := newTestStack(t, s)

	if got := stackVersion(t, s, stack.ID); got != 1 {
		t.Fatalf("fresh stack version = %d, want 1", got)
	}

	newTestService(t, s, stack.ID, "svc-1", "api") // +1
	name := "api-renamed"
	if _, err := s.UpdateService(ctx, stack.ID, "svc-1", ServiceUpdate{Name: &name}); err != nil { // +1
		t.Fatalf("UpdateService: %v", err)
	}
	if _, err := s.SetBlueGreenMode(ctx, stack.ID, "svc-1", true); err != nil { // +1
		t.Fatalf("SetBlueGreenMode: %v", err)
	}
	if _, err := s.StageVersion(ctx, stack.ID, "svc-1", "v-1", "abc123"); err != nil { // +1
		t.Fatalf("StageVersion: %v", err)
	}

	if got := stackVersion(t, s, stack.ID); got != 5 {
		t.Fatalf("version after 4 mutations = %d, want 5", got)
	}
}

func TestHealthReportDoesNotBumpVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	stack := newTestStack(t, s)
	newTestService(t, s, stack.ID, "svc-1", "api")

	if _, err := s.SetBlueGreenMode(ctx, stack.ID, "svc-1", true); err != nil {
		t.Fatalf("SetBlueGreenMode: %v", err)
	}
	if _, err := s.StageVersion(ctx, stack.ID, "svc-1", "v-1", "abc123"); err != nil {
		t.Fatalf("StageVersion: %v", err)
	}
	before := stackVersion(t, s, stack.ID)

	if err := s.SetVersionHealth(ctx, stack.ID, "svc-1", "v-1", true); err != nil {
		t.Fatalf("SetVersionHealth: %v", err)
	}
	if got := stackVersion(t, s, stack.ID); got != before {
		t.Fatalf("health report bumped version: %d -> %d", before, got)
	}

	v, err := s.GetVersion(ctx, "svc-1", "v-1")
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if !v.Healthy || v.Status != VersionStatusReady || v.BuiltAt == nil {
		t.Fatalf("health report did not promote status: %+v", v)
	}
}

func TestConcurrentBumpsSerialize(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	stack := newTestStack(t, s)
	newTestService(t, s, stack.ID, "svc-1", "api")
	before := stackVersion(t, s, stack.ID)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			desc := fmt.Sprintf("edit-%d", i)
			if _, err := s.UpdateStack(ctx, stack.ID, StackUpdate{Description: &desc}); err != nil {
				t.Errorf("UpdateStack: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := stackVersion(t, s, stack.ID); got != before+2 {
		t.Fatalf("two concurrent mutations produced version %d, want %d", got, before+2)
	}
}

func TestStageVersionTargetsInactiveSlot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	stack := newTestStack(t, s)
	newTestService(t, s, stack.ID, "svc-1", "api")

	if _, err := s.SetBlueGreenMode(ctx, stack.ID, "svc-1", true); err != nil {
		t.Fatalf("SetBlueGreenMode: %v", err)
	}
	v, err := s.StageVersion(ctx, stack.ID, "svc-1", "v-1", "abc123")
	if err != nil {
		t.Fatalf("StageVersion: %v", err)
	}
	if v.VersionNumber != 1 || v.Healthy || v.IsActive || v.Status != VersionStatusPending {
		t.Fatalf("staged version has wrong shape: %+v", v)
	}

	svc, err := s.GetService(ctx, stack.ID, "svc-1")
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	if svc.ActiveVersionSlot != SlotBlue {
		t.Fatalf("staging moved the active slot to %s", svc.ActiveVersionSlot)
	}
	if svc.GreenVersionID != "v-1" {
		t.Fatalf("staged version not in inactive slot: blue=%q green=%q", svc.BlueVersionID, svc.GreenVersionID)
	}
	if svc.GitCommit != "" {
		t.Fatalf("staging changed the live commit to %q", svc.GitCommit)
	}
}

func TestSwitchFailsClosedOnUnhealthyTarget(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	stack := newTestStack(t, s)
	newTestService(t, s, stack.ID, "svc-1", "api")

	if _, err := s.SetBlueGreenMode(ctx, stack.ID, "svc-1", true); err != nil {
		t.Fatalf("SetBlueGreenMode: %v", err)
	}
	if _, err := s.StageVersion(ctx, stack.ID, "svc-1", "v-1", "abc123"); err != nil {
		t.Fatalf("StageVersion: %v", err)
	}
	before := stackVersion(t, s, stack.ID)

	_, err := s.SwitchSlot(ctx, stack.ID, "svc-1", SlotGreen)
	if !errors.Is(err, ErrVersionUnhealthy) {
		t.Fatalf("SwitchSlot on unhealthy target: err = %v, want ErrVersionUnhealthy", err)
	}

	svc, _ := s.GetService(ctx, stack.ID, "svc-1")
	if svc.ActiveVersionSlot != SlotBlue || svc.GitCommit != "" {
		t.Fatalf("failed switch left side effects: slot=%s commit=%q", svc.ActiveVersionSlot, svc.GitCommit)
	}
	if got := stackVersion(t, s, stack.ID); got != before {
		t.Fatalf("failed switch bumped version: %d -> %d", before, got)
	}
}

func TestSwitchPromotesHealthyTarget(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	stack := newTestStack(t, s)
	newTestService(t, s, stack.ID, "svc-1", "api")

	if _, err := s.SetBlueGreenMode(ctx, stack.ID, "svc-1", true); err != nil {
		t.Fatalf("SetBlueGreenMode: %v", err)
	}
	if _, err := s.StageVersion(ctx, stack.ID, "svc-1", "v-1", "abc123"); err != nil {
		t.Fatalf("StageVersion: %v", err)
	}
	if err := s.SetVersionHealth(ctx, stack.ID, "svc-1", "v-1", true); err != nil {
		t.Fatalf("SetVersionHealth: %v", err)
	}
	before := stackVersion(t, s, stack.ID)

	v, err := s.SwitchSlot(ctx, stack.ID, "svc-1", SlotGreen)
	if err != nil {
		t.Fatalf("SwitchSlot: %v", err)
	}
	if !v.IsActive {
		t.Fatalf("promoted version not active: %+v", v)
	}

	svc, _ := s.GetService(ctx, stack.ID, "svc-1")
	if svc.ActiveVersionSlot != SlotGreen {
		t.Fatalf("active slot = %s, want green", svc.ActiveVersionSlot)
	}
	if svc.GitCommit != "abc123" {
		t.Fatalf("live commit = %q, want abc123", svc.GitCommit)
	}
	if got := stackVersion(t, s, stack.ID); got != before+1 {
		t.Fatalf("switch bumped version to %d, want %d", got, before+1)
	}
}

func TestSwitchErrorsOnEmptySlotAndDisabledMode(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	stack := newTestStack(t, s)
	newTestService(t, s, stack.ID, "svc-1", "api")

	if _, err := s.SwitchSlot(ctx, stack.ID, "svc-1", SlotGreen); !errors.Is(err, ErrBlueGreenDisabled) {
		t.Fatalf("switch with mode off: err = %v, want ErrBlueGreenDisabled", err)
	}

	if _, err := s.SetBlueGreenMode(ctx, stack.ID, "svc-1", true); err != nil {
		t.Fatalf("SetBlueGreenMode: %v", err)
	}
	if _, err := s.SwitchSlot(ctx, stack.ID, "svc-1", SlotGreen); !errors.Is(err, ErrSlotEmpty) {
		t.Fatalf("switch to empty slot: err = %v, want ErrSlotEmpty", err)
	}
}

func TestAtMostOneActiveVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	stack := newTestStack(t, s)
	newTestService(t, s, stack.ID, "svc-1", "api")

	if _, err := s.SetBlueGreenMode(ctx, stack.ID, "svc-1", true); err != nil {
		t.Fatalf("SetBlueGreenMode: %v", err)
	}
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("v-%d", i)
		if _, err := s.StageVersion(ctx, stack.ID, "svc-1", id, fmt.Sprintf("commit-%d", i)); err != nil {
			t.Fatalf("StageVersion %s: %v", id, err)
		}
		if err := s.SetVersionHealth(ctx, stack.ID, "svc-1", id, true); err != nil {
			t.Fatalf("SetVersionHealth %s: %v", id, err)
		}
	}

	for _, id := range []string{"v-1", "v-2", "v-3", "v-2"} {
		if _, err := s.RollbackVersion(ctx, stack.ID, "svc-1", id); err != nil {
			t.Fatalf("RollbackVersion %s: %v", id, err)
		}
		versions, err := s.ListVersions(ctx, stack.ID, "svc-1", 0)
		if err != nil {
			t.Fatalf("ListVersions: %v", err)
		}
		active := 0
		for _, v := range versions {
			if v.IsActive {
				active++
			}
		}
		if active != 1 {
			t.Fatalf("after activating %s: %d active versions, want 1", id, active)
		}
	}
}

func TestRollbackKeepsSlotLabel(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	stack := newTestStack(t, s)
	newTestService(t, s, stack.ID, "svc-1", "api")

	if _, err := s.SetBlueGreenMode(ctx, stack.ID, "svc-1", true); err != nil {
		t.Fatalf("SetBlueGreenMode: %v", err)
	}
	if _, err := s.StageVersion(ctx, stack.ID, "svc-1", "v-1", "old-commit"); err != nil {
		t.Fatalf("StageVersion: %v", err)
	}
	if err := s.SetVersionHealth(ctx, stack.ID, "svc-1", "v-1", true); err != nil {
		t.Fatalf("SetVersionHealth: %v", err)
	}
	if _, err := s.SwitchSlot(ctx, stack.ID, "svc-1", SlotGreen); err != nil {
		t.Fatalf("SwitchSlot: %v", err)
	}
	if _, err := s.StageVersion(ctx, stack.ID, "svc-1", "v-2", "new-commit"); err != nil {
		t.Fatalf("StageVersion: %v", err)
	}

	if _, err := s.RollbackVersion(ctx, stack.ID, "svc-1", "v-1"); err != nil {
		t.Fatalf("RollbackVersion: %v", err)
	}

	svc, _ := s.GetService(ctx, stack.ID, "svc-1")
	if svc.ActiveVersionSlot != SlotGreen {
		t.Fatalf("rollback moved the slot label to %s", svc.ActiveVersionSlot)
	}
	if svc.GitCommit != "old-commit" {
		t.Fatalf("rollback commit = %q, want old-commit", svc.GitCommit)
	}
}

func TestVersionRetention(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	stack := newTestStack(t, s)
	newTestService(t, s, stack.ID, "svc-1", "api")

	if _, err := s.SetBlueGreenMode(ctx, stack.ID, "svc-1", true); err != nil {
		t.Fatalf("SetBlueGreenMode: %v", err)
	}
	for i := 1; i <= 15; i++ {
		id := fmt.Sprintf("v-%d", i)
		if _, err := s.StageVersion(ctx, stack.ID, "svc-1", id, fmt.Sprintf("commit-%d", i)); err != nil {
			t.Fatalf("StageVersion %s: %v", id, err)
		}
	}

	versions, err := s.ListVersions(ctx, stack.ID, "svc-1", 0)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != VersionRetainCount {
		t.Fatalf("retained %d versions, want %d", len(versions), VersionRetainCount)
	}
	if versions[0].VersionNumber != 15 || versions[len(versions)-1].VersionNumber != 6 {
		t.Fatalf("retention kept wrong window: newest=%d oldest=%d",
			versions[0].VersionNumber, versions[len(versions)-1].VersionNumber)
	}
}

func TestDuplicateServiceName(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	stack := newTestStack(t, s)
	newTestService(t, s, stack.ID, "svc-1", "api")

	dup := &Service{ID: "svc-2", StackID: stack.ID, Name: "api", ServiceType: ServiceTypeGit, GitURL: "https://github.com/acme/api", Port: 3001}
	if err := s.CreateService(ctx, dup); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate create: err = %v, want ErrDuplicateName", err)
	}

	newTestService(t, s, stack.ID, "svc-3", "worker")
	name := "api"
	if _, err := s.UpdateService(ctx, stack.ID, "svc-3", ServiceUpdate{Name: &name}); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate rename: err = %v, want ErrDuplicateName", err)
	}
}

func TestHeartbeatUpdatesAgent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	stack := newTestStack(t, s)

	agent := &Agent{ID: "agent-1", StackID: stack.ID, InstallToken: "tok"}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	hb := &Heartbeat{
		ID:           "hb-1",
		AgentID:      "agent-1",
		StackVersion: 7,
		AgentStatus:  "healthy",
		SecurityState: &SecurityState{
			Mode:             "daemon-port",
			ExternalExposure: "proxy",
			TunnelConnected:  true,
		},
	}
	if err := s.RecordHeartbeat(ctx, hb); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}

	got, err := s.GetAgent(ctx, stack.ID, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Status != AgentStatusOnline || got.LastHeartbeatAt == nil {
		t.Fatalf("heartbeat did not mark agent online: %+v", got)
	}
	if got.LastSeenVersion != 7 {
		t.Fatalf("lastSeenVersion = %d, want 7", got.LastSeenVersion)
	}
	if got.SecurityMode != "daemon-port" || !got.TunnelConnected {
		t.Fatalf("security posture not mirrored: %+v", got)
	}

	// Absent stack_version leaves lastSeenVersion alone.
	if err := s.RecordHeartbeat(ctx, &Heartbeat{ID: "hb-2", AgentID: "agent-1", AgentStatus: "unknown"}); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	got, _ = s.GetAgent(ctx, stack.ID, "agent-1")
	if got.LastSeenVersion != 7 {
		t.Fatalf("partial heartbeat reset lastSeenVersion to %d", got.LastSeenVersion)
	}

	latest, err := s.LatestHeartbeat(ctx, "agent-1")
	if err != nil {
		t.Fatalf("LatestHeartbeat: %v", err)
	}
	if latest.ID != "hb-2" {
		t.Fatalf("latest heartbeat = %s, want hb-2", latest.ID)
	}
}

func TestWebhookTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	stack := newTestStack(t, s)

	past := time.Now().Add(-time.Minute)
	tokens := []*WebhookToken{
		{ID: "t-1", StackID: stack.ID, Token: "good", Active: true},
		{ID: "t-2", StackID: stack.ID, Token: "revoked", Active: true},
		{ID: "t-3", StackID: stack.ID, Token: "expired", Active: true, ExpiresAt: &past},
	}
	for _, tok := range tokens {
		if err := s.CreateWebhookToken(ctx, tok); err != nil {
			t.Fatalf("CreateWebhookToken: %v", err)
		}
	}
	if err := s.RevokeWebhookToken(ctx, stack.ID, "t-2"); err != nil {
		t.Fatalf("RevokeWebhookToken: %v", err)
	}

	if err := s.ConsumeWebhookToken(ctx, stack.ID, "good"); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	for _, bad := range []string{"revoked", "expired", "unknown"} {
		if err := s.ConsumeWebhookToken(ctx, stack.ID, bad); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("token %q: err = %v, want ErrTokenInvalid", bad, err)
		}
	}

	listed, err := s.ListWebhookTokens(ctx, stack.ID)
	if err != nil {
		t.Fatalf("ListWebhookTokens: %v", err)
	}
	var used *WebhookToken
	for _, tok := range listed {
		if tok.ID == "t-1" {
			used = tok
		}
	}
	if used == nil || used.LastUsedAt == nil {
		t.Fatalf("successful consume did not stamp lastUsedAt")
	}
}

func TestDeleteServiceCascadesVersions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	stack := newTestStack(t, s)
	newTestService(t, s, stack.ID, "svc-1", "api")

	if _, err := s.SetBlueGreenMode(ctx, stack.ID, "svc-1", true); err != nil {
		t.Fatalf("SetBlueGreenMode: %v", err)
	}
	if _, err := s.StageVersion(ctx, stack.ID, "svc-1", "v-1", "abc"); err != nil {
		t.Fatalf("StageVersion: %v", err)
	}
	if err := s.DeleteService(ctx, stack.ID, "svc-1"); err != nil {
		t.Fatalf("DeleteService: %v", err)
	}
	if _, err := s.GetVersion(ctx, "svc-1", "v-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("orphaned version survived delete: err = %v", err)
	}
}
