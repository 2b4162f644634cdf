package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/config"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/idempotency"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/logger"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/store"
)

const testAdminKey = "test-admin-key"

type harness struct {
	t      *testing.T
	server *httptest.Server
	store  *store.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Config{
		AdminAPIKey:        testAdminKey,
		NotifyTimeout:      time.Second,
		NotifyWorkers:      2,
		HeartbeatRateLimit: 50,
		HeartbeatBurst:     50,
		IdempotencyTTL:     time.Minute,
	}
	log := logger.Nop()
	st := store.NewMemoryStore()

	hub := NewEventHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	api := NewAPI(cfg, st, log, NewNotifier(st, log, cfg.NotifyTimeout, cfg.NotifyWorkers), hub, idempotency.NewStore(nil, cfg.IdempotencyTTL))
	server := httptest.NewServer(api.Router())
	t.Cleanup(server.Close)

	return &harness{t: t, server: server, store: st}
}

// do issues one request and decodes the JSON response into a generic map.
func (h *harness) do(method, path string, headers map[string]string, body interface{}) (int, map[string]interface{}) {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	// List endpoints return arrays; callers that need those decode the raw
	// body themselves, everything else gets the object form.
	decoded := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			h.t.Fatalf("decode response %s: %v", raw, err)
		}
	}
	return resp.StatusCode, decoded
}

func (h *harness) admin(method, path string, body interface{}) (int, map[string]interface{}) {
	h.t.Helper()
	return h.do(method, path, map[string]string{"X-API-Key": testAdminKey}, body)
}

func (h *harness) createStack(name string) string {
	h.t.Helper()
	code, body := h.admin(http.MethodPost, "/api/stacks", map[string]interface{}{"name": name})
	if code != http.StatusCreated {
		h.t.Fatalf("create stack: status %d, body %v", code, body)
	}
	return body["id"].(string)
}

func (h *harness) createService(stackID, name, gitURL string) string {
	h.t.Helper()
	code, body := h.admin(http.MethodPost, "/api/stacks/"+stackID+"/services", map[string]interface{}{
		"name":    name,
		"git_url": gitURL,
		"port":    3000,
	})
	if code != http.StatusCreated {
		h.t.Fatalf("create service: status %d, body %v", code, body)
	}
	return body["id"].(string)
}

func (h *harness) stackVersion(stackID string) int64 {
	h.t.Helper()
	code, body := h.admin(http.MethodGet, "/api/stacks/"+stackID, nil)
	if code != http.StatusOK {
		h.t.Fatalf("get stack: status %d, body %v", code, body)
	}
	return int64(body["version"].(float64))
}

func (h *harness) createWebhookToken(stackID string) string {
	h.t.Helper()
	code, body := h.admin(http.MethodPost, "/api/stacks/"+stackID+"/webhook-tokens", map[string]interface{}{
		"description": "ci",
	})
	if code != http.StatusCreated {
		h.t.Fatalf("create webhook token: status %d, body %v", code, body)
	}
	return body["token"].(string)
}

func TestAdminAuthRequired(t *testing.T) {
	h := newHarness(t)

	if code, _ := h.do(http.MethodGet, "/api/stacks", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("no key: status %d, want 401", code)
	}
	if code, _ := h.do(http.MethodGet, "/api/stacks", map[string]string{"X-API-Key": "wrong"}, nil); code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status %d, want 401", code)
	}
	if code, _ := h.admin(http.MethodGet, "/api/stacks", nil); code != http.StatusOK {
		t.Fatalf("valid key: status %d, want 200", code)
	}
}

// TestDeploymentFlow walks the full release path: create, stage via webhook,
// verify health, switch, roll back. The stack version must tick once per
// configuration mutation and the live commit must follow the promotions.
func TestDeploymentFlow(t *testing.T) {
	h := newHarness(t)

	stackID := h.createStack("prod")
	if got := h.stackVersion(stackID); got != 1 {
		t.Fatalf("fresh stack version = %d, want 1", got)
	}

	serviceID := h.createService(stackID, "api", "https://github.com/acme/api.git")
	if got := h.stackVersion(stackID); got != 2 {
		t.Fatalf("after service create: version = %d, want 2", got)
	}

	base := "/api/stacks/" + stackID + "/services/" + serviceID
	enabled := true
	if code, body := h.admin(http.MethodPost, base+"/versions/toggle-blue-green", map[string]interface{}{"enabled": enabled}); code != http.StatusOK {
		t.Fatalf("toggle: status %d, body %v", code, body)
	}
	if got := h.stackVersion(stackID); got != 3 {
		t.Fatalf("after toggle: version = %d, want 3", got)
	}

	// CI push stages a version into the inactive slot.
	token := h.createWebhookToken(stackID)
	code, body := h.do(http.MethodPost, "/api/webhooks/github/"+stackID,
		map[string]string{"Authorization": "Bearer " + token},
		map[string]interface{}{
			"ref":         "refs/heads/main",
			"head_commit": map[string]string{"id": "deadbeef"},
			"repository":  map[string]string{"clone_url": "https://github.com/acme/api.git"},
		})
	if code != http.StatusOK {
		t.Fatalf("webhook: status %d, body %v", code, body)
	}
	if got := body["updated_count"].(float64); got != 1 {
		t.Fatalf("webhook updated_count = %v, want 1", got)
	}
	if got := h.stackVersion(stackID); got != 4 {
		t.Fatalf("after webhook staging: version = %d, want 4", got)
	}

	code, body = h.admin(http.MethodGet, base+"/versions", nil)
	if code != http.StatusOK {
		t.Fatalf("list versions: status %d, body %v", code, body)
	}
	if body["active_slot"].(string) != "blue" {
		t.Fatalf("staging moved the active slot: %v", body["active_slot"])
	}
	versionID, _ := body["green_version_id"].(string)
	if versionID == "" {
		t.Fatalf("staged version not assigned to green slot: %v", body)
	}

	// Switching before health verification must fail closed.
	code, body = h.admin(http.MethodPost, base+"/versions/switch", map[string]interface{}{"target_slot": "green"})
	if code != http.StatusBadRequest {
		t.Fatalf("switch before health check: status %d, body %v", code, body)
	}
	if got := h.stackVersion(stackID); got != 4 {
		t.Fatalf("failed switch bumped version to %d", got)
	}

	healthy := true
	if code, body := h.admin(http.MethodPost, base+"/versions/report-health", map[string]interface{}{"version_id": versionID, "healthy": healthy}); code != http.StatusOK {
		t.Fatalf("report-health: status %d, body %v", code, body)
	}
	if got := h.stackVersion(stackID); got != 4 {
		t.Fatalf("health report bumped version to %d", got)
	}

	code, body = h.admin(http.MethodPost, base+"/versions/switch", map[string]interface{}{"target_slot": "green"})
	if code != http.StatusOK {
		t.Fatalf("switch: status %d, body %v", code, body)
	}
	if !body["is_active"].(bool) {
		t.Fatalf("switched version not active: %v", body)
	}
	if got := h.stackVersion(stackID); got != 5 {
		t.Fatalf("after switch: version = %d, want 5", got)
	}

	code, body = h.admin(http.MethodGet, base, nil)
	if code != http.StatusOK {
		t.Fatalf("get service: status %d", code)
	}
	if body["git_commit"].(string) != "deadbeef" {
		t.Fatalf("live commit = %v, want deadbeef", body["git_commit"])
	}
	if body["active_version_slot"].(string) != "green" {
		t.Fatalf("active slot = %v, want green", body["active_version_slot"])
	}

	// Rollback re-activates the selected version; the slot label stays put.
	code, body = h.admin(http.MethodPost, base+"/versions/rollback", map[string]interface{}{"version_id": versionID})
	if code != http.StatusOK {
		t.Fatalf("rollback: status %d, body %v", code, body)
	}
	if got := h.stackVersion(stackID); got != 6 {
		t.Fatalf("after rollback: version = %d, want 6", got)
	}
}

func TestSwitchValidation(t *testing.T) {
	h := newHarness(t)
	stackID := h.createStack("prod")
	serviceID := h.createService(stackID, "api", "https://github.com/acme/api")
	base := "/api/stacks/" + stackID + "/services/" + serviceID

	// Unknown slot literal.
	if code, _ := h.admin(http.MethodPost, base+"/versions/switch", map[string]interface{}{"target_slot": "purple"}); code != http.StatusBadRequest {
		t.Fatalf("invalid slot: status %d, want 400", code)
	}

	// Blue/green disabled.
	if code, _ := h.admin(http.MethodPost, base+"/versions/switch", map[string]interface{}{"target_slot": "green"}); code != http.StatusBadRequest {
		t.Fatalf("mode disabled: status %d, want 400", code)
	}

	enabled := true
	if code, _ := h.admin(http.MethodPost, base+"/versions/toggle-blue-green", map[string]interface{}{"enabled": enabled}); code != http.StatusOK {
		t.Fatalf("toggle failed")
	}

	// Empty target slot.
	if code, _ := h.admin(http.MethodPost, base+"/versions/switch", map[string]interface{}{"target_slot": "green"}); code != http.StatusBadRequest {
		t.Fatalf("empty slot: status %d, want 400", code)
	}

	// Unknown service is a 404, not a validation error.
	if code, _ := h.admin(http.MethodPost, "/api/stacks/"+stackID+"/services/nope/versions/switch", map[string]interface{}{"target_slot": "green"}); code != http.StatusNotFound {
		t.Fatalf("unknown service: status %d, want 404", code)
	}
}

func TestDuplicateServiceName(t *testing.T) {
	h := newHarness(t)
	stackID := h.createStack("prod")
	h.createService(stackID, "api", "https://github.com/acme/api")

	code, body := h.admin(http.MethodPost, "/api/stacks/"+stackID+"/services", map[string]interface{}{
		"name":    "api",
		"git_url": "https://github.com/acme/other",
		"port":    3001,
	})
	if code != http.StatusConflict {
		t.Fatalf("duplicate name: status %d, body %v, want 409", code, body)
	}
}

func TestWebhookAuth(t *testing.T) {
	h := newHarness(t)
	stackID := h.createStack("prod")
	payload := map[string]interface{}{
		"ref":         "refs/heads/main",
		"head_commit": map[string]string{"id": "deadbeef"},
		"repository":  map[string]string{"clone_url": "https://github.com/acme/api"},
	}

	if code, _ := h.do(http.MethodPost, "/api/webhooks/github/"+stackID, nil, payload); code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d, want 401", code)
	}
	if code, _ := h.do(http.MethodPost, "/api/webhooks/github/"+stackID, map[string]string{"Authorization": "Bearer bogus"}, payload); code != http.StatusUnauthorized {
		t.Fatalf("bogus token: status %d, want 401", code)
	}

	// Revoked tokens stop working immediately.
	token := h.createWebhookToken(stackID)
	listed, err := h.store.ListWebhookTokens(context.Background(), stackID)
	if err != nil || len(listed) != 1 {
		t.Fatalf("ListWebhookTokens: %v, %d tokens", err, len(listed))
	}
	if code, _ := h.admin(http.MethodDelete, "/api/stacks/"+stackID+"/webhook-tokens/"+listed[0].ID, nil); code != http.StatusOK {
		t.Fatalf("revoke failed")
	}
	if code, _ := h.do(http.MethodPost, "/api/webhooks/github/"+stackID, map[string]string{"Authorization": "Bearer " + token}, payload); code != http.StatusUnauthorized {
		t.Fatalf("revoked token: status %d, want 401", code)
	}
}

func TestWebhookReplayAndMatching(t *testing.T) {
	h := newHarness(t)
	stackID := h.createStack("prod")
	h.createService(stackID, "api", "https://github.com/acme/api.git")
	token := h.createWebhookToken(stackID)
	headers := map[string]string{
		"Authorization":     "Bearer " + token,
		"X-GitHub-Delivery": "delivery-1",
	}
	payload := map[string]interface{}{
		"ref":         "refs/heads/main",
		"head_commit": map[string]string{"id": "deadbeef"},
		// Trailing slash and missing .git still match the configured URL.
		"repository": map[string]string{"clone_url": "https://github.com/acme/api/"},
	}

	code, body := h.do(http.MethodPost, "/api/webhooks/github/"+stackID, headers, payload)
	if code != http.StatusOK || body["updated_count"].(float64) != 1 {
		t.Fatalf("first delivery: status %d, body %v", code, body)
	}
	versionBefore := h.stackVersion(stackID)

	// Provider retry with the same delivery ID is a no-op.
	code, body = h.do(http.MethodPost, "/api/webhooks/github/"+stackID, headers, payload)
	if code != http.StatusOK || body["updated_count"].(float64) != 0 || body["replay"] != true {
		t.Fatalf("replay delivery: status %d, body %v", code, body)
	}
	if got := h.stackVersion(stackID); got != versionBefore {
		t.Fatalf("replay bumped version: %d -> %d", versionBefore, got)
	}

	// A push for another branch matches nothing.
	headers["X-GitHub-Delivery"] = "delivery-2"
	payload["ref"] = "refs/heads/feature"
	code, body = h.do(http.MethodPost, "/api/webhooks/github/"+stackID, headers, payload)
	if code != http.StatusOK || body["updated_count"].(float64) != 0 {
		t.Fatalf("branch mismatch: status %d, body %v", code, body)
	}
}

func TestAgentLifecycle(t *testing.T) {
	h := newHarness(t)
	stackID := h.createStack("prod")
	h.createService(stackID, "api", "https://github.com/acme/api")

	code, body := h.admin(http.MethodPost, "/api/stacks/"+stackID+"/agents/tokens", map[string]interface{}{"name": "vps-1"})
	if code != http.StatusCreated {
		t.Fatalf("create agent token: status %d, body %v", code, body)
	}
	installToken := body["install_token"].(string)
	agentID := body["agent_id"].(string)

	// Registration requires a valid install token.
	if code, _ := h.do(http.MethodPost, "/api/agents/register", nil, map[string]interface{}{"install_token": "bogus"}); code != http.StatusUnauthorized {
		t.Fatalf("bogus install token: status %d, want 401", code)
	}

	code, body = h.do(http.MethodPost, "/api/agents/register", nil, map[string]interface{}{
		"install_token": installToken,
		"hostname":      "vps-1.example.com",
	})
	if code != http.StatusOK {
		t.Fatalf("register: status %d, body %v", code, body)
	}
	apiKey := body["api_key"].(string)
	if apiKey == "" || body["stack_id"].(string) != stackID {
		t.Fatalf("register response: %v", body)
	}

	// Install tokens are single-use.
	if code, _ := h.do(http.MethodPost, "/api/agents/register", nil, map[string]interface{}{"install_token": installToken}); code != http.StatusUnauthorized {
		t.Fatalf("reused install token: status %d, want 401", code)
	}

	agentHeaders := map[string]string{"X-API-Key": apiKey}

	code, body = h.do(http.MethodGet, "/api/agent/desired-state", agentHeaders, nil)
	if code != http.StatusOK {
		t.Fatalf("desired-state: status %d, body %v", code, body)
	}
	if body["stack_id"].(string) != stackID || body["hash"].(string) == "" {
		t.Fatalf("desired-state response: %v", body)
	}
	if len(body["services"].([]interface{})) != 1 {
		t.Fatalf("desired-state services: %v", body["services"])
	}

	code, body = h.do(http.MethodPost, "/api/agent/heartbeat", agentHeaders, map[string]interface{}{
		"stack_version": 2,
		"agent_status":  "healthy",
	})
	if code != http.StatusOK {
		t.Fatalf("heartbeat: status %d, body %v", code, body)
	}

	code, body = h.admin(http.MethodGet, "/api/stacks/"+stackID+"/agents/"+agentID, nil)
	if code != http.StatusOK {
		t.Fatalf("get agent: status %d", code)
	}
	if body["connected"] != true || body["status"].(string) != "online" {
		t.Fatalf("agent after heartbeat: %v", body)
	}
	if body["last_seen_version"].(float64) != 2 {
		t.Fatalf("last_seen_version = %v, want 2", body["last_seen_version"])
	}

	// A revoked key stops authenticating.
	if code, _ := h.do(http.MethodGet, "/api/agent/desired-state", map[string]string{"X-API-Key": "bogus"}, nil); code != http.StatusUnauthorized {
		t.Fatalf("bogus api key: status %d, want 401", code)
	}
}

func TestDesiredStateHashStability(t *testing.T) {
	h := newHarness(t)
	stackID := h.createStack("prod")
	h.createService(stackID, "api", "https://github.com/acme/api")
	ctx := context.Background()

	stack, err := h.store.GetStack(ctx, stackID)
	if err != nil {
		t.Fatalf("GetStack: %v", err)
	}
	first, err := CompileDesiredState(ctx, h.store, stack)
	if err != nil {
		t.Fatalf("CompileDesiredState: %v", err)
	}
	second, err := CompileDesiredState(ctx, h.store, stack)
	if err != nil {
		t.Fatalf("CompileDesiredState: %v", err)
	}
	if first.Hash == "" || first.Hash != second.Hash {
		t.Fatalf("hash not stable across compiles: %q vs %q", first.Hash, second.Hash)
	}

	desc := "edited"
	if _, err := h.store.UpdateStack(ctx, stackID, store.StackUpdate{Description: &desc}); err != nil {
		t.Fatalf("UpdateStack: %v", err)
	}
	stack, _ = h.store.GetStack(ctx, stackID)
	third, err := CompileDesiredState(ctx, h.store, stack)
	if err != nil {
		t.Fatalf("CompileDesiredState: %v", err)
	}
	if third.Hash == first.Hash {
		t.Fatalf("hash unchanged after mutation")
	}
	if third.Version != first.Version+1 {
		t.Fatalf("version = %d, want %d", third.Version, first.Version+1)
	}
}

func TestTriggerRefresh(t *testing.T) {
	h := newHarness(t)
	stackID := h.createStack("prod")
	ctx := context.Background()

	var notified atomic.Int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/notify" {
			t.Errorf("notify path = %s", r.URL.Path)
		}
		var body struct {
			ChangeType string    `json:"change_type"`
			ChangedAt  time.Time `json:"changed_at"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode notify payload: %v", err)
		}
		if body.ChangeType != "manual_trigger" || body.ChangedAt.IsZero() {
			t.Errorf("notify payload = %+v", body)
		}
		notified.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	mkAgent := func(id, endpoint string) {
		if err := h.store.CreateAgent(ctx, &store.Agent{
			ID:       id,
			StackID:  stackID,
			Endpoint: endpoint,
			Status:   store.AgentStatusOnline,
		}); err != nil {
			t.Fatalf("CreateAgent: %v", err)
		}
	}
	mkAgent("agent-good", good.URL)
	mkAgent("agent-bad", bad.URL)
	mkAgent("agent-none", "")

	if code, _ := h.admin(http.MethodPost, fmt.Sprintf("/api/stacks/%s/agents/agent-good/trigger-refresh", stackID), nil); code != http.StatusOK {
		t.Fatalf("trigger-refresh ok path: status %d", code)
	}
	if got := notified.Load(); got != 1 {
		t.Fatalf("agent endpoint hit %d times, want 1", got)
	}

	// Push failure on the explicit single-agent path is the caller's problem.
	if code, _ := h.admin(http.MethodPost, fmt.Sprintf("/api/stacks/%s/agents/agent-bad/trigger-refresh", stackID), nil); code != http.StatusBadGateway {
		t.Fatalf("trigger-refresh failing agent: status %d, want 502", code)
	}

	// No endpoint configured is a request error, not a gateway error.
	if code, _ := h.admin(http.MethodPost, fmt.Sprintf("/api/stacks/%s/agents/agent-none/trigger-refresh", stackID), nil); code != http.StatusBadRequest {
		t.Fatalf("trigger-refresh without endpoint: status %d, want 400", code)
	}
}

// flakyStore fails a set number of StageVersion calls, then delegates.
type flakyStore struct {
	store.Store
	stageFailures atomic.Int32
}

func (s *flakyStore) StageVersion(ctx context.Context, stackID, serviceID, versionID, commitRef string) (*store.ServiceVersion, error) {
	if s.stageFailures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return s.Store.StageVersion(ctx, stackID, serviceID, versionID, commitRef)
}

// A provider retry after a transient store failure must still stage the
// commit: the delivery ID is only remembered once a version row exists.
func TestWebhookRetryAfterStagingFailure(t *testing.T) {
	cfg := &config.Config{
		AdminAPIKey:        testAdminKey,
		NotifyTimeout:      time.Second,
		NotifyWorkers:      2,
		HeartbeatRateLimit: 50,
		HeartbeatBurst:     50,
		IdempotencyTTL:     time.Minute,
	}
	log := logger.Nop()
	mem := store.NewMemoryStore()
	flaky := &flakyStore{Store: mem}

	hub := NewEventHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	api := NewAPI(cfg, flaky, log, NewNotifier(flaky, log, cfg.NotifyTimeout, cfg.NotifyWorkers), hub, idempotency.NewStore(nil, cfg.IdempotencyTTL))
	server := httptest.NewServer(api.Router())
	t.Cleanup(server.Close)

	h := &harness{t: t, server: server, store: mem}
	stackID := h.createStack("prod")
	serviceID := h.createService(stackID, "api", "https://github.com/acme/api.git")
	token := h.createWebhookToken(stackID)

	headers := map[string]string{
		"Authorization":     "Bearer " + token,
		"X-GitHub-Delivery": "delivery-flaky",
	}
	payload := map[string]interface{}{
		"ref":         "refs/heads/main",
		"head_commit": map[string]string{"id": "deadbeef"},
		"repository":  map[string]string{"clone_url": "https://github.com/acme/api.git"},
	}

	flaky.stageFailures.Store(1)
	code, body := h.do(http.MethodPost, "/api/webhooks/github/"+stackID, headers, payload)
	if code != http.StatusInternalServerError {
		t.Fatalf("delivery during store outage: status %d, body %v, want 500", code, body)
	}
	versions, err := mem.ListVersions(context.Background(), stackID, serviceID, 0)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("failed staging left %d version rows", len(versions))
	}

	// Provider retry with the same delivery ID lands once the store is back.
	code, body = h.do(http.MethodPost, "/api/webhooks/github/"+stackID, headers, payload)
	if code != http.StatusOK || body["updated_count"].(float64) != 1 {
		t.Fatalf("retry after outage: status %d, body %v", code, body)
	}
	versions, err = mem.ListVersions(context.Background(), stackID, serviceID, 0)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 1 || versions[0].CommitRef != "deadbeef" {
		t.Fatalf("retry did not stage the commit: %+v", versions)
	}

	// A further resend of the now-processed delivery is a true replay.
	code, body = h.do(http.MethodPost, "/api/webhooks/github/"+stackID, headers, payload)
	if code != http.StatusOK || body["updated_count"].(float64) != 0 || body["replay"] != true {
		t.Fatalf("resend after success: status %d, body %v", code, body)
	}
}

func TestIdempotencyKeyRejection(t *testing.T) {
	h := newHarness(t)
	headers := map[string]string{
		"X-API-Key":         testAdminKey,
		"X-Idempotency-Key": "req-1",
	}

	code, _ := h.do(http.MethodPost, "/api/stacks", headers, map[string]interface{}{"name": "one"})
	if code != http.StatusCreated {
		t.Fatalf("first submission: status %d", code)
	}
	code, _ = h.do(http.MethodPost, "/api/stacks", headers, map[string]interface{}{"name": "two"})
	if code != http.StatusConflict {
		t.Fatalf("repeated idempotency key: status %d, want 409", code)
	}
}

func TestStackNotFound(t *testing.T) {
	h := newHarness(t)

	if code, _ := h.admin(http.MethodGet, "/api/stacks/nope", nil); code != http.StatusNotFound {
		t.Fatalf("unknown stack: status %d, want 404", code)
	}
	if code, _ := h.admin(http.MethodPost, "/api/stacks/nope/services", map[string]interface{}{"name": "api", "git_url": "x", "port": 80}); code != http.StatusNotFound {
		t.Fatalf("service under unknown stack: status %d, want 404", code)
	}
}

func TestStackValidation(t *testing.T) {
	h := newHarness(t)

	if code, _ := h.admin(http.MethodPost, "/api/stacks", map[string]interface{}{}); code != http.StatusBadRequest {
		t.Fatalf("missing name: status %d, want 400", code)
	}
	if code, _ := h.admin(http.MethodPost, "/api/stacks", map[string]interface{}{"name": "x", "security_mode": "invalid"}); code != http.StatusBadRequest {
		t.Fatalf("invalid security_mode: status %d, want 400", code)
	}

	stackID := h.createStack("prod")
	if code, _ := h.admin(http.MethodPost, "/api/stacks/"+stackID+"/services", map[string]interface{}{"name": "api", "git_url": "x", "port": 99999}); code != http.StatusBadRequest {
		t.Fatalf("invalid port: status %d, want 400", code)
	}
	if code, _ := h.admin(http.MethodPost, "/api/stacks/"+stackID+"/services", map[string]interface{}{"name": "api", "port": 80}); code != http.StatusBadRequest {
		t.Fatalf("git service without git_url: status %d, want 400", code)
	}
}
