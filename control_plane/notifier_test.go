package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/logger"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/store"
)

func TestNotifyStackFanout(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	stack := &store.Stack{ID: "stack-1", Name: "prod", Version: 3, PollInterval: 30, HeartbeatInterval: 30, SecurityMode: "none"}
	if err := st.CreateStack(ctx, stack); err != nil {
		t.Fatalf("CreateStack: %v", err)
	}

	var delivered atomic.Int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			StackID    string    `json:"stack_id"`
			Version    int64     `json:"version"`
			ChangeType string    `json:"change_type"`
			ServiceID  string    `json:"service_id"`
			CommitRef  string    `json:"commit_ref"`
			ChangedAt  time.Time `json:"changed_at"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode notify payload: %v", err)
		}
		if body.StackID != "stack-1" || body.Version != 3 {
			t.Errorf("notify payload = %+v", body)
		}
		if body.ChangeType != "git_push" || body.ServiceID != "svc-1" || body.CommitRef != "deadbeef" {
			t.Errorf("change detail = %+v", body)
		}
		if body.ChangedAt.IsZero() {
			t.Errorf("changed_at missing from payload")
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	agents := []*store.Agent{
		{ID: "a-1", StackID: "stack-1", Endpoint: good.URL},
		{ID: "a-2", StackID: "stack-1", Endpoint: good.URL + "/"}, // trailing slash
		{ID: "a-3", StackID: "stack-1", Endpoint: bad.URL},
		{ID: "a-4", StackID: "stack-1"}, // poll-only, no endpoint
	}
	for _, agent := range agents {
		if err := st.CreateAgent(ctx, agent); err != nil {
			t.Fatalf("CreateAgent: %v", err)
		}
	}

	n := NewNotifier(st, logger.Nop(), time.Second, 2)
	result := n.NotifyStack("stack-1", ChangeEvent{
		Type:      "git_push",
		ServiceID: "svc-1",
		CommitRef: "deadbeef",
		ChangedAt: time.Now().UTC(),
	})

	if result.Notified != 2 || result.Failed != 1 {
		t.Fatalf("fanout result = %+v, want 2 notified / 1 failed", result)
	}
	if _, ok := result.Errors["a-3"]; !ok {
		t.Fatalf("failing agent missing from errors: %+v", result.Errors)
	}
	if got := delivered.Load(); got != 2 {
		t.Fatalf("good endpoint hit %d times, want 2", got)
	}
}

func TestNotifyStackNoTargets(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	if err := st.CreateStack(ctx, &store.Stack{ID: "stack-1", Name: "prod", Version: 1}); err != nil {
		t.Fatalf("CreateStack: %v", err)
	}
	if err := st.CreateAgent(ctx, &store.Agent{ID: "a-1", StackID: "stack-1"}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	n := NewNotifier(st, logger.Nop(), time.Second, 2)
	event := ChangeEvent{Type: "config_change"}
	if result := n.NotifyStack("stack-1", event); result.Notified != 0 || result.Failed != 0 {
		t.Fatalf("fanout with no endpoints = %+v, want zero result", result)
	}
	// Unknown stacks are logged and skipped, never fatal.
	if result := n.NotifyStack("nope", event); result.Notified != 0 || result.Failed != 0 {
		t.Fatalf("fanout for unknown stack = %+v, want zero result", result)
	}
}

func TestNotifyAgentTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	n := NewNotifier(store.NewMemoryStore(), logger.Nop(), 50*time.Millisecond, 1)
	agent := &store.Agent{ID: "a-1", StackID: "stack-1", Endpoint: slow.URL}
	if err := n.NotifyAgent(context.Background(), agent, 1, ChangeEvent{Type: "manual_trigger"}); err == nil {
		t.Fatalf("expected timeout error from slow agent")
	}
}
