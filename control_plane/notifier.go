package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/logger"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/observability"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/store"
)

// Notifier pushes best-effort change notifications to agent endpoints after
// a mutation has committed. Push is advisory only: an agent that misses one
// observes the bumped version on its next poll. Nothing here retries, and
// nothing here can fail the mutation that triggered it.
type Notifier struct {
	store   store.Store
	log     logger.Logger
	client  *http.Client
	timeout time.Duration
	workers int
}

// ChangeEvent describes what changed, carried inside the push payload so an
// agent can log the reason before its next poll.
type ChangeEvent struct {
	Type      string    `json:"change_type"` // git_push, service_update, config_change, manual_trigger
	ServiceID string    `json:"service_id,omitempty"`
	CommitRef string    `json:"commit_ref,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// NotifyResult aggregates one fanout.
type NotifyResult struct {
	Notified int               `json:"notified"`
	Failed   int               `json:"failed"`
	Errors   map[string]string `json:"errors,omitempty"`
}

func NewNotifier(s store.Store, log logger.Logger, timeout time.Duration, workers int) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if workers <= 0 {
		workers = 8
	}
	return &Notifier{
		store:   s,
		log:     log,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		workers: workers,
	}
}

// NotifyStack fans out to every agent of the stack that has an endpoint
// configured. Each call is independent: one agent failing never aborts the
// others.
func (n *Notifier) NotifyStack(stackID string, event ChangeEvent) NotifyResult {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout+10*time.Second)
	defer cancel()

	if event.ChangedAt.IsZero() {
		event.ChangedAt = time.Now().UTC()
	}

	result := NotifyResult{Errors: map[string]string{}}

	stack, err := n.store.GetStack(ctx, stackID)
	if err != nil {
		n.log.Warn("notify skipped, stack lookup failed",
			logger.String("stack_id", stackID), logger.Error(err))
		return result
	}
	agents, err := n.store.ListAgents(ctx, stackID)
	if err != nil {
		n.log.Warn("notify skipped, agent lookup failed",
			logger.String("stack_id", stackID), logger.Error(err))
		return result
	}

	var targets []*store.Agent
	for _, agent := range agents {
		if agent.Endpoint != "" {
			targets = append(targets, agent)
		}
	}
	if len(targets) == 0 {
		return result
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, n.workers)
	)
	for _, agent := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(agent *store.Agent) {
			defer wg.Done()
			defer func() { <-sem }()

			err := n.NotifyAgent(ctx, agent, stack.Version, event)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Errors[agent.ID] = err.Error()
			} else {
				result.Notified++
			}
		}(agent)
	}
	wg.Wait()

	if result.Failed > 0 {
		n.log.Warn("notification fanout completed with failures",
			logger.String("stack_id", stackID),
			logger.Int("notified", result.Notified),
			logger.Int("failed", result.Failed),
		)
	} else {
		n.log.Debug("notification fanout completed",
			logger.String("stack_id", stackID),
			logger.Int("notified", result.Notified),
		)
	}
	return result
}

// NotifyAgent performs one bounded-time push to an agent's notify endpoint.
func (n *Notifier) NotifyAgent(ctx context.Context, agent *store.Agent, version int64, event ChangeEvent) error {
	start := time.Now()

	if event.ChangedAt.IsZero() {
		event.ChangedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(struct {
		StackID string `json:"stack_id"`
		Version int64  `json:"version"`
		ChangeEvent
	}{StackID: agent.StackID, Version: version, ChangeEvent: event})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	url := strings.TrimSuffix(agent.Endpoint, "/") + "/notify"
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		observability.NotifyAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	observability.NotifyDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			observability.NotifyAttempts.WithLabelValues("timeout").Inc()
		} else {
			observability.NotifyAttempts.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("contact agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.NotifyAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}

	observability.NotifyAttempts.WithLabelValues("ok").Inc()
	return nil
}
