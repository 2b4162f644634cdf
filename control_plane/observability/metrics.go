package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests tracks API requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pad_http_requests_total",
		Help: "Total number of API requests handled",
	}, []string{"route", "method", "status"})

	// HTTPRequestDuration tracks API handler latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pad_http_request_duration_seconds",
		Help:    "API handler latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	// StackVersionBumps tracks ledger increments by mutation kind.
	StackVersionBumps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pad_stack_version_bumps_total",
		Help: "Total number of stack version increments",
	}, []string{"mutation"})

	// HeartbeatsReceived tracks accepted agent heartbeats.
	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pad_heartbeats_received_total",
		Help: "Total number of accepted agent heartbeats",
	})

	// APIRateLimited tracks requests rejected by the rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pad_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// NotifyAttempts tracks best-effort agent pushes after mutations.
	NotifyAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pad_notify_attempts_total",
		Help: "Agent change notifications attempted, by outcome",
	}, []string{"result"}) // ok, error, timeout, skipped

	// NotifyDuration tracks the per-agent push roundtrip.
	NotifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pad_notify_duration_seconds",
		Help:    "Per-agent notification roundtrip latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
	})

	// WebhookDeliveries tracks incoming push webhooks by outcome.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pad_webhook_deliveries_total",
		Help: "Incoming repository webhooks, by outcome",
	}, []string{"result"}) // matched, unmatched, replay, unauthorized, failed

	// DesiredStateCompiles tracks compiled desired-state documents.
	DesiredStateCompiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pad_desired_state_compiles_total",
		Help: "Total number of desired-state documents compiled",
	})

	// ConnectedAgents tracks agents considered connected by heartbeat recency.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pad_connected_agents",
		Help: "Current number of agents with a recent heartbeat",
	})

	// SlotSwitches tracks blue/green promotions and rollbacks.
	SlotSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pad_slot_switches_total",
		Help: "Blue/green slot promotions and rollbacks, by outcome",
	}, []string{"kind", "result"}) // kind: switch, rollback

	// DashboardClients tracks live dashboard websocket subscribers.
	DashboardClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pad_dashboard_clients",
		Help: "Current number of dashboard event stream subscribers",
	})
)
