package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/config"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/idempotency"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/logger"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/middleware"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/observability"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/store"
)

type API struct {
	store     store.Store
	log       logger.Logger
	cfg       *config.Config
	notifier  *Notifier
	hub       *EventHub
	dashboard *DashboardService

	idempotency *idempotency.Store

	// Storm Protection
	heartbeatLimiter *middleware.KeyedLimiter
	webhookLimiter   *middleware.KeyedLimiter
}

func NewAPI(cfg *config.Config, s store.Store, log logger.Logger, notifier *Notifier, hub *EventHub, idem *idempotency.Store) *API {
	return &API{
		store:            s,
		log:              log,
		cfg:              cfg,
		notifier:         notifier,
		hub:              hub,
		dashboard:        NewDashboardService(s),
		idempotency:      idem,
		heartbeatLimiter: middleware.NewKeyedLimiter(cfg.HeartbeatRateLimit, cfg.HeartbeatBurst),
		// Webhook bursts come from CI fanout, not agents; a fixed budget
		// per stack is enough.
		webhookLimiter: middleware.NewKeyedLimiter(5, 10),
	}
}

// Router assembles the full HTTP surface.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.Log(a.log))
	r.Use(middleware.CORS)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Agent surface: API-key authenticated pull + heartbeat, plus the
	// unauthenticated install-token exchange.
	r.Post("/api/agents/register", a.handleAgentRegister)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AgentAuth(a.store))
		r.Get("/api/agent/desired-state", a.handleDesiredState)
		r.With(middleware.RateLimit(a.heartbeatLimiter, "heartbeat")).
			Post("/api/agent/heartbeat", a.handleHeartbeat)
	})

	// Webhook ingestion: per-stack bearer token, validated in the handler.
	r.Post("/api/webhooks/github/{stackID}", a.handleGitHubPush)

	// Operator surface.
	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminAuth(a.cfg.AdminAPIKey))

		r.Get("/api/stacks", a.handleListStacks)
		r.Post("/api/stacks", a.withIdempotency(a.handleCreateStack))

		r.Route("/api/stacks/{stackID}", func(r chi.Router) {
			r.Get("/", a.handleGetStack)
			r.Patch("/", a.handleUpdateStack)
			r.Delete("/", a.handleDeleteStack)
			r.Get("/versions", a.handleListStackVersions)

			r.Get("/services", a.handleListServices)
			r.Post("/services", a.withIdempotency(a.handleCreateService))
			r.Route("/services/{serviceID}", func(r chi.Router) {
				r.Get("/", a.handleGetService)
				r.Patch("/", a.handleUpdateService)
				r.Delete("/", a.handleDeleteService)

				r.Get("/versions", a.handleListVersions)
				r.Post("/versions/toggle-blue-green", a.handleToggleBlueGreen)
				r.Post("/versions/switch", a.handleSwitchSlot)
				r.Post("/versions/rollback", a.handleRollback)
				r.Post("/versions/report-health", a.handleReportHealth)
			})

			r.Get("/agents", a.handleListAgents)
			r.Post("/agents/tokens", a.handleCreateAgentToken)
			r.Route("/agents/{agentID}", func(r chi.Router) {
				r.Get("/", a.handleGetAgent)
				r.Patch("/", a.handleUpdateAgent)
				r.Delete("/", a.handleDeleteAgent)
				r.Post("/trigger-refresh", a.handleTriggerRefresh)
			})

			r.Get("/webhook-tokens", a.handleListWebhookTokens)
			r.Post("/webhook-tokens", a.handleCreateWebhookToken)
			r.Delete("/webhook-tokens/{tokenID}", a.handleRevokeWebhookToken)
		})

		r.Get("/api/dashboard", a.handleDashboard)
		r.Get("/ws/dashboard", a.handleDashboardSocket)
	})

	return r
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string, details ...string) {
	body := errorBody{Error: msg}
	if len(details) > 0 {
		body.Details = details[0]
	}
	writeJSON(w, status, body)
}

// writeStoreError maps store sentinels onto the API error taxonomy.
func (a *API) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicateName):
		writeError(w, http.StatusConflict, "a service with that name already exists in this stack")
	case errors.Is(err, store.ErrBlueGreenDisabled):
		writeError(w, http.StatusBadRequest, "blue/green mode is not enabled for this service")
	case errors.Is(err, store.ErrSlotEmpty):
		writeError(w, http.StatusBadRequest, "target slot has no staged version")
	case errors.Is(err, store.ErrVersionUnhealthy):
		writeError(w, http.StatusBadRequest, "target version has not passed health verification")
	case errors.Is(err, store.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	default:
		a.log.Error("store error", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func newID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// withIdempotency rejects repeated X-Idempotency-Key submissions on
// resource-creating endpoints within the replay window.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}
		if !a.idempotency.FirstDelivery(r.Context(), "mutation:"+key) {
			writeError(w, http.StatusConflict, "duplicate request", "idempotency key already used")
			return
		}
		next(w, r)
	}
}

// notifyAfterMutation fires the best-effort push without holding the request.
func (a *API) notifyAfterMutation(stackID, mutation string) {
	a.notifyAfterMutationDetail(stackID, mutation, "", "")
}

// notifyAfterMutationDetail is the webhook variant carrying the staged
// service and commit in the push payload.
func (a *API) notifyAfterMutationDetail(stackID, mutation, serviceID, commitRef string) {
	observability.StackVersionBumps.WithLabelValues(mutation).Inc()
	event := ChangeEvent{
		Type:      changeType(mutation),
		ServiceID: serviceID,
		CommitRef: commitRef,
		ChangedAt: time.Now().UTC(),
	}
	go a.notifier.NotifyStack(stackID, event)
	a.hub.Publish(Event{Type: "stack_changed", StackID: stackID, Data: map[string]string{"mutation": mutation}})
}

// changeType folds the fine-grained mutation names into the event kinds
// agents understand.
func changeType(mutation string) string {
	switch mutation {
	case "webhook_push":
		return "git_push"
	case "service_create", "service_update", "service_delete":
		return "service_update"
	default:
		return "config_change"
	}
}

// --- Stack handlers ---

func (a *API) handleListStacks(w http.ResponseWriter, r *http.Request) {
	stacks, err := a.store.ListStacks(r.Context())
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	if stacks == nil {
		stacks = []*store.Stack{}
	}
	writeJSON(w, http.StatusOK, stacks)
}

func (a *API) handleCreateStack(w http.ResponseWriter, r *http.Request) {
	var req StackCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stack := req.ToStack(newID())
	if err := a.store.CreateStack(r.Context(), stack); err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stack)
}

type stackDetail struct {
	*store.Stack
	Services []*store.Service `json:"services"`
	Agents   []agentView      `json:"agents"`
}

func (a *API) handleGetStack(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	stack, err := a.store.GetStack(r.Context(), stackID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	services, err := a.store.ListServices(r.Context(), stackID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	agents, err := a.store.ListAgents(r.Context(), stackID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	if services == nil {
		services = []*store.Service{}
	}
	writeJSON(w, http.StatusOK, stackDetail{
		Stack:    stack,
		Services: services,
		Agents:   agentViews(agents, stack.HeartbeatInterval),
	})
}

func (a *API) handleUpdateStack(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")

	var req StackPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stack, err := a.store.UpdateStack(r.Context(), stackID, req.ToUpdate())
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.notifyAfterMutation(stackID, "stack_update")
	writeJSON(w, http.StatusOK, stack)
}

func (a *API) handleDeleteStack(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	if err := a.store.DeleteStack(r.Context(), stackID); err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) handleListStackVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := a.store.ListStackVersions(r.Context(), chi.URLParam(r, "stackID"))
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	if versions == nil {
		versions = []*store.ServiceVersion{}
	}
	writeJSON(w, http.StatusOK, versions)
}
