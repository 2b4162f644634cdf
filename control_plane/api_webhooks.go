package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/auth"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/logger"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/observability"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/store"
)

// --- Token admin ---

func (a *API) handleCreateWebhookToken(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	if _, err := a.store.GetStack(r.Context(), stackID); err != nil {
		a.writeStoreError(w, err)
		return
	}

	var req WebhookTokenCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token := auth.NewToken(auth.PrefixWebhookToken)
	record := &store.WebhookToken{
		ID:          newID(),
		StackID:     stackID,
		Token:       token,
		Description: req.Description,
		Active:      true,
	}
	if req.ExpiresInMinutes > 0 {
		exp := time.Now().Add(time.Duration(req.ExpiresInMinutes) * time.Minute)
		record.ExpiresAt = &exp
	}
	if err := a.store.CreateWebhookToken(r.Context(), record); err != nil {
		a.writeStoreError(w, err)
		return
	}

	// The token value is shown once here and never echoed back by list.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":          record.ID,
		"token":       token,
		"description": record.Description,
		"expires_at":  record.ExpiresAt,
	})
}

func (a *API) handleListWebhookTokens(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	if _, err := a.store.GetStack(r.Context(), stackID); err != nil {
		a.writeStoreError(w, err)
		return
	}
	tokens, err := a.store.ListWebhookTokens(r.Context(), stackID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	if tokens == nil {
		tokens = []*store.WebhookToken{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (a *API) handleRevokeWebhookToken(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	if err := a.store.RevokeWebhookToken(r.Context(), stackID, chi.URLParam(r, "tokenID")); err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- Push ingestion ---

// normalizeRepoURL strips the .git suffix and trailing slash so clone URLs
// and web URLs compare equal.
func normalizeRepoURL(url string) string {
	url = strings.TrimSuffix(strings.TrimSpace(url), "/")
	return strings.TrimSuffix(url, ".git")
}

func (a *API) handleGitHubPush(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")

	if !a.webhookLimiter.Allow(stackID) {
		observability.APIRateLimited.WithLabelValues("webhook").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		observability.WebhookDeliveries.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if err := a.store.ConsumeWebhookToken(r.Context(), stackID, token); err != nil {
		observability.WebhookDeliveries.WithLabelValues("unauthorized").Inc()
		a.writeStoreError(w, err)
		return
	}

	// Providers retry deliveries; the delivery ID makes retries no-ops. The
	// ID is recorded only after a version was actually staged, so a retry
	// can still land when the first attempt died on a store error.
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID != "" && a.idempotency.Seen(r.Context(), "webhook:"+deliveryID) {
		observability.WebhookDeliveries.WithLabelValues("replay").Inc()
		writeJSON(w, http.StatusOK, map[string]interface{}{"updated_count": 0, "replay": true})
		return
	}

	var event PushEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if event.HeadCommit.ID == "" {
		writeError(w, http.StatusBadRequest, "head_commit.id is required")
		return
	}

	branch := strings.TrimPrefix(event.Ref, "refs/heads/")
	repoURL := normalizeRepoURL(event.Repository.CloneURL)
	if repoURL == "" {
		repoURL = normalizeRepoURL(event.Repository.HTMLURL)
	}

	services, err := a.store.ListServices(r.Context(), stackID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	matched := 0
	updated := 0
	stagedServiceID := ""
	for _, svc := range services {
		if svc.ServiceType != store.ServiceTypeGit {
			continue
		}
		if normalizeRepoURL(svc.GitURL) != repoURL || svc.GitRef != branch {
			continue
		}
		matched++
		if _, err := a.store.StageVersion(r.Context(), stackID, svc.ID, newID(), event.HeadCommit.ID); err != nil {
			a.log.Error("webhook staging failed",
				logger.String("stack_id", stackID),
				logger.String("service_id", svc.ID),
				logger.Error(err),
			)
			continue
		}
		updated++
		stagedServiceID = svc.ID
	}

	// Nothing staged for a matching push means the store write failed.
	// Answer 5xx without recording the delivery ID; the provider retry is
	// the recovery path, the poll side has no version row to converge on.
	if matched > 0 && updated == 0 {
		observability.WebhookDeliveries.WithLabelValues("failed").Inc()
		writeError(w, http.StatusInternalServerError, "failed to stage update, delivery will be retried")
		return
	}

	if updated > 0 {
		if deliveryID != "" {
			a.idempotency.Record(r.Context(), "webhook:"+deliveryID)
		}
		if updated > 1 {
			stagedServiceID = "" // payload names the service only when unambiguous
		}
		observability.WebhookDeliveries.WithLabelValues("matched").Inc()
		a.notifyAfterMutationDetail(stackID, "webhook_push", stagedServiceID, event.HeadCommit.ID)
	} else {
		observability.WebhookDeliveries.WithLabelValues("unmatched").Inc()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"updated_count": updated,
		"commit":        event.HeadCommit.ID,
		"branch":        branch,
	})
}
