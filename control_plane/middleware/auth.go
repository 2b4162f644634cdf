package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/auth"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/store"
)

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// AdminAuth enforces the operator API key on the management surface.
func AdminAuth(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				unauthorized(w, "missing "+APIKeyHeader+" header")
				return
			}
			if !auth.SecureCompare(key, adminKey) {
				unauthorized(w, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AgentAuth resolves the caller's API key to a registered agent and injects
// it into the request context. Keys are matched by stored hash, so a store
// dump never yields usable credentials.
func AgentAuth(s store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				unauthorized(w, "missing "+APIKeyHeader+" header")
				return
			}
			agent, err := s.GetAgentByAPIKeyHash(r.Context(), auth.HashToken(key))
			if err != nil {
				unauthorized(w, "invalid API key")
				return
			}
			ctx := context.WithValue(r.Context(), AgentKey, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
