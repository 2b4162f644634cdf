package middleware

import (
	"context"
	"fmt"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/store"
)

// ContextKey is a strict type for context keys to prevent collisions.
type ContextKey string

const (
	// AgentKey is the context key under which agent auth stores the caller.
	AgentKey ContextKey = "agent"
	// APIKeyHeader carries both operator and agent credentials.
	APIKeyHeader = "X-API-Key"
)

// GetAgentFromContext safely retrieves the authenticated agent.
func GetAgentFromContext(ctx context.Context) (*store.Agent, error) {
	val := ctx.Value(AgentKey)
	if val == nil {
		return nil, fmt.Errorf("agent not found in context")
	}
	agent, ok := val.(*store.Agent)
	if !ok {
		return nil, fmt.Errorf("agent in context has unexpected type")
	}
	return agent, nil
}
