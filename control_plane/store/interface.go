package store

import (
	"context"
)

// Store defines the durable storage backend for the control plane.
// It abstracts over Postgres (production) and an in-memory implementation
// (tests, single-binary dev mode).
//
// Every mutation that affects a stack's desired state bumps the stack's
// monotonic version counter in the same atomic unit as the mutation itself:
// CreateService, UpdateService, DeleteService, UpdateStack, StageVersion,
// SetBlueGreenMode, SwitchSlot, and RollbackVersion. If the bump cannot be
// applied the whole mutation fails; a reader never observes a partial write
// set. SetVersionHealth deliberately does not bump: marking a staged build
// healthy has no effect on what agents should be running.
type Store interface {
	// Stack operations.
	CreateStack(ctx context.Context, stack *Stack) error
	GetStack(ctx context.Context, stackID string) (*Stack, error)
	ListStacks(ctx context.Context) ([]*Stack, error)
	UpdateStack(ctx context.Context, stackID string, upd StackUpdate) (*Stack, error)
	DeleteStack(ctx context.Context, stackID string) error

	// Service operations, all stack-scoped. CreateService returns
	// ErrDuplicateName when the name is taken within the stack.
	CreateService(ctx context.Context, svc *Service) error
	GetService(ctx context.Context, stackID, serviceID string) (*Service, error)
	ListServices(ctx context.Context, stackID string) ([]*Service, error) // ordered by name
	UpdateService(ctx context.Context, stackID, serviceID string, upd ServiceUpdate) (*Service, error)
	DeleteService(ctx context.Context, stackID, serviceID string) error

	// Blue/green version operations.
	//
	// StageVersion records a new commit for a service: the row gets the next
	// versionNumber, status pending, healthy=false, isActive=false. With
	// blue/green enabled the new id is assigned to the inactive slot without
	// touching the live slot; otherwise the service's gitCommit is updated
	// directly. Rows beyond VersionRetainCount are pruned, oldest first.
	//
	// SwitchSlot and RollbackVersion perform the health check and the
	// promotion as one atomic conditional operation: a concurrent health
	// change cannot slip between check and write, and failure leaves no
	// partial effect (version counter and slot pointers unchanged).
	ListVersions(ctx context.Context, stackID, serviceID string, limit int) ([]*ServiceVersion, error) // versionNumber desc
	ListStackVersions(ctx context.Context, stackID string) ([]*ServiceVersion, error)
	GetVersion(ctx context.Context, serviceID, versionID string) (*ServiceVersion, error)
	StageVersion(ctx context.Context, stackID, serviceID, versionID, commitRef string) (*ServiceVersion, error)
	SetVersionHealth(ctx context.Context, stackID, serviceID, versionID string, healthy bool) error
	SetBlueGreenMode(ctx context.Context, stackID, serviceID string, enabled bool) (*Service, error)
	SwitchSlot(ctx context.Context, stackID, serviceID string, target Slot) (*ServiceVersion, error)
	RollbackVersion(ctx context.Context, stackID, serviceID, versionID string) (*ServiceVersion, error)

	// Agent operations.
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, stackID, agentID string) (*Agent, error)
	GetAgentByAPIKeyHash(ctx context.Context, hash string) (*Agent, error)
	GetAgentByInstallToken(ctx context.Context, token string) (*Agent, error)
	ListAgents(ctx context.Context, stackID string) ([]*Agent, error)
	UpdateAgent(ctx context.Context, stackID, agentID string, upd AgentUpdate) (*Agent, error)
	DeleteAgent(ctx context.Context, stackID, agentID string) error

	// ActivateAgent completes registration: stores the API key hash, clears
	// the install token, records host details, and moves the agent online.
	ActivateAgent(ctx context.Context, agentID, apiKeyHash, hostname, ipAddress string) (*Agent, error)

	// Heartbeat operations. RecordHeartbeat appends the row and updates the
	// agent's liveness fields (lastHeartbeatAt, lastSeenVersion, status,
	// mirrored security posture) in one step. It never touches Service or
	// Stack configuration.
	RecordHeartbeat(ctx context.Context, hb *Heartbeat) error
	LatestHeartbeat(ctx context.Context, agentID string) (*Heartbeat, error)

	// Webhook token operations. ConsumeWebhookToken validates active +
	// unexpired and stamps lastUsedAt; it returns ErrTokenInvalid otherwise.
	CreateWebhookToken(ctx context.Context, tok *WebhookToken) error
	ListWebhookTokens(ctx context.Context, stackID string) ([]*WebhookToken, error)
	RevokeWebhookToken(ctx context.Context, stackID, tokenID string) error
	ConsumeWebhookToken(ctx context.Context, stackID, token string) error

	Close()
}
