package store

import (
	"time"
)

// Slot names one of the two blue/green version pointers on a Service.
type Slot string

const (
	SlotBlue  Slot = "blue"
	SlotGreen Slot = "green"
)

// Valid reports whether s is one of the two known slot literals.
func (s Slot) Valid() bool {
	return s == SlotBlue || s == SlotGreen
}

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	if s == SlotBlue {
		return SlotGreen
	}
	return SlotBlue
}

// Service type discriminator.
const (
	ServiceTypeGit    = "git"
	ServiceTypeDocker = "docker"
)

// ServiceVersion build statuses.
const (
	VersionStatusPending  = "pending"
	VersionStatusBuilding = "building"
	VersionStatusReady    = "ready"
	VersionStatusFailed   = "failed"
)

// Agent lifecycle statuses.
const (
	AgentStatusPending = "pending"
	AgentStatusOnline  = "online"
	AgentStatusOffline = "offline"
)

// VersionRetainCount is how many ServiceVersion rows are kept per service.
// Older rows are pruned when a new version is staged.
const VersionRetainCount = 10

// Stack is a named collection of Services and Agents with a single
// monotonic version counter. Version starts at 1 and is incremented
// atomically by every mutation that affects the stack's desired state.
type Stack struct {
	ID                string    `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	Description       string    `json:"description" db:"description"`
	Version           int64     `json:"version" db:"version"`
	PollInterval      int       `json:"poll_interval" db:"poll_interval"` // seconds
	SecurityMode      string    `json:"security_mode" db:"security_mode"` // "none", "daemon-port", "blocked"
	ExternalProxyPort int       `json:"external_proxy_port" db:"external_proxy_port"`
	HeartbeatInterval int       `json:"heartbeat_interval" db:"heartbeat_interval"` // seconds
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Service is one deployable unit within a Stack, either built from git or
// run from a docker image. When BlueGreenMode is set, GitCommit follows the
// commit ref of whichever ServiceVersion is live.
type Service struct {
	ID                  string            `json:"id" db:"id"`
	StackID             string            `json:"stack_id" db:"stack_id"`
	Name                string            `json:"name" db:"name"`
	ServiceType         string            `json:"service_type" db:"service_type"`
	GitURL              string            `json:"git_url" db:"git_url"`
	GitRef              string            `json:"git_ref" db:"git_ref"`
	GitCommit           string            `json:"git_commit" db:"git_commit"`
	GitSSHKey           string            `json:"git_ssh_key" db:"git_ssh_key"`
	DockerImage         string            `json:"docker_image" db:"docker_image"`
	DockerRunArgs       string            `json:"docker_run_args" db:"docker_run_args"`
	BuildCommand        string            `json:"build_command" db:"build_command"`
	RunCommand          string            `json:"run_command" db:"run_command"`
	Runtime             string            `json:"runtime" db:"runtime"`
	DockerfilePath      string            `json:"dockerfile_path" db:"dockerfile_path"`
	DockerContext       string            `json:"docker_context" db:"docker_context"`
	DockerContainerPort int               `json:"docker_container_port" db:"docker_container_port"`
	ImageRetainCount    int               `json:"image_retain_count" db:"image_retain_count"`
	BaseImage           string            `json:"base_image" db:"base_image"`
	Language            string            `json:"language" db:"language"`
	Port                int               `json:"port" db:"port"`
	Hostname            string            `json:"hostname" db:"hostname"`
	HealthCheckPath     string            `json:"health_check_path" db:"health_check_path"`
	HealthCheckInterval int               `json:"health_check_interval" db:"health_check_interval"`
	EnvironmentVars     map[string]string `json:"environment_vars" db:"environment_vars"` // JSONB in Postgres
	BlueGreenMode       bool              `json:"blue_green_mode" db:"blue_green_mode"`
	ActiveVersionSlot   Slot              `json:"active_version_slot" db:"active_version_slot"`
	BlueVersionID       string            `json:"blue_version_id" db:"blue_version_id"`   // empty = no version staged
	GreenVersionID      string            `json:"green_version_id" db:"green_version_id"` // empty = no version staged
	CreatedAt           time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at" db:"updated_at"`
}

// VersionID returns the version id currently assigned to the given slot.
func (s *Service) VersionID(slot Slot) string {
	if slot == SlotBlue {
		return s.BlueVersionID
	}
	return s.GreenVersionID
}

// SetVersionID assigns a version id to the given slot.
func (s *Service) SetVersionID(slot Slot, versionID string) {
	if slot == SlotBlue {
		s.BlueVersionID = versionID
	} else {
		s.GreenVersionID = versionID
	}
}

// ServiceVersion is an immutable record of one commit staged for a Service.
// At most one version per service has IsActive set.
type ServiceVersion struct {
	ID            string     `json:"id" db:"id"`
	ServiceID     string     `json:"service_id" db:"service_id"`
	StackID       string     `json:"stack_id" db:"stack_id"` // denormalized for stack-wide queries
	CommitRef     string     `json:"commit_ref" db:"commit_ref"`
	VersionNumber int        `json:"version_number" db:"version_number"`
	Status        string     `json:"status" db:"status"`
	Healthy       bool       `json:"healthy" db:"healthy"`
	IsActive      bool       `json:"is_active" db:"is_active"`
	BuiltAt       *time.Time `json:"built_at" db:"built_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Agent is a remote process that polls desired state for one Stack.
// Created pending with an install token; registration exchanges the token
// for an API key (stored hashed) and moves the agent online.
type Agent struct {
	ID               string     `json:"id" db:"id"`
	StackID          string     `json:"stack_id" db:"stack_id"`
	Name             string     `json:"name" db:"name"`
	InstallToken     string     `json:"-" db:"install_token"` // cleared on registration
	APIKeyHash       string     `json:"-" db:"api_key_hash"`
	Hostname         string     `json:"hostname" db:"hostname"`
	IPAddress        string     `json:"ip_address" db:"ip_address"`
	Endpoint         string     `json:"endpoint" db:"endpoint"` // inbound notify URL, optional
	SecurityMode     string     `json:"security_mode" db:"security_mode"`
	ExternalExposure string     `json:"external_exposure" db:"external_exposure"`
	TunnelConnected  bool       `json:"tunnel_connected" db:"tunnel_connected"`
	Status           string     `json:"status" db:"status"`
	LastHeartbeatAt  *time.Time `json:"last_heartbeat_at" db:"last_heartbeat_at"`
	LastSeenVersion  int64      `json:"last_seen_version" db:"last_seen_version"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// ServiceStatus is one per-service entry of an agent heartbeat.
type ServiceStatus struct {
	ServiceID    string `json:"service_id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	HealthStatus string `json:"health_status"`
	RestartCount int    `json:"restart_count"`
	LastError    string `json:"last_error"`
}

// SecurityState is the agent-reported security posture.
type SecurityState struct {
	Mode             string `json:"mode"`
	ExternalExposure string `json:"external_exposure"`
	TunnelConnected  bool   `json:"tunnel_connected"`
}

// Heartbeat is one append-only status submission from an agent. Only the
// latest row per agent is operationally relevant; older rows are audit.
type Heartbeat struct {
	ID             string            `json:"id" db:"id"`
	AgentID        string            `json:"agent_id" db:"agent_id"`
	StackVersion   int64             `json:"stack_version" db:"stack_version"` // 0 = not reported
	AgentStatus    string            `json:"agent_status" db:"agent_status"`
	ServicesStatus []ServiceStatus   `json:"services_status" db:"services_status"`
	SecurityState  *SecurityState    `json:"security_state" db:"security_state"`
	SystemInfo     map[string]string `json:"system_info" db:"system_info"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}

// WebhookToken authorizes the git webhook ingestion path for one stack.
type WebhookToken struct {
	ID          string     `json:"id" db:"id"`
	StackID     string     `json:"stack_id" db:"stack_id"`
	Token       string     `json:"-" db:"token"` // never echoed after creation
	Description string     `json:"description" db:"description"`
	Active      bool       `json:"active" db:"active"`
	ExpiresAt   *time.Time `json:"expires_at" db:"expires_at"`
	LastUsedAt  *time.Time `json:"last_used_at" db:"last_used_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// StackUpdate carries the optional fields of a stack PATCH. Nil means
// "leave unchanged".
type StackUpdate struct {
	Name              *string
	Description       *string
	PollInterval      *int
	HeartbeatInterval *int
	SecurityMode      *string
	ExternalProxyPort *int
}

// ServiceUpdate carries the optional fields of a service PATCH.
type ServiceUpdate struct {
	Name                *string
	ServiceType         *string
	GitURL              *string
	GitRef              *string
	GitCommit           *string
	GitSSHKey           *string
	DockerImage         *string
	DockerRunArgs       *string
	BuildCommand        *string
	RunCommand          *string
	Runtime             *string
	DockerfilePath      *string
	DockerContext       *string
	DockerContainerPort *int
	ImageRetainCount    *int
	BaseImage           *string
	Language            *string
	Port                *int
	Hostname            *string
	HealthCheckPath     *string
	HealthCheckInterval *int
	EnvironmentVars     *map[string]string
}

// AgentUpdate carries the operator-editable fields of an agent PATCH.
type AgentUpdate struct {
	Name     *string
	Endpoint *string
}
