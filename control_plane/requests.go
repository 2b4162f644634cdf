package main

import (
	"errors"
	"fmt"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/store"
)

// Each mutation endpoint decodes into its own typed request body. Validation
// and coercion happen once here; nothing downstream sees untyped maps.

// --- Stacks ---

type StackCreateRequest struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	PollInterval      int    `json:"poll_interval"`
	SecurityMode      string `json:"security_mode"`
	ExternalProxyPort int    `json:"external_proxy_port"`
	HeartbeatInterval int    `json:"heartbeat_interval"`
}

func (r *StackCreateRequest) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.SecurityMode != "" && !validSecurityMode(r.SecurityMode) {
		return fmt.Errorf("invalid security_mode %q", r.SecurityMode)
	}
	if r.PollInterval < 0 || r.HeartbeatInterval < 0 {
		return errors.New("intervals must be positive")
	}
	return nil
}

func (r *StackCreateRequest) ToStack(id string) *store.Stack {
	stack := &store.Stack{
		ID:                id,
		Name:              r.Name,
		Description:       r.Description,
		Version:           1,
		PollInterval:      r.PollInterval,
		SecurityMode:      r.SecurityMode,
		ExternalProxyPort: r.ExternalProxyPort,
		HeartbeatInterval: r.HeartbeatInterval,
	}
	if stack.PollInterval == 0 {
		stack.PollInterval = 30
	}
	if stack.HeartbeatInterval == 0 {
		stack.HeartbeatInterval = 30
	}
	if stack.SecurityMode == "" {
		stack.SecurityMode = "none"
	}
	if stack.ExternalProxyPort == 0 {
		stack.ExternalProxyPort = 8080
	}
	return stack
}

type StackPatchRequest struct {
	Name              *string `json:"name"`
	Description       *string `json:"description"`
	PollInterval      *int    `json:"poll_interval"`
	HeartbeatInterval *int    `json:"heartbeat_interval"`
	SecurityMode      *string `json:"security_mode"`
	ExternalProxyPort *int    `json:"external_proxy_port"`
}

func (r *StackPatchRequest) Validate() error {
	if r.Name != nil && *r.Name == "" {
		return errors.New("name cannot be empty")
	}
	if r.SecurityMode != nil && !validSecurityMode(*r.SecurityMode) {
		return fmt.Errorf("invalid security_mode %q", *r.SecurityMode)
	}
	if r.PollInterval != nil && *r.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if r.HeartbeatInterval != nil && *r.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	return nil
}

func (r *StackPatchRequest) ToUpdate() store.StackUpdate {
	return store.StackUpdate{
		Name:              r.Name,
		Description:       r.Description,
		PollInterval:      r.PollInterval,
		HeartbeatInterval: r.HeartbeatInterval,
		SecurityMode:      r.SecurityMode,
		ExternalProxyPort: r.ExternalProxyPort,
	}
}

func validSecurityMode(mode string) bool {
	switch mode {
	case "none", "daemon-port", "blocked":
		return true
	}
	return false
}

// --- Services ---

type ServiceCreateRequest struct {
	Name                string            `json:"name"`
	ServiceType         string            `json:"service_type"`
	GitURL              string            `json:"git_url"`
	GitRef              string            `json:"git_ref"`
	GitSSHKey           string            `json:"git_ssh_key"`
	DockerImage         string            `json:"docker_image"`
	DockerRunArgs       string            `json:"docker_run_args"`
	BuildCommand        string            `json:"build_command"`
	RunCommand          string            `json:"run_command"`
	Runtime             string            `json:"runtime"`
	DockerfilePath      string            `json:"dockerfile_path"`
	DockerContext       string            `json:"docker_context"`
	DockerContainerPort int               `json:"docker_container_port"`
	ImageRetainCount    int               `json:"image_retain_count"`
	BaseImage           string            `json:"base_image"`
	Language            string            `json:"language"`
	Port                int               `json:"port"`
	Hostname            string            `json:"hostname"`
	HealthCheckPath     string            `json:"health_check_path"`
	HealthCheckInterval int               `json:"health_check_interval"`
	EnvironmentVars     map[string]string `json:"environment_vars"`
}

func (r *ServiceCreateRequest) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	switch r.ServiceType {
	case "", store.ServiceTypeGit:
		if r.GitURL == "" {
			return errors.New("git_url is required for git services")
		}
	case store.ServiceTypeDocker:
		if r.DockerImage == "" {
			return errors.New("docker_image is required for docker services")
		}
	default:
		return fmt.Errorf("invalid service_type %q", r.ServiceType)
	}
	return nil
}

func (r *ServiceCreateRequest) ToService(id, stackID string) *store.Service {
	svc := &store.Service{
		ID:                  id,
		StackID:             stackID,
		Name:                r.Name,
		ServiceType:         r.ServiceType,
		GitURL:              r.GitURL,
		GitRef:              r.GitRef,
		GitSSHKey:           r.GitSSHKey,
		DockerImage:         r.DockerImage,
		DockerRunArgs:       r.DockerRunArgs,
		BuildCommand:        r.BuildCommand,
		RunCommand:          r.RunCommand,
		Runtime:             r.Runtime,
		DockerfilePath:      r.DockerfilePath,
		DockerContext:       r.DockerContext,
		DockerContainerPort: r.DockerContainerPort,
		ImageRetainCount:    r.ImageRetainCount,
		BaseImage:           r.BaseImage,
		Language:            r.Language,
		Port:                r.Port,
		Hostname:            r.Hostname,
		HealthCheckPath:     r.HealthCheckPath,
		HealthCheckInterval: r.HealthCheckInterval,
		EnvironmentVars:     r.EnvironmentVars,
		ActiveVersionSlot:   store.SlotBlue,
	}
	if svc.ServiceType == "" {
		svc.ServiceType = store.ServiceTypeGit
	}
	if svc.GitRef == "" && svc.ServiceType == store.ServiceTypeGit {
		svc.GitRef = "main"
	}
	if svc.Language == "" {
		svc.Language = "auto"
	}
	if svc.HealthCheckInterval == 0 {
		svc.HealthCheckInterval = 30
	}
	if svc.EnvironmentVars == nil {
		svc.EnvironmentVars = map[string]string{}
	}
	return svc
}

type ServicePatchRequest struct {
	Name                *string            `json:"name"`
	ServiceType         *string            `json:"service_type"`
	GitURL              *string            `json:"git_url"`
	GitRef              *string            `json:"git_ref"`
	GitCommit           *string            `json:"git_commit"`
	GitSSHKey           *string            `json:"git_ssh_key"`
	DockerImage         *string            `json:"docker_image"`
	DockerRunArgs       *string            `json:"docker_run_args"`
	BuildCommand        *string            `json:"build_command"`
	RunCommand          *string            `json:"run_command"`
	Runtime             *string            `json:"runtime"`
	DockerfilePath      *string            `json:"dockerfile_path"`
	DockerContext       *string            `json:"docker_context"`
	DockerContainerPort *int               `json:"docker_container_port"`
	ImageRetainCount    *int               `json:"image_retain_count"`
	BaseImage           *string            `json:"base_image"`
	Language            *string            `json:"language"`
	Port                *int               `json:"port"`
	Hostname            *string            `json:"hostname"`
	HealthCheckPath     *string            `json:"health_check_path"`
	HealthCheckInterval *int               `json:"health_check_interval"`
	EnvironmentVars     *map[string]string `json:"environment_vars"`
}

// Validate checks the patch against the service's effective shape after the
// update would apply.
func (r *ServicePatchRequest) Validate(current *store.Service) error {
	if r.Name != nil && *r.Name == "" {
		return errors.New("name cannot be empty")
	}
	if r.Port != nil && (*r.Port <= 0 || *r.Port > 65535) {
		return errors.New("port must be between 1 and 65535")
	}

	effectiveType := current.ServiceType
	if r.ServiceType != nil {
		effectiveType = *r.ServiceType
	}
	switch effectiveType {
	case store.ServiceTypeGit:
		gitURL := current.GitURL
		if r.GitURL != nil {
			gitURL = *r.GitURL
		}
		if gitURL == "" {
			return errors.New("git_url is required for git services")
		}
	case store.ServiceTypeDocker:
		image := current.DockerImage
		if r.DockerImage != nil {
			image = *r.DockerImage
		}
		if image == "" {
			return errors.New("docker_image is required for docker services")
		}
	default:
		return fmt.Errorf("invalid service_type %q", effectiveType)
	}
	return nil
}

func (r *ServicePatchRequest) ToUpdate() store.ServiceUpdate {
	return store.ServiceUpdate{
		Name:                r.Name,
		ServiceType:         r.ServiceType,
		GitURL:              r.GitURL,
		GitRef:              r.GitRef,
		GitCommit:           r.GitCommit,
		GitSSHKey:           r.GitSSHKey,
		DockerImage:         r.DockerImage,
		DockerRunArgs:       r.DockerRunArgs,
		BuildCommand:        r.BuildCommand,
		RunCommand:          r.RunCommand,
		Runtime:             r.Runtime,
		DockerfilePath:      r.DockerfilePath,
		DockerContext:       r.DockerContext,
		DockerContainerPort: r.DockerContainerPort,
		ImageRetainCount:    r.ImageRetainCount,
		BaseImage:           r.BaseImage,
		Language:            r.Language,
		Port:                r.Port,
		Hostname:            r.Hostname,
		HealthCheckPath:     r.HealthCheckPath,
		HealthCheckInterval: r.HealthCheckInterval,
		EnvironmentVars:     r.EnvironmentVars,
	}
}

// --- Blue/green operations ---

type ToggleBlueGreenRequest struct {
	Enabled *bool `json:"enabled"`
}

type SwitchRequest struct {
	TargetSlot string `json:"target_slot"`
}

func (r *SwitchRequest) Validate() error {
	if !store.Slot(r.TargetSlot).Valid() {
		return fmt.Errorf("invalid target_slot %q, expected blue or green", r.TargetSlot)
	}
	return nil
}

type RollbackRequest struct {
	VersionID string `json:"version_id"`
}

func (r *RollbackRequest) Validate() error {
	if r.VersionID == "" {
		return errors.New("version_id is required")
	}
	return nil
}

type ReportHealthRequest struct {
	VersionID string `json:"version_id"`
	Healthy   *bool  `json:"healthy"`
}

func (r *ReportHealthRequest) Validate() error {
	if r.VersionID == "" {
		return errors.New("version_id is required")
	}
	if r.Healthy == nil {
		return errors.New("healthy is required")
	}
	return nil
}

// --- Agents ---

type AgentTokenRequest struct {
	Name string `json:"name"`
}

type AgentRegisterRequest struct {
	InstallToken string `json:"install_token"`
	Hostname     string `json:"hostname"`
	IPAddress    string `json:"ip_address"`
}

func (r *AgentRegisterRequest) Validate() error {
	if r.InstallToken == "" {
		return errors.New("install_token is required")
	}
	return nil
}

type AgentPatchRequest struct {
	Name     *string `json:"name"`
	Endpoint *string `json:"endpoint"`
}

// --- Webhook tokens ---

type WebhookTokenCreateRequest struct {
	Description      string `json:"description"`
	ExpiresInMinutes int    `json:"expires_in_minutes"`
}

func (r *WebhookTokenCreateRequest) Validate() error {
	if r.ExpiresInMinutes < 0 {
		return errors.New("expires_in_minutes must be positive")
	}
	return nil
}

// --- Webhook payload ---

type PushEvent struct {
	Ref        string `json:"ref"`
	HeadCommit struct {
		ID string `json:"id"`
	} `json:"head_commit"`
	Repository struct {
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
}

// --- Heartbeat ---

type HeartbeatRequest struct {
	StackVersion   int64                 `json:"stack_version"`
	AgentStatus    string                `json:"agent_status"`
	ServicesStatus []store.ServiceStatus `json:"services_status"`
	SecurityState  *store.SecurityState  `json:"security_state"`
	SystemInfo     map[string]string     `json:"system_info"`
}
