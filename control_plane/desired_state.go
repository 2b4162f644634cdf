package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cespare/xxhash/v2"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/middleware"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/observability"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/store"
)

// DesiredState is the document agents poll for. It is compiled on demand
// from current rows; nothing is cached between requests.
type DesiredState struct {
	StackID           string           `json:"stack_id"`
	Version           int64            `json:"version"`
	Hash              string           `json:"hash"`
	PollInterval      int              `json:"poll_interval"`
	SecurityMode      string           `json:"security_mode"`
	ExternalProxyPort int              `json:"external_proxy_port"`
	Services          []DesiredService `json:"services"`
}

type DesiredService struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	ServiceType         string            `json:"service_type"`
	GitURL              string            `json:"git_url,omitempty"`
	GitRef              string            `json:"git_ref,omitempty"`
	GitCommit           string            `json:"git_commit,omitempty"`
	GitSSHKey           string            `json:"git_ssh_key,omitempty"`
	DockerImage         string            `json:"docker_image,omitempty"`
	DockerRunArgs       string            `json:"docker_run_args,omitempty"`
	BuildCommand        string            `json:"build_command,omitempty"`
	RunCommand          string            `json:"run_command,omitempty"`
	Runtime             string            `json:"runtime,omitempty"`
	DockerfilePath      string            `json:"dockerfile_path,omitempty"`
	DockerContext       string            `json:"docker_context,omitempty"`
	DockerContainerPort int               `json:"docker_container_port,omitempty"`
	ImageRetainCount    int               `json:"image_retain_count,omitempty"`
	BaseImage           string            `json:"base_image,omitempty"`
	Language            string            `json:"language,omitempty"`
	Port                int               `json:"port"`
	Hostname            string            `json:"hostname,omitempty"`
	HealthCheckPath     string            `json:"health_check_path,omitempty"`
	HealthCheckInterval int               `json:"health_check_interval,omitempty"`
	EnvironmentVars     map[string]string `json:"environment_vars"`
	BlueGreen           *BlueGreenState   `json:"blue_green,omitempty"`
}

type BlueGreenState struct {
	Enabled        bool                    `json:"enabled"`
	ActiveSlot     store.Slot              `json:"active_slot"`
	BlueVersionID  string                  `json:"blue_version_id,omitempty"`
	GreenVersionID string                  `json:"green_version_id,omitempty"`
	Versions       []*store.ServiceVersion `json:"versions"`
}

// CompileDesiredState builds the versioned document for one stack. The hash
// is computed over the whole document minus the hash field itself, so two
// replicas serving the same rows always emit the same token. Services arrive
// name-ordered from the store and map keys serialize sorted, which keeps the
// serialization deterministic.
func CompileDesiredState(ctx context.Context, s store.Store, stack *store.Stack) (*DesiredState, error) {
	services, err := s.ListServices(ctx, stack.ID)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}

	doc := &DesiredState{
		StackID:           stack.ID,
		Version:           stack.Version,
		PollInterval:      stack.PollInterval,
		SecurityMode:      stack.SecurityMode,
		ExternalProxyPort: stack.ExternalProxyPort,
		Services:          make([]DesiredService, 0, len(services)),
	}

	for _, svc := range services {
		ds := DesiredService{
			ID:                  svc.ID,
			Name:                svc.Name,
			ServiceType:         svc.ServiceType,
			GitURL:              svc.GitURL,
			GitRef:              svc.GitRef,
			GitCommit:           svc.GitCommit,
			GitSSHKey:           svc.GitSSHKey,
			DockerImage:         svc.DockerImage,
			DockerRunArgs:       svc.DockerRunArgs,
			BuildCommand:        svc.BuildCommand,
			RunCommand:          svc.RunCommand,
			Runtime:             svc.Runtime,
			DockerfilePath:      svc.DockerfilePath,
			DockerContext:       svc.DockerContext,
			DockerContainerPort: svc.DockerContainerPort,
			ImageRetainCount:    svc.ImageRetainCount,
			BaseImage:           svc.BaseImage,
			Language:            svc.Language,
			Port:                svc.Port,
			Hostname:            svc.Hostname,
			HealthCheckPath:     svc.HealthCheckPath,
			HealthCheckInterval: svc.HealthCheckInterval,
			EnvironmentVars:     svc.EnvironmentVars,
		}
		if ds.EnvironmentVars == nil {
			ds.EnvironmentVars = map[string]string{}
		}

		if svc.BlueGreenMode {
			versions, err := s.ListVersions(ctx, stack.ID, svc.ID, store.VersionRetainCount)
			if err != nil {
				return nil, fmt.Errorf("list versions for %s: %w", svc.ID, err)
			}
			if versions == nil {
				versions = []*store.ServiceVersion{}
			}
			ds.BlueGreen = &BlueGreenState{
				Enabled:        true,
				ActiveSlot:     svc.ActiveVersionSlot,
				BlueVersionID:  svc.BlueVersionID,
				GreenVersionID: svc.GreenVersionID,
				Versions:       versions,
			}
		}

		doc.Services = append(doc.Services, ds)
	}

	hash, err := documentHash(doc)
	if err != nil {
		return nil, err
	}
	doc.Hash = hash

	observability.DesiredStateCompiles.Inc()
	return doc, nil
}

func documentHash(doc *DesiredState) (string, error) {
	// Hash field zeroed during hashing; everything else participates,
	// including slot pointers, so a slot flip always changes the hash.
	clone := *doc
	clone.Hash = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("marshal desired state: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}

// handleDesiredState is the poll path: the authoritative delivery channel
// for configuration changes.
func (a *API) handleDesiredState(w http.ResponseWriter, r *http.Request) {
	agent, err := middleware.GetAgentFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	stack, err := a.store.GetStack(r.Context(), agent.StackID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	doc, err := CompileDesiredState(r.Context(), a.store, stack)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
