package scheduler

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/splax/deployx/internal/config"
)

// DockerAPI is the subset of the Docker SDK used to launch workers.
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Docker launches workers as auto-removed local containers.
type Docker struct {
	client DockerAPI
	cfg    config.DockerConfig
}

// NewDockerClient creates a Docker SDK client using environment defaults.
func NewDockerClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return inner, nil
}

// NewDocker returns a Docker scheduler.
func NewDocker(cli DockerAPI, cfg config.DockerConfig) *Docker {
	return &Docker{client: cli, cfg: cfg}
}

func (s *Docker) Name() string { return BackendDocker }

func (s *Docker) Launch(ctx context.Context, spec LaunchSpec) (TaskRef, error) {
	name := workerName(spec.ProjectID, uuid.NewString())
	hostCfg := &container.HostConfig{AutoRemove: true}
	if s.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(s.cfg.Network)
	}
	stopTimeout := 10
	created, err := s.client.ContainerCreate(ctx, &container.Config{
		Image:       s.cfg.Image,
		Env:         envPairs(spec.Env),
		StopTimeout: &stopTimeout,
		Labels: map[string]string{
			"deployx.project-id": spec.ProjectID,
		},
	}, hostCfg, nil, nil, name)
	if err != nil {
		return TaskRef{}, fmt.Errorf("create worker container: %w", err)
	}
	if err := s.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = s.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return TaskRef{}, fmt.Errorf("start worker container: %w", err)
	}
	return TaskRef{Backend: BackendDocker, ID: created.ID}, nil
}
