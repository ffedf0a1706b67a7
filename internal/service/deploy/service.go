// Package deploy validates deployment requests and launches one build worker
// per accepted request.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/splax/deployx/internal/config"
	"github.com/splax/deployx/internal/domain"
	"github.com/splax/deployx/internal/lease"
	"github.com/splax/deployx/internal/logbus"
	"github.com/splax/deployx/internal/scheduler"
)

// ErrDeploymentInProgress is returned while another worker for the same
// project still holds its lease.
var ErrDeploymentInProgress = errors.New("deployment already in progress")

// ProvisioningError reports a rejected worker launch.
type ProvisioningError struct {
	Backend string
	Err     error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision %s worker: %v", e.Backend, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Result is returned for an accepted deployment.
type Result struct {
	ProjectID string
	Task      scheduler.TaskRef
}

// Service coordinates deploy submissions.
type Service struct {
	scheduler scheduler.Scheduler
	leases    lease.Manager
	bus       logbus.Publisher
	logger    *slog.Logger
	cfg       config.APIConfig

	mu     sync.Mutex
	active map[string]lease.Lease
}

// New returns a deploy coordinator.
func New(sched scheduler.Scheduler, leases lease.Manager, bus logbus.Publisher, logger *slog.Logger, cfg config.APIConfig) *Service {
	if leases == nil {
		leases = lease.Noop{}
	}
	initMetrics()
	return &Service{
		scheduler: sched,
		leases:    leases,
		bus:       bus,
		logger:    logger,
		cfg:       cfg,
		active:    make(map[string]lease.Lease),
	}
}

// Submit validates the request, takes the project lease and launches the
// worker exactly once.
func (s *Service) Submit(ctx context.Context, projectID, repoURL string) (Result, error) {
	project, err := domain.NewProject(projectID, repoURL)
	if err != nil {
		deployResults.WithLabelValues("invalid").Inc()
		return Result{}, err
	}

	held, err := s.leases.Acquire(ctx, project.ID, s.leaseTTL())
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			deployResults.WithLabelValues("conflict").Inc()
			return Result{}, ErrDeploymentInProgress
		}
		deployResults.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("acquire lease: %w", err)
	}

	spec := scheduler.LaunchSpec{
		ProjectID: project.ID,
		RepoURL:   project.RepoURL,
		Env:       s.workerEnv(project, held),
	}
	ref, err := s.scheduler.Launch(ctx, spec)
	if err != nil {
		if relErr := s.leases.Release(context.WithoutCancel(ctx), held); relErr != nil {
			s.logger.Warn("lease release failed", "project_id", project.ID, "error", relErr)
		}
		deployResults.WithLabelValues("provisioning_failed").Inc()
		return Result{}, &ProvisioningError{Backend: s.scheduler.Name(), Err: err}
	}

	s.mu.Lock()
	s.active[project.ID] = held
	s.mu.Unlock()

	deployResults.WithLabelValues("started").Inc()
	s.logger.Info("deployment started", "project_id", project.ID, "backend", ref.Backend, "task", ref.ID)
	if s.bus != nil {
		s.bus.PublishStatus(ctx, domain.StatusEvent{
			ProjectID: project.ID,
			State:     domain.StateQueued,
			Message:   "worker " + ref.ID + " scheduled",
			Timestamp: time.Now().UTC(),
		})
	}
	return Result{ProjectID: project.ID, Task: ref}, nil
}

// Observe releases the coordinator's copy of a lease once the worker
// reports a terminal state. Releasing an already released lease is a no-op.
func (s *Service) Observe(ctx context.Context, event domain.StatusEvent) {
	if !event.Terminal() {
		return
	}
	s.mu.Lock()
	held, ok := s.active[event.ProjectID]
	delete(s.active, event.ProjectID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.leases.Release(ctx, held); err != nil {
		s.logger.Warn("lease release failed", "project_id", event.ProjectID, "error", err)
	}
}

func (s *Service) leaseTTL() time.Duration {
	if s.cfg.WorkerMaxLifetime > 0 {
		return s.cfg.WorkerMaxLifetime
	}
	return 15 * time.Minute
}

func (s *Service) workerEnv(project domain.Project, held lease.Lease) []scheduler.EnvVar {
	env := []scheduler.EnvVar{
		{Name: "PROJECT_ID", Value: project.ID},
		{Name: "USER_GIT_REPOSITORY_URL", Value: project.RepoURL},
		{Name: "S3_BUCKET_NAME", Value: s.cfg.S3BucketName},
		{Name: "AWS_REGION", Value: s.cfg.AWSRegion},
	}
	if s.cfg.AWSAccessKeyID != "" && s.cfg.AWSSecretAccessKey != "" {
		env = append(env,
			scheduler.EnvVar{Name: "AWS_ACCESS_KEY_ID", Value: s.cfg.AWSAccessKeyID},
			scheduler.EnvVar{Name: "AWS_SECRET_ACCESS_KEY", Value: s.cfg.AWSSecretAccessKey},
		)
	}
	env = append(env,
		scheduler.EnvVar{Name: "VALKEY_AIVEN_URI", Value: s.cfg.LogBus.URI},
		scheduler.EnvVar{Name: "LOG_BUS_DRIVER", Value: s.cfg.LogBus.Driver},
		scheduler.EnvVar{Name: "WORKER_MAX_LIFETIME_SECONDS", Value: strconv.Itoa(int(s.leaseTTL() / time.Second))},
	)
	if held.Token != "" {
		env = append(env, scheduler.EnvVar{Name: "DEPLOYX_LEASE_TOKEN", Value: held.Token})
	}
	return env
}
