// Package worker runs a single deployment: clone, build, upload.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/splax/deployx/internal/config"
	"github.com/splax/deployx/internal/domain"
	"github.com/splax/deployx/internal/git"
	"github.com/splax/deployx/internal/lease"
	"github.com/splax/deployx/internal/logbus"
	"github.com/splax/deployx/internal/storage"
	"github.com/splax/deployx/internal/workspace"
)

// CloneFunc fetches repoURL into dest and returns the commit checked out.
type CloneFunc func(ctx context.Context, repoURL, dest string, progress io.Writer) (string, error)

// Runner executes the pipeline for the project named in its config.
type Runner struct {
	cfg       config.WorkerConfig
	bus       logbus.Publisher
	uploader  storage.Uploader
	leases    lease.Manager
	workspace *workspace.Manager
	clone     CloneFunc
	build     BuildFunc
	logger    *slog.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithClone replaces the git clone step.
func WithClone(fn CloneFunc) Option {
	return func(r *Runner) { r.clone = fn }
}

// WithBuild replaces the shell build step.
func WithBuild(fn BuildFunc) Option {
	return func(r *Runner) { r.build = fn }
}

// New returns a Runner.
func New(cfg config.WorkerConfig, bus logbus.Publisher, uploader storage.Uploader, leases lease.Manager, ws *workspace.Manager, logger *slog.Logger, opts ...Option) *Runner {
	if leases == nil {
		leases = lease.Noop{}
	}
	r := &Runner{
		cfg:       cfg,
		bus:       bus,
		uploader:  uploader,
		leases:    leases,
		workspace: ws,
		clone:     git.Clone,
		build:     ShellBuild,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the deployment. The returned error is non-nil for every
// failed deployment; the caller maps it to a non-zero exit code.
func (r *Runner) Run(ctx context.Context) (err error) {
	id := r.cfg.ProjectID
	if _, err := domain.NewProject(id, r.cfg.RepoURL); err != nil {
		return err
	}
	if r.cfg.MaxLifetime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.MaxLifetime)
		defer cancel()
	}
	defer r.release(ctx)

	r.publish(ctx, "🚀 Kicking off the build process for project: "+id)
	r.status(ctx, domain.StateCloning, "")

	dir, err := r.workspace.Prepare(id)
	if err != nil {
		return r.fail(ctx, fmt.Sprintf("❌ Could not prepare workspace: %v", err), err)
	}
	defer func() {
		if cerr := r.workspace.Cleanup(dir); cerr != nil {
			r.logger.Warn("workspace cleanup failed", "dir", dir, "error", cerr)
		}
	}()

	progress := newLineWriter("📥 ", func(line string) { r.publish(ctx, line) })
	cloneCtx := ctx
	if r.cfg.GitTimeout > 0 {
		var cancel context.CancelFunc
		cloneCtx, cancel = context.WithTimeout(ctx, r.cfg.GitTimeout)
		defer cancel()
	}
	commit, err := r.clone(cloneCtx, r.cfg.RepoURL, dir, progress)
	progress.Flush()
	if err != nil {
		return r.fail(ctx, fmt.Sprintf("❌ Failed to clone repository: %v", err), err)
	}
	r.publish(ctx, "📦 Checked out commit "+shortCommit(commit))

	r.status(ctx, domain.StateBuilding, r.cfg.BuildCommand)
	stdout := newLineWriter("📄 Build Logs: ", func(line string) { r.publish(ctx, line) })
	stderr := newLineWriter("⚠️ Build Warnings: ", func(line string) { r.publish(ctx, line) })
	err = r.build(ctx, dir, r.cfg.BuildCommand, stdout, stderr)
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return r.fail(ctx, fmt.Sprintf("❌ Build failed with exit code %d. Deployment aborted.", exitErr.Code), err)
		}
		return r.fail(ctx, fmt.Sprintf("❌ Build failed: %v. Deployment aborted.", err), err)
	}
	r.publish(ctx, "✅ Build complete!")

	r.status(ctx, domain.StateUploading, "")
	r.publish(ctx, "☁️ Starting deployment to S3 bucket...")
	files, err := storage.Collect(filepath.Join(dir, filepath.FromSlash(r.cfg.OutputDir)), id)
	if err != nil {
		return r.fail(ctx, fmt.Sprintf("❌ An error occurred during the upload process: %v", err), err)
	}
	r.publish(ctx, "Preparing files for parallel upload...")
	err = storage.UploadTree(ctx, r.uploader, files, r.cfg.UploadConcurrency, func(f storage.File) {
		r.publish(ctx, "  └── Queuing: "+f.Rel)
	})
	if err != nil {
		return r.fail(ctx, fmt.Sprintf("❌ An error occurred during the upload process: %v", err), err)
	}

	r.publish(ctx, fmt.Sprintf("🎉 [%s] Deployment successful! All files uploaded.", id))
	r.status(ctx, domain.StateSuccess, fmt.Sprintf("%d files uploaded", len(files)))
	return nil
}

func (r *Runner) publish(ctx context.Context, line string) {
	r.logger.Info(line, "project_id", r.cfg.ProjectID)
	r.bus.PublishLog(ctx, r.cfg.ProjectID, line)
}

func (r *Runner) status(ctx context.Context, state, message string) {
	r.bus.PublishStatus(ctx, domain.StatusEvent{
		ProjectID: r.cfg.ProjectID,
		State:     state,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

func (r *Runner) fail(ctx context.Context, line string, cause error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		line = fmt.Sprintf("❌ Deployment exceeded the maximum worker lifetime of %s.", r.cfg.MaxLifetime)
	}
	r.logger.Error(line, "project_id", r.cfg.ProjectID, "error", cause)
	r.bus.PublishLog(ctx, r.cfg.ProjectID, line)
	r.status(ctx, domain.StateFailed, cause.Error())
	return cause
}

func (r *Runner) release(ctx context.Context) {
	if r.cfg.LeaseToken == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.leases.Release(ctx, lease.Lease{ProjectID: r.cfg.ProjectID, Token: r.cfg.LeaseToken}); err != nil {
		r.logger.Warn("lease release failed", "project_id", r.cfg.ProjectID, "error", err)
	}
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
