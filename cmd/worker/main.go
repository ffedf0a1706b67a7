package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/splax/deployx/internal/config"
	"github.com/splax/deployx/internal/lease"
	"github.com/splax/deployx/internal/logbus"
	"github.com/splax/deployx/internal/logger"
	"github.com/splax/deployx/internal/storage"
	"github.com/splax/deployx/internal/worker"
	"github.com/splax/deployx/internal/workspace"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadWorkerConfig()
	log := logger.New("worker", logger.ParseLevel(cfg.LogLevel)).With("project_id", cfg.ProjectID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		publisher logbus.Publisher = logbus.Discard
		leases    lease.Manager    = lease.Noop{}
	)
	bus, err := logbus.Open(cfg.LogBus, log)
	if err != nil {
		log.Warn("log bus unavailable, continuing without live logs", "error", err)
	} else {
		publisher = bus
		if rt, ok := bus.Transport().(*logbus.RedisTransport); ok {
			leases = lease.NewRedis(rt.Client())
		}
	}

	s3Client, err := storage.NewS3Client(ctx, cfg.AWSRegion, cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, cfg.S3Endpoint)
	if err != nil {
		log.Error("failed to configure artifact storage", "error", err)
		os.Exit(1)
	}
	ws, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("failed to prepare workspace", "error", err)
		os.Exit(1)
	}

	runner := worker.New(cfg, publisher, storage.NewS3Uploader(s3Client, cfg.S3BucketName), leases, ws, log)
	runErr := runner.Run(ctx)

	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Warn("log bus close failed", "error", err)
		}
		stats := bus.Stats()
		log.Info("log bus stats", "published", stats.Published, "failed", stats.Failed, "dropped", stats.Dropped)
	}
	if runErr != nil {
		os.Exit(1)
	}
}
