package scheduler

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecs"

	"github.com/splax/deployx/internal/config"
)

// Open builds the scheduler selected by cfg.WorkerBackend.
func Open(ctx context.Context, cfg config.APIConfig) (Scheduler, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.WorkerBackend)) {
	case "", BackendECS:
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
		if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewECS(ecs.NewFromConfig(awsCfg), cfg.ECS), nil
	case BackendDocker:
		cli, err := NewDockerClient(cfg.Docker.Host)
		if err != nil {
			return nil, err
		}
		return NewDocker(cli, cfg.Docker), nil
	case BackendKubernetes:
		cli, err := NewKubernetesClient()
		if err != nil {
			return nil, err
		}
		return NewKubernetes(cli, cfg.Kubernetes, cfg.WorkerMaxLifetime), nil
	default:
		return nil, fmt.Errorf("unsupported worker backend %q", cfg.WorkerBackend)
	}
}
