package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/splax/deployx/internal/config"
)

// ECSAPI is the subset of the ECS client used to launch workers.
type ECSAPI interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
}

// ECS launches workers as Fargate tasks.
type ECS struct {
	client ECSAPI
	cfg    config.ECSConfig
}

// NewECS returns an ECS scheduler.
func NewECS(client ECSAPI, cfg config.ECSConfig) *ECS {
	return &ECS{client: client, cfg: cfg}
}

func (s *ECS) Name() string { return BackendECS }

func (s *ECS) Launch(ctx context.Context, spec LaunchSpec) (TaskRef, error) {
	if s.cfg.Cluster == "" || s.cfg.TaskDefinition == "" {
		return TaskRef{}, errors.New("ecs cluster and task definition must be configured")
	}
	env := make([]ecstypes.KeyValuePair, 0, len(spec.Env))
	for _, kv := range spec.Env {
		env = append(env, ecstypes.KeyValuePair{Name: aws.String(kv.Name), Value: aws.String(kv.Value)})
	}
	assign := ecstypes.AssignPublicIpDisabled
	if s.cfg.AssignPublicIP {
		assign = ecstypes.AssignPublicIpEnabled
	}
	out, err := s.client.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(s.cfg.Cluster),
		TaskDefinition: aws.String(s.cfg.TaskDefinition),
		LaunchType:     ecstypes.LaunchTypeFargate,
		Count:          aws.Int32(1),
		StartedBy:      aws.String("deployx/" + spec.ProjectID),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        s.cfg.Subnets,
				SecurityGroups: s.cfg.SecurityGroups,
				AssignPublicIp: assign,
			},
		},
		Overrides: &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{{
				Name:        aws.String(s.cfg.ContainerName),
				Environment: env,
			}},
		},
	})
	if err != nil {
		return TaskRef{}, fmt.Errorf("ecs run task: %w", err)
	}
	if len(out.Failures) > 0 {
		f := out.Failures[0]
		return TaskRef{}, fmt.Errorf("ecs run task failed: %s %s", aws.ToString(f.Reason), aws.ToString(f.Detail))
	}
	if len(out.Tasks) == 0 || aws.ToString(out.Tasks[0].TaskArn) == "" {
		return TaskRef{}, errors.New("ecs run task returned no task")
	}
	return TaskRef{Backend: BackendECS, ID: aws.ToString(out.Tasks[0].TaskArn)}, nil
}
