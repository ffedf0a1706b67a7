package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/splax/deployx/internal/config"
)

type fakeECS struct {
	calls int
	input *ecs.RunTaskInput
	out   *ecs.RunTaskOutput
	err   error
}

func (f *fakeECS) RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	f.calls++
	f.input = params
	return f.out, f.err
}

func testSpec() LaunchSpec {
	return LaunchSpec{
		ProjectID: "demo-1",
		Env: []EnvVar{
			{Name: "PROJECT_ID", Value: "demo-1"},
			{Name: "USER_GIT_REPOSITORY_URL", Value: "https://github.com/acme/site.git"},
		},
	}
}

func TestECSLaunchBuildsFargateRequest(t *testing.T) {
	fake := &fakeECS{out: &ecs.RunTaskOutput{Tasks: []ecstypes.Task{{TaskArn: aws.String("arn:aws:ecs:task/abc")}}}}
	s := NewECS(fake, config.ECSConfig{
		Cluster:        "cluster",
		TaskDefinition: "builder:3",
		ContainerName:  "codebase-build-server-img",
		Subnets:        []string{"subnet-a", "subnet-b"},
		SecurityGroups: []string{"sg-1"},
		AssignPublicIP: true,
	})

	ref, err := s.Launch(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if ref.ID != "arn:aws:ecs:task/abc" || ref.Backend != BackendECS {
		t.Fatalf("unexpected ref %+v", ref)
	}
	if fake.calls != 1 {
		t.Fatalf("expected one RunTask call, got %d", fake.calls)
	}
	in := fake.input
	if in.LaunchType != ecstypes.LaunchTypeFargate || aws.ToInt32(in.Count) != 1 {
		t.Fatalf("unexpected launch settings %+v", in)
	}
	vpc := in.NetworkConfiguration.AwsvpcConfiguration
	if len(vpc.Subnets) != 2 || vpc.AssignPublicIp != ecstypes.AssignPublicIpEnabled {
		t.Fatalf("unexpected network config %+v", vpc)
	}
	override := in.Overrides.ContainerOverrides[0]
	if aws.ToString(override.Name) != "codebase-build-server-img" {
		t.Fatalf("unexpected container name %q", aws.ToString(override.Name))
	}
	found := false
	for _, kv := range override.Environment {
		if aws.ToString(kv.Name) == "PROJECT_ID" && aws.ToString(kv.Value) == "demo-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("PROJECT_ID override missing: %+v", override.Environment)
	}
}

func TestECSLaunchReportsFailures(t *testing.T) {
	fake := &fakeECS{out: &ecs.RunTaskOutput{Failures: []ecstypes.Failure{{Reason: aws.String("RESOURCE:CPU")}}}}
	s := NewECS(fake, config.ECSConfig{Cluster: "c", TaskDefinition: "t"})
	if _, err := s.Launch(context.Background(), testSpec()); err == nil || !strings.Contains(err.Error(), "RESOURCE:CPU") {
		t.Fatalf("expected failure reason in error, got %v", err)
	}

	fake = &fakeECS{err: errors.New("throttled")}
	s = NewECS(fake, config.ECSConfig{Cluster: "c", TaskDefinition: "t"})
	if _, err := s.Launch(context.Background(), testSpec()); err == nil {
		t.Fatal("expected error")
	}
	if fake.calls != 1 {
		t.Fatalf("launch must not retry, got %d calls", fake.calls)
	}
}

type fakeDocker struct {
	cfg      *container.Config
	host     *container.HostConfig
	name     string
	startErr error
	removed  []string
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.cfg, f.host, f.name = cfg, host, name
	return container.CreateResponse{ID: "c123"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	return f.startErr
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return nil
}

func TestDockerLaunch(t *testing.T) {
	fake := &fakeDocker{}
	s := NewDocker(fake, config.DockerConfig{Image: "deployx/worker:latest", Network: "deployx"})
	ref, err := s.Launch(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if ref.ID != "c123" {
		t.Fatalf("unexpected ref %+v", ref)
	}
	if !fake.host.AutoRemove || string(fake.host.NetworkMode) != "deployx" {
		t.Fatalf("unexpected host config %+v", fake.host)
	}
	if fake.cfg.Env[0] != "PROJECT_ID=demo-1" {
		t.Fatalf("unexpected env %v", fake.cfg.Env)
	}
	if !strings.HasPrefix(fake.name, "deployx-demo-1-") {
		t.Fatalf("unexpected container name %q", fake.name)
	}
}

func TestDockerLaunchRemovesOnStartFailure(t *testing.T) {
	fake := &fakeDocker{startErr: errors.New("no such image")}
	s := NewDocker(fake, config.DockerConfig{Image: "missing"})
	if _, err := s.Launch(context.Background(), testSpec()); err == nil {
		t.Fatal("expected error")
	}
	if len(fake.removed) != 1 || fake.removed[0] != "c123" {
		t.Fatalf("expected created container to be removed, got %v", fake.removed)
	}
}

func TestKubernetesLaunchCreatesJob(t *testing.T) {
	client := fake.NewSimpleClientset()
	s := NewKubernetes(client, config.KubernetesConfig{
		Namespace:      "deployx",
		Image:          "deployx/worker:latest",
		TTLAfterFinish: 10 * time.Minute,
	}, 15*time.Minute)

	spec := testSpec()
	spec.ProjectID = "my_site"
	ref, err := s.Launch(context.Background(), spec)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	name := strings.TrimPrefix(ref.ID, "deployx/")
	job, err := client.BatchV1().Jobs("deployx").Get(context.Background(), name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !strings.HasPrefix(job.Name, "deployx-my-site-") {
		t.Fatalf("unexpected job name %q", job.Name)
	}
	if job.Annotations[projectAnnotation] != "my_site" {
		t.Fatalf("project annotation missing: %v", job.Annotations)
	}
	if job.Spec.ActiveDeadlineSeconds == nil || *job.Spec.ActiveDeadlineSeconds != 900 {
		t.Fatalf("unexpected deadline %v", job.Spec.ActiveDeadlineSeconds)
	}
	if job.Spec.BackoffLimit == nil || *job.Spec.BackoffLimit != 0 {
		t.Fatalf("expected single attempt job")
	}
	if job.Spec.Template.Spec.RestartPolicy != "Never" {
		t.Fatalf("unexpected restart policy %q", job.Spec.Template.Spec.RestartPolicy)
	}
}

func TestWorkerNameFitsDNSLabel(t *testing.T) {
	long := strings.Repeat("a", 63)
	name := workerName(long, "0123456789abcdef")
	if len(name) > 63 {
		t.Fatalf("name too long: %d", len(name))
	}
	if strings.Contains(workerName("a_b", "x"), "_") {
		t.Fatal("underscore must be replaced")
	}
}
