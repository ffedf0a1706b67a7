package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/splax/deployx/internal/config"
)

const projectAnnotation = "deployx.io/project-id"

// Kubernetes launches workers as single-attempt Jobs. ActiveDeadlineSeconds
// caps the worker lifetime on the cluster side.
type Kubernetes struct {
	client      kubernetes.Interface
	cfg         config.KubernetesConfig
	maxLifetime time.Duration
}

// NewKubernetesClient prefers in-cluster configuration and falls back to
// KUBECONFIG when running locally.
func NewKubernetesClient() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return clientset, nil
}

// NewKubernetes returns a Job based scheduler.
func NewKubernetes(client kubernetes.Interface, cfg config.KubernetesConfig, maxLifetime time.Duration) *Kubernetes {
	return &Kubernetes{client: client, cfg: cfg, maxLifetime: maxLifetime}
}

func (s *Kubernetes) Name() string { return BackendKubernetes }

func (s *Kubernetes) Launch(ctx context.Context, spec LaunchSpec) (TaskRef, error) {
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for _, kv := range spec.Env {
		env = append(env, corev1.EnvVar{Name: kv.Name, Value: kv.Value})
	}
	labels := map[string]string{"app.kubernetes.io/name": "deployx-worker"}
	annotations := map[string]string{projectAnnotation: spec.ProjectID}
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        workerName(spec.ProjectID, strings.ReplaceAll(uuid.NewString(), "-", "")),
			Namespace:   s.cfg.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: int32Ptr(0),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels, Annotations: annotations},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: s.cfg.ServiceAccount,
					Containers: []corev1.Container{{
						Name:  "worker",
						Image: s.cfg.Image,
						Env:   env,
					}},
				},
			},
		},
	}
	if s.maxLifetime > 0 {
		deadline := int64(s.maxLifetime / time.Second)
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	if s.cfg.TTLAfterFinish > 0 {
		job.Spec.TTLSecondsAfterFinished = int32Ptr(int32(s.cfg.TTLAfterFinish / time.Second))
	}
	created, err := s.client.BatchV1().Jobs(s.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return TaskRef{}, fmt.Errorf("create worker job: %w", err)
	}
	return TaskRef{Backend: BackendKubernetes, ID: created.Namespace + "/" + created.Name}, nil
}

func int32Ptr(v int32) *int32 { return &v }
