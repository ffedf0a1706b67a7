// Package scheduler launches one ephemeral build worker per deployment on an
// external compute backend.
package scheduler

import (
	"context"
	"fmt"
	"strings"
)

const (
	BackendECS        = "ecs"
	BackendDocker     = "docker"
	BackendKubernetes = "kubernetes"
)

// EnvVar is a single worker environment input.
type EnvVar struct {
	Name  string
	Value string
}

// LaunchSpec describes a single worker launch.
type LaunchSpec struct {
	ProjectID string
	RepoURL   string
	Env       []EnvVar
}

// TaskRef is the backend handle returned for a launched worker.
type TaskRef struct {
	Backend string `json:"backend"`
	ID      string `json:"id"`
}

func (r TaskRef) String() string {
	return r.ID
}

// Scheduler submits exactly one launch request per call and never retries.
type Scheduler interface {
	Launch(ctx context.Context, spec LaunchSpec) (TaskRef, error)
	Name() string
}

// Lookup returns the value of name in spec's environment.
func (s LaunchSpec) Lookup(name string) (string, bool) {
	for _, env := range s.Env {
		if env.Name == name {
			return env.Value, true
		}
	}
	return "", false
}

func envPairs(env []EnvVar) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		out = append(out, kv.Name+"="+kv.Value)
	}
	return out
}

// workerName derives a DNS-1123 compatible name of at most 63 characters.
func workerName(projectID, suffix string) string {
	name := strings.ReplaceAll(projectID, "_", "-")
	const budget = 63 - len("deployx-") - 1 - 8
	if len(name) > budget {
		name = name[:budget]
	}
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("deployx-%s-%s", name, suffix)
}
