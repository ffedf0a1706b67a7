package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// BuildFunc runs command inside dir, streaming output to stdout and stderr.
type BuildFunc func(ctx context.Context, dir, command string, stdout, stderr io.Writer) error

// ExitError reports a build command that exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("build exited with code %d", e.Code)
}

// workerSecrets never reach the user's build.
var workerSecrets = []string{
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"DEPLOYX_LEASE_TOKEN",
	"VALKEY_AIVEN_URI",
	"LOG_BUS_URI",
}

// ShellBuild runs command through sh -c.
func ShellBuild(ctx context.Context, dir, command string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = buildEnv(os.Environ())
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return err
}

func buildEnv(environ []string) []string {
	out := make([]string, 0, len(environ)+1)
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		secret := false
		for _, s := range workerSecrets {
			if name == s {
				secret = true
				break
			}
		}
		if !secret {
			out = append(out, kv)
		}
	}
	return append(out, "CI=true")
}
