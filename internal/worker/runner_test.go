package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/deployx/internal/config"
	"github.com/splax/deployx/internal/domain"
	"github.com/splax/deployx/internal/lease"
	"github.com/splax/deployx/internal/workspace"
)

type recordingBus struct {
	mu     sync.Mutex
	lines  []string
	states []string
}

func (b *recordingBus) PublishLog(ctx context.Context, projectID, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, text)
}

func (b *recordingBus) PublishStatus(ctx context.Context, event domain.StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = append(b.states, event.State)
}

type recordingUploader struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (u *recordingUploader) Upload(ctx context.Context, key, contentType string, body io.Reader, size int64) error {
	if u.err != nil {
		return u.err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, key)
	return nil
}

func fakeClone(files map[string]string) CloneFunc {
	return func(ctx context.Context, repoURL, dest string, progress io.Writer) (string, error) {
		fmt.Fprint(progress, "Counting objects: 100%\r\nDone\n")
		for rel, body := range files {
			path := filepath.Join(dest, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				return "", err
			}
		}
		return "0123456789abcdef0123", nil
	}
}

func fakeBuild(out []string, err error) BuildFunc {
	return func(ctx context.Context, dir, command string, stdout, stderr io.Writer) error {
		for _, line := range out {
			fmt.Fprintln(stdout, line)
		}
		return err
	}
}

func newRunner(t *testing.T, bus *recordingBus, up *recordingUploader, leases lease.Manager, token string, opts ...Option) *Runner {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	cfg := config.WorkerConfig{
		ProjectID:         "demo-1",
		RepoURL:           "https://github.com/acme/site",
		BuildCommand:      "npm install && npm run build",
		OutputDir:         "dist",
		UploadConcurrency: 2,
		LeaseToken:        token,
		MaxLifetime:       time.Minute,
	}
	return New(cfg, bus, up, leases, ws, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestRunSuccessfulDeployment(t *testing.T) {
	bus, up := &recordingBus{}, &recordingUploader{}
	leases := lease.NewMemory()
	held, err := leases.Acquire(context.Background(), "demo-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	r := newRunner(t, bus, up, leases, held.Token,
		WithClone(fakeClone(map[string]string{
			"dist/index.html":    "<html></html>",
			"dist/assets/app.js": "x",
			"src/main.js":        "y",
		})),
		WithBuild(fakeBuild([]string{"added 12 packages", "vite build", "built in 1.2s"}, nil)),
	)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(up.keys) != 2 {
		t.Fatalf("expected 2 uploads, got %v", up.keys)
	}
	for _, key := range up.keys {
		if !strings.HasPrefix(key, "builds/demo-1/") || strings.Contains(key, "src/") {
			t.Fatalf("unexpected key %q", key)
		}
	}

	var build []string
	for _, line := range bus.lines {
		if strings.HasPrefix(line, "📄 Build Logs: ") {
			build = append(build, strings.TrimPrefix(line, "📄 Build Logs: "))
		}
	}
	if strings.Join(build, "|") != "added 12 packages|vite build|built in 1.2s" {
		t.Fatalf("build output out of order: %v", build)
	}
	last := bus.lines[len(bus.lines)-1]
	if last != "🎉 [demo-1] Deployment successful! All files uploaded." || !domain.IsSuccessLine(last) {
		t.Fatalf("unexpected final line %q", last)
	}
	wantStates := []string{domain.StateCloning, domain.StateBuilding, domain.StateUploading, domain.StateSuccess}
	if strings.Join(bus.states, ",") != strings.Join(wantStates, ",") {
		t.Fatalf("unexpected states %v", bus.states)
	}
	if _, err := leases.Acquire(context.Background(), "demo-1", time.Minute); err != nil {
		t.Fatalf("lease should be released after success: %v", err)
	}
}

func TestRunBuildFailure(t *testing.T) {
	bus, up := &recordingBus{}, &recordingUploader{}
	r := newRunner(t, bus, up, nil, "",
		WithClone(fakeClone(map[string]string{"package.json": "{}"})),
		WithBuild(fakeBuild([]string{"npm ERR! missing script: build"}, &ExitError{Code: 1})),
	)

	err := r.Run(context.Background())
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		t.Fatalf("expected exit error, got %v", err)
	}
	if len(up.keys) != 0 {
		t.Fatal("nothing should be uploaded after a failed build")
	}
	last := bus.lines[len(bus.lines)-1]
	if last != "❌ Build failed with exit code 1. Deployment aborted." {
		t.Fatalf("unexpected final line %q", last)
	}
	for _, line := range bus.lines {
		if domain.IsSuccessLine(line) {
			t.Fatal("success marker published for failed build")
		}
	}
	if bus.states[len(bus.states)-1] != domain.StateFailed {
		t.Fatalf("expected failed status, got %v", bus.states)
	}
}

func TestRunUploadFailure(t *testing.T) {
	bus := &recordingBus{}
	up := &recordingUploader{err: errors.New("AccessDenied")}
	r := newRunner(t, bus, up, nil, "",
		WithClone(fakeClone(map[string]string{"dist/index.html": "x"})),
		WithBuild(fakeBuild(nil, nil)),
	)
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected upload failure")
	}
	last := bus.lines[len(bus.lines)-1]
	if !strings.HasPrefix(last, "❌ An error occurred during the upload process:") {
		t.Fatalf("unexpected final line %q", last)
	}
}

func TestRunMissingOutputDirFails(t *testing.T) {
	bus, up := &recordingBus{}, &recordingUploader{}
	r := newRunner(t, bus, up, nil, "",
		WithClone(fakeClone(map[string]string{"README.md": "x"})),
		WithBuild(fakeBuild(nil, nil)),
	)
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected failure when dist is missing")
	}
}

func TestRunRejectsInvalidEnvironment(t *testing.T) {
	bus, up := &recordingBus{}, &recordingUploader{}
	r := newRunner(t, bus, up, nil, "")
	r.cfg.ProjectID = "BAD"
	var vErr *domain.ValidationError
	if err := r.Run(context.Background()); !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(bus.lines) != 0 {
		t.Fatal("nothing should be published for invalid input")
	}
}

func TestShellBuildStreamsOutputAndExitCode(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	var lines []string
	stdout := newLineWriter("", func(l string) { lines = append(lines, l) })
	err := ShellBuild(context.Background(), t.TempDir(), "echo one; echo two; exit 3", stdout, io.Discard)
	stdout.Flush()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 3 {
		t.Fatalf("expected exit code 3, got %v", err)
	}
	if strings.Join(lines, ",") != "one,two" {
		t.Fatalf("unexpected output %v", lines)
	}
}

func TestBuildEnvStripsWorkerSecrets(t *testing.T) {
	env := buildEnv([]string{"PATH=/bin", "AWS_SECRET_ACCESS_KEY=x", "DEPLOYX_LEASE_TOKEN=t", "NODE_ENV=production"})
	joined := strings.Join(env, " ")
	if strings.Contains(joined, "AWS_SECRET") || strings.Contains(joined, "LEASE_TOKEN") {
		t.Fatalf("secrets leaked into build env: %v", env)
	}
	if !strings.Contains(joined, "PATH=/bin") || !strings.Contains(joined, "NODE_ENV=production") {
		t.Fatalf("regular env dropped: %v", env)
	}
}

func TestLineWriterSplitsCarriageReturns(t *testing.T) {
	var lines []string
	w := newLineWriter("> ", func(l string) { lines = append(lines, l) })
	fmt.Fprint(w, "a\r\nb\n\npartial")
	w.Flush()
	if strings.Join(lines, "|") != "> a|> b|> partial" {
		t.Fatalf("unexpected lines %v", lines)
	}
}

func TestLineWriterCapsOversizedLines(t *testing.T) {
	var lines []string
	w := newLineWriter("> ", func(l string) { lines = append(lines, l) })
	chunk := bytes.Repeat([]byte("x"), 4096)
	for i := 0; i < 64; i++ {
		w.Write(chunk)
	}
	fmt.Fprint(w, "tail\nnext\n")
	w.Flush()

	if len(lines) != 2 {
		t.Fatalf("expected truncated line plus next, got %d lines", len(lines))
	}
	if !strings.HasSuffix(lines[0], truncatedSuffix) {
		t.Fatalf("oversized line not marked truncated")
	}
	if got := len(lines[0]) - len("> ") - len(truncatedSuffix); got != maxLineBytes {
		t.Fatalf("expected %d retained bytes, got %d", maxLineBytes, got)
	}
	if lines[1] != "> next" {
		t.Fatalf("line after oversized one corrupted: %q", lines[1])
	}
	if w.buf.Len() != 0 {
		t.Fatalf("buffer not drained: %d bytes", w.buf.Len())
	}
}
