// Package workspace owns the scratch directories a worker clones into.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns per-project checkouts under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Prepare returns an empty checkout directory for projectID. Leftovers of a
// previous run are removed first.
func (m *Manager) Prepare(projectID string) (string, error) {
	if projectID == "" || strings.ContainsAny(projectID, `/\`) || projectID == "." || projectID == ".." {
		return "", fmt.Errorf("invalid workspace identifier %q", projectID)
	}
	dir := filepath.Join(m.root, projectID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a directory previously returned by Prepare.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}
