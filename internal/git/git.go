// Package git fetches repository sources for the build worker.
package git

import (
	"context"
	"fmt"
	"io"
	"strings"

	gogit "github.com/go-git/go-git/v5"
)

// NormalizeURL adds an https scheme to scheme-less host/owner/repo URLs.
func NormalizeURL(repoURL string) string {
	repoURL = strings.TrimSpace(repoURL)
	if repoURL == "" || strings.Contains(repoURL, "://") {
		return repoURL
	}
	return "https://" + repoURL
}

// Clone shallow-clones the default branch of repoURL into dest and returns
// the checked out commit. Progress output is written to progress when set.
func Clone(ctx context.Context, repoURL, dest string, progress io.Writer) (string, error) {
	if repoURL == "" {
		return "", fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return "", fmt.Errorf("destination cannot be empty")
	}
	repo, err := gogit.PlainCloneContext(ctx, dest, false, &gogit.CloneOptions{
		URL:          NormalizeURL(repoURL),
		Depth:        1,
		SingleBranch: true,
		Progress:     progress,
	})
	if err != nil {
		return "", fmt.Errorf("git clone failed: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}
