package domain

import (
	"path"
	"regexp"
	"strings"
)

const (
	// ChannelNamespace prefixes every log bus channel.
	ChannelNamespace = "deployx"
	// KindLogs carries free-text build output.
	KindLogs = "logs"
	// KindStatus carries structured StatusEvent payloads.
	KindStatus = "status"
	// StorageRoot is the key prefix under which every build is stored.
	StorageRoot = "builds"

	minProjectIDLen = 3
	maxProjectIDLen = 63
)

var (
	projectIDPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
	repoURLPattern   = regexp.MustCompile(`^(https?://)?(github\.com|gitlab\.com)/[\w.-]+/[\w.-]+(\.git)?$`)
)

// Project is a deployable repository addressed by a DNS-label-safe ID.
type Project struct {
	ID      string
	RepoURL string
}

// Room is the socket gateway room the project's viewers join.
func (p Project) Room() string {
	return p.ID
}

// ValidateProjectID checks the charset and length rules of a project ID.
func ValidateProjectID(id string) error {
	if len(id) < minProjectIDLen || len(id) > maxProjectIDLen {
		return &ValidationError{Field: "PROJECT_ID", Reason: "must be between 3 and 63 characters"}
	}
	if !projectIDPattern.MatchString(id) {
		return &ValidationError{Field: "PROJECT_ID", Reason: "may only contain lowercase letters, digits, '-' and '_'"}
	}
	return nil
}

// ValidateRepoURL restricts repositories to GitHub and GitLab owner/repo URLs.
func ValidateRepoURL(raw string) error {
	if !repoURLPattern.MatchString(raw) {
		return &ValidationError{Field: "USER_GIT_REPOSITORY_URL", Reason: "must be a github.com or gitlab.com repository URL"}
	}
	return nil
}

// NewProject validates both inputs and returns the project.
func NewProject(id, repoURL string) (Project, error) {
	if err := ValidateProjectID(id); err != nil {
		return Project{}, err
	}
	if err := ValidateRepoURL(repoURL); err != nil {
		return Project{}, err
	}
	return Project{ID: id, RepoURL: repoURL}, nil
}

// LogChannel names the bus channel carrying a project's log lines.
func LogChannel(projectID string) string {
	return ChannelNamespace + ":" + KindLogs + ":" + projectID
}

// StatusChannel names the bus channel carrying a project's status events.
func StatusChannel(projectID string) string {
	return ChannelNamespace + ":" + KindStatus + ":" + projectID
}

// ChannelPattern is the wildcard matching every project channel of kind.
func ChannelPattern(kind string) string {
	return ChannelNamespace + ":" + kind + ":*"
}

// ParseChannel splits a "deployx:<kind>:<projectID>" channel name.
func ParseChannel(channel string) (kind, projectID string, ok bool) {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != ChannelNamespace || parts[2] == "" {
		return "", "", false
	}
	switch parts[1] {
	case KindLogs, KindStatus:
		return parts[1], parts[2], true
	default:
		return "", "", false
	}
}

// StoragePrefix is the object store prefix holding a project's build.
func StoragePrefix(projectID string) string {
	return StorageRoot + "/" + projectID + "/"
}

// StorageKey maps a path relative to the build output onto its object key.
// Backslashes are normalized so keys are identical across platforms.
func StorageKey(projectID, relPath string) string {
	rel := strings.ReplaceAll(relPath, `\`, "/")
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	return StoragePrefix(projectID) + rel
}
