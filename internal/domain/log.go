package domain

import (
	"strings"
	"time"
)

// SuccessMarker appears in the final log line of a successful deployment.
const SuccessMarker = "Deployment successful"

// Deployment states carried by StatusEvent.
const (
	StateQueued    = "queued"
	StateCloning   = "cloning"
	StateBuilding  = "building"
	StateUploading = "uploading"
	StateSuccess   = "success"
	StateFailed    = "failed"
)

// LogEnvelope is the JSON payload published for each log line.
type LogEnvelope struct {
	Log string `json:"log"`
}

// StatusEvent is a structured lifecycle notification published separately
// from free-text log lines.
type StatusEvent struct {
	ProjectID string    `json:"project_id"`
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether no further events follow this one.
func (e StatusEvent) Terminal() bool {
	return e.State == StateSuccess || e.State == StateFailed
}

// IsSuccessLine reports whether a log line carries the success marker.
func IsSuccessLine(text string) bool {
	return strings.Contains(text, SuccessMarker)
}
