package models

import (
	"context"
	"time"
)

// BuildState is the externally visible state of a project's orchestration run.
type BuildState string

const (
	StateNotStarted BuildState = "not_started"
	StateInProgress BuildState = "in_progress"
	StateCompleted  BuildState = "completed"
	StateFailed     BuildState = "failed"
)

// IsTerminal returns true if no further transitions happen for the run.
func (s BuildState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// BuildResult is the terminal outcome of an orchestration run.
type BuildResult struct {
	Success         bool          `json:"success"`
	ArtifactPath    string        `json:"artifactPath,omitempty"`
	Checksum        string        `json:"checksum,omitempty"`
	Degraded        bool          `json:"degraded,omitempty"`
	FixAttempts     int           `json:"fixAttempts"`
	ErrorReportPath string        `json:"errorReportPath,omitempty"`
	Reason          FailureReason `json:"reason,omitempty"`
	Message         string        `json:"message,omitempty"`
}

// BuildStatus is the durable per-project status record. Writes replace the
// whole record.
type BuildStatus struct {
	Project   string       `json:"project"`
	RunID     string       `json:"run_id,omitempty"`
	State     BuildState   `json:"state"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Attempts  int          `json:"attempts"`
	Result    *BuildResult `json:"buildResult,omitempty"`
}

// NotStarted returns the status reported for projects without a record.
func NotStarted(project string) *BuildStatus {
	return &BuildStatus{Project: project, State: StateNotStarted}
}

// StatusStore is the single source of truth for externally visible status.
// A missing record is reported as StateNotStarted, never as an error.
type StatusStore interface {
	SetInProgress(ctx context.Context, project, runID string, startedAt time.Time) error
	RecordAttempt(ctx context.Context, project string, attempts int) error
	SetTerminal(ctx context.Context, project string, endedAt time.Time, result *BuildResult) error
	Get(ctx context.Context, project string) (*BuildStatus, error)
}
