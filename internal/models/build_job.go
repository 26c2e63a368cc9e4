package models

import "time"

// JobStatus represents the status of a queued build job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusBuilding  JobStatus = "building"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Active reports whether the job still occupies its project.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusBuilding
}

// BuildJob represents an orchestration run request waiting in (or taken from) the queue
type BuildJob struct {
	ID            int64      `json:"id" db:"id"`
	Project       string     `json:"project" db:"project"`
	Status        JobStatus  `json:"status" db:"status"`
	EnqueuedAt    time.Time  `json:"enqueued_at" db:"enqueued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	ErrorMessage  string     `json:"error_message,omitempty" db:"error_message"`
	WorkerID      string     `json:"worker_id,omitempty" db:"worker_id"`
	QueuePosition int        `json:"queue_position,omitempty" db:"queue_position"`
}

// EnqueueResponse is the API response for build requests
type EnqueueResponse struct {
	Project       string    `json:"project"`
	Status        JobStatus `json:"status"`
	QueuePosition int       `json:"queue_position,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}
