package domain

import (
	"time"
)

// JobRunStatus is the execution state of one scheduled-job run.
type JobRunStatus string

const (
	JobRunning   JobRunStatus = "running"
	JobCompleted JobRunStatus = "completed"
	JobFailed    JobRunStatus = "failed"
)

// JobRun is the persisted record of one job execution, whether fired by a
// timer or triggered manually over the API.
type JobRun struct {
	ID          string       `json:"id" db:"id"`
	JobName     string       `json:"job_name" db:"job_name"`
	Status      JobRunStatus `json:"status" db:"status"`
	StartedAt   time.Time    `json:"started_at" db:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs  *int64       `json:"duration_ms,omitempty" db:"duration_ms"`
	Summary     string       `json:"summary,omitempty" db:"summary"`
	Error       *string      `json:"error,omitempty" db:"error"`
	TriggeredBy string       `json:"triggered_by" db:"triggered_by"`
}
