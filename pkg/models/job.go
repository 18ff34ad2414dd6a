package models

import "time"

// JobKind identifies what a queued job does.
type JobKind string

const (
	// JobKindAdvanceRun wraps one Executor.Advance invocation.
	JobKindAdvanceRun JobKind = "advance_run"
)

// JobStatus represents the lifecycle state of an async job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusRunning    JobStatus = "running"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusDeadLetter JobStatus = "dead_letter"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the job will receive no further automatic
// transitions. DEAD_LETTER and FAILED jobs remain operator-retryable.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed ||
		s == JobStatusDeadLetter || s == JobStatusCancelled
}

// AsyncJob is one unit of asynchronous work. The correlation ID ties
// together all attempts to advance the same logical run transition and
// drives idempotent enqueue. Attempts only ever increase; a job reaches
// DEAD_LETTER only after exceeding the configured attempt ceiling.
type AsyncJob struct {
	ID             string     `json:"id"`
	Kind           JobKind    `json:"kind"`
	RunID          string     `json:"run_id"`
	OrganizationID string     `json:"organization_id"`
	CorrelationID  string     `json:"correlation_id"`
	Priority       int        `json:"priority"`
	Status         JobStatus  `json:"status"`
	Attempts       int        `json:"attempts"`
	NextEligibleAt time.Time  `json:"next_eligible_at"`
	LastError      string     `json:"last_error,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}
