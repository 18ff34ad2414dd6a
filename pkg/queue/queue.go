// Package queue provides the async job queue backing run execution:
// idempotent enqueue, atomic claim, retry with backoff, and a
// dead-letter terminal state for jobs that exhaust their attempts.
package queue

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/cadenhq/playbook/pkg/auth"
	"github.com/cadenhq/playbook/pkg/events"
	"github.com/cadenhq/playbook/pkg/log"
	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/outbox"
	"github.com/cadenhq/playbook/pkg/persistence"
	"github.com/cadenhq/playbook/pkg/router"
	"github.com/cadenhq/playbook/pkg/services"
)

// Config tunes retry behavior. A job dead-letters once Attempts reaches
// MaxAttempts; between attempts the delay doubles from BaseBackoff up
// to MaxBackoff, with jitter to spread thundering retries.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig matches the documented defaults: three attempts,
// one-second base delay, five-minute ceiling.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  5 * time.Minute,
	}
}

type Queue struct {
	persistence persistence.Persistence
	config      Config
	logger      *slog.Logger
}

func NewQueue(p persistence.Persistence, config Config) *Queue {
	if config.MaxAttempts <= 0 {
		config = DefaultConfig()
	}

	return &Queue{
		persistence: p,
		config:      config,
		logger:      log.WithModule("queue"),
	}
}

// EnqueueAdvance schedules the run's pending step transition.
// Enqueueing the same transition twice returns the already-open job, so
// double-submits and redeliveries cannot produce duplicate work.
func (q *Queue) EnqueueAdvance(ctx context.Context, run *models.PlaybookRun) (*models.AsyncJob, error) {
	correlationID := run.CorrelationID
	if correlationID == "" {
		correlationID = run.AdvanceCorrelationID()
	}

	existing, err := q.persistence.Jobs().FindOpenByCorrelationID(ctx, correlationID)
	if err == nil {
		q.logger.Debug("Advance already enqueued", "run_id", run.ID, "job_id", existing.ID)

		return existing, nil
	}

	if !persistence.IsNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()

	priority := 0
	if p, ok := router.AsFloat(run.Context["priority"]); ok {
		priority = int(p)
	}

	job := &models.AsyncJob{
		ID:             uuid.New().String(),
		Kind:           models.JobKindAdvanceRun,
		RunID:          run.ID,
		OrganizationID: run.OrganizationID,
		CorrelationID:  correlationID,
		Priority:       priority,
		Status:         models.JobStatusQueued,
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = q.persistence.Jobs().Save(ctx, job)
	if err != nil {
		return nil, err
	}

	return job, nil
}

// Claim hands the next eligible job to a worker. The underlying store
// guarantees at most one worker wins a given job.
func (q *Queue) Claim(ctx context.Context, workerID string) (*models.AsyncJob, error) {
	return q.persistence.Jobs().Claim(ctx, time.Now().UTC(), workerID)
}

// CompleteSuccess finishes a running job.
func (q *Queue) CompleteSuccess(ctx context.Context, job *models.AsyncJob) error {
	now := time.Now().UTC()

	job.Status = models.JobStatusSucceeded
	job.UpdatedAt = now
	job.FinishedAt = &now

	return q.persistence.Jobs().Save(ctx, job)
}

// CompleteFailure records a failed attempt. The job goes back to QUEUED
// with a backoff delay until its attempt budget is spent, at which
// point it dead-letters and a notification is placed in the outbox.
// Routing dead-ends and state machine violations cannot be cured by
// retrying, so those causes mark the job FAILED right away.
// Returns whether the job dead-lettered.
func (q *Queue) CompleteFailure(ctx context.Context, job *models.AsyncJob, cause error) (bool, error) {
	now := time.Now().UTC()

	job.Attempts++
	job.LastError = cause.Error()
	job.ClaimedBy = ""
	job.UpdatedAt = now

	if services.IsNoRoute(cause) || services.IsInvalidState(cause) {
		job.Status = models.JobStatusFailed
		job.FinishedAt = &now

		q.logger.Error("Job failed permanently", "job_id", job.ID, "error", cause)

		return false, q.persistence.Jobs().Save(ctx, job)
	}

	if job.Attempts < q.config.MaxAttempts {
		job.Status = models.JobStatusQueued
		job.NextEligibleAt = now.Add(q.backoff(job.Attempts))

		q.logger.Warn("Job attempt failed, requeued",
			"job_id", job.ID, "attempts", job.Attempts, "next_eligible_at", job.NextEligibleAt, "error", cause)

		return false, q.persistence.Jobs().Save(ctx, job)
	}

	job.Status = models.JobStatusDeadLetter
	job.FinishedAt = &now

	q.logger.Error("Job dead-lettered", "job_id", job.ID, "attempts", job.Attempts, "error", cause)

	err := q.persistence.Transaction(ctx, func(tx persistence.Persistence) error {
		if err := tx.Jobs().Save(ctx, job); err != nil {
			return err
		}

		return outbox.Enqueue(ctx, tx, job.OrganizationID, events.JobDeadLettered{
			BaseEvent: events.BaseEvent{
				ID:             uuid.New().String(),
				Type:           events.JobDeadLetteredEvent,
				Timestamp:      now,
				OrganizationID: job.OrganizationID,
			},
			JobID:    job.ID,
			RunID:    job.RunID,
			Attempts: job.Attempts,
			Error:    job.LastError,
		})
	})

	return true, err
}

// Retry is the operator override for a FAILED or DEAD_LETTER job: the
// attempt budget resets and the job becomes immediately eligible.
func (q *Queue) Retry(ctx context.Context, principal auth.Principal, jobID string) (*models.AsyncJob, error) {
	if err := auth.CanOperateJobs(principal); err != nil {
		return nil, err
	}

	job, err := q.persistence.Jobs().GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if err := auth.CanAccessOrg(principal, job.OrganizationID); err != nil {
		return nil, err
	}

	if job.Status != models.JobStatusFailed && job.Status != models.JobStatusDeadLetter {
		return nil, services.InvalidStateError("job", jobID, job.Status)
	}

	now := time.Now().UTC()

	job.Status = models.JobStatusQueued
	job.Attempts = 0
	job.LastError = ""
	job.ClaimedBy = ""
	job.NextEligibleAt = now
	job.FinishedAt = nil
	job.UpdatedAt = now

	err = q.persistence.Jobs().Save(ctx, job)
	if err != nil {
		return nil, err
	}

	return job, nil
}

// Cancel withdraws a QUEUED job before any worker claims it.
func (q *Queue) Cancel(ctx context.Context, principal auth.Principal, jobID string) (*models.AsyncJob, error) {
	if err := auth.CanOperateJobs(principal); err != nil {
		return nil, err
	}

	job, err := q.persistence.Jobs().GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if err := auth.CanAccessOrg(principal, job.OrganizationID); err != nil {
		return nil, err
	}

	if job.Status != models.JobStatusQueued {
		return nil, services.InvalidStateError("job", jobID, job.Status)
	}

	now := time.Now().UTC()

	job.Status = models.JobStatusCancelled
	job.UpdatedAt = now
	job.FinishedAt = &now

	err = q.persistence.Jobs().Save(ctx, job)
	if err != nil {
		return nil, err
	}

	return job, nil
}

// Get returns a job with organization isolation enforced.
func (q *Queue) Get(ctx context.Context, principal auth.Principal, jobID string) (*models.AsyncJob, error) {
	job, err := q.persistence.Jobs().GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if err := auth.CanAccessOrg(principal, job.OrganizationID); err != nil {
		return nil, err
	}

	return job, nil
}

// List returns the organization's jobs, optionally filtered by status.
func (q *Queue) List(ctx context.Context, principal auth.Principal, orgID string, status *models.JobStatus) ([]*models.AsyncJob, error) {
	if orgID == "" {
		orgID = principal.OrganizationID
	}

	if err := auth.CanAccessOrg(principal, orgID); err != nil {
		return nil, err
	}

	return q.persistence.Jobs().List(ctx, persistence.ListJobsOptions{
		OrganizationID: orgID,
		Status:         status,
	})
}

// backoff returns the delay before the given retry attempt:
// exponential from BaseBackoff, capped at MaxBackoff, with up to 25%
// random jitter added.
func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.config.BaseBackoff

	for i := 1; i < attempts && delay < q.config.MaxBackoff; i++ {
		delay *= 2
	}

	if delay > q.config.MaxBackoff {
		delay = q.config.MaxBackoff
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1)) //nolint:gosec // timing jitter, not security sensitive

	return delay + jitter
}
