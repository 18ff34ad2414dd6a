// Package persistence provides the data storage abstraction for
// templates, runs, jobs, approvals, and the notification outbox.
package persistence

import (
	"context"
	"time"

	"github.com/cadenhq/playbook/pkg/models"
)

// Persistence is the storage entry point. Repositories obtained outside
// a transaction operate in autocommit mode; Transaction yields a view
// whose repositories share one transaction, so a state change and its
// outbox entry commit or roll back together.
type Persistence interface {
	Templates() TemplateRepository
	Runs() RunRepository
	Jobs() JobRepository
	Approvals() ApprovalRepository
	Outbox() OutboxRepository

	Transaction(ctx context.Context, fn func(tx Persistence) error) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// TemplateRepository stores playbook templates.
type TemplateRepository interface {
	Save(ctx context.Context, template *models.PlaybookTemplate) error
	GetByID(ctx context.Context, id string) (*models.PlaybookTemplate, error)
	// GetPublishedByKey returns the single active published version for
	// the key, or ErrTemplateNotFound.
	GetPublishedByKey(ctx context.Context, key string) (*models.PlaybookTemplate, error)
	// GetByKeyAndVersion resolves a run's pinned template version.
	GetByKeyAndVersion(ctx context.Context, key string, version int) (*models.PlaybookTemplate, error)
	List(ctx context.Context, status *models.TemplateStatus) ([]*models.PlaybookTemplate, error)
	// MaxVersion returns the highest version ever saved for the key, 0
	// when the key is unknown.
	MaxVersion(ctx context.Context, key string) (int, error)
}

// RunRepository stores playbook runs. Runs are never deleted.
type RunRepository interface {
	Save(ctx context.Context, run *models.PlaybookRun) error
	GetByID(ctx context.Context, id string) (*models.PlaybookRun, error)
	ListByOrg(ctx context.Context, orgID string) ([]*models.PlaybookRun, error)
	// ListOpen returns all RUNNING runs across organizations, for the
	// SLA sweep.
	ListOpen(ctx context.Context) ([]*models.PlaybookRun, error)
}

// ListJobsOptions filters job listings.
type ListJobsOptions struct {
	OrganizationID string
	Status         *models.JobStatus
}

// JobRepository stores async jobs. Claim is the concurrency-critical
// operation: the QUEUED -> RUNNING transition must be a single
// conditional update so at most one worker executes a given job even
// under concurrent pollers.
type JobRepository interface {
	Save(ctx context.Context, job *models.AsyncJob) error
	GetByID(ctx context.Context, id string) (*models.AsyncJob, error)
	// FindOpenByCorrelationID returns the QUEUED or RUNNING job with
	// the correlation id, or ErrJobNotFound. Backs idempotent enqueue.
	FindOpenByCorrelationID(ctx context.Context, correlationID string) (*models.AsyncJob, error)
	// Claim atomically transitions the oldest eligible QUEUED job
	// (next_eligible_at <= now, ordered by priority then age) to
	// RUNNING and stamps the worker id. Returns ErrNoEligibleJobs when
	// the queue is drained.
	Claim(ctx context.Context, now time.Time, workerID string) (*models.AsyncJob, error)
	List(ctx context.Context, opts ListJobsOptions) ([]*models.AsyncJob, error)
}

// ApprovalRepository stores approval assignments.
type ApprovalRepository interface {
	Save(ctx context.Context, assignment *models.ApprovalAssignment) error
	GetByID(ctx context.Context, id string) (*models.ApprovalAssignment, error)
	// FindOpenByRunID returns the open assignment blocking the run, or
	// ErrApprovalNotFound. At most one open assignment exists per run.
	FindOpenByRunID(ctx context.Context, runID string) (*models.ApprovalAssignment, error)
	ListByAssignee(ctx context.Context, orgID, assigneeID string) ([]*models.ApprovalAssignment, error)
	ListByOrg(ctx context.Context, orgID string) ([]*models.ApprovalAssignment, error)
	// ListOpen returns all open assignments across organizations, for
	// the SLA sweep.
	ListOpen(ctx context.Context) ([]*models.ApprovalAssignment, error)
}

// OutboxRepository stores notification outbox entries.
type OutboxRepository interface {
	Save(ctx context.Context, entry *models.OutboxEntry) error
	// ListPending returns PENDING entries whose next attempt is due,
	// oldest first, up to limit.
	ListPending(ctx context.Context, now time.Time, limit int) ([]*models.OutboxEntry, error)
	ListByOrg(ctx context.Context, orgID string) ([]*models.OutboxEntry, error)
}
