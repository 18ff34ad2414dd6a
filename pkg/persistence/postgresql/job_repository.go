package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/persistence"
)

type jobRepository struct {
	q      querier
	logger *slog.Logger
}

const jobColumns = `
	id
  , kind
  , run_id
  , organization_id
  , correlation_id
  , priority
  , status
  , attempts
  , next_eligible_at
  , last_error
  , claimed_by
  , created_at
  , updated_at
  , finished_at
`

func (r *jobRepository) Save(ctx context.Context, job *models.AsyncJob) error {
	query := `
		INSERT INTO async_jobs (
			id, kind, run_id, organization_id, correlation_id, priority,
			status, attempts, next_eligible_at, last_error, claimed_by,
			created_at, updated_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			next_eligible_at = EXCLUDED.next_eligible_at,
			last_error = EXCLUDED.last_error,
			claimed_by = EXCLUDED.claimed_by,
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at
	`

	_, err := r.q.ExecContext(ctx, query,
		job.ID, job.Kind, job.RunID, job.OrganizationID, job.CorrelationID, job.Priority,
		job.Status, job.Attempts, job.NextEligibleAt, nullableString(job.LastError),
		nullableString(job.ClaimedBy), job.CreatedAt, job.UpdatedAt, job.FinishedAt,
	)
	if err != nil {
		return persistence.NewStoreError("Save", "job", job.ID, err)
	}

	return nil
}

func (r *jobRepository) GetByID(ctx context.Context, id string) (*models.AsyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM async_jobs WHERE id = $1`

	job, err := r.scanJob(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrJobNotFound
		}

		return nil, persistence.NewStoreError("GetByID", "job", id, err)
	}

	return job, nil
}

func (r *jobRepository) FindOpenByCorrelationID(ctx context.Context, correlationID string) (*models.AsyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM async_jobs
		WHERE correlation_id = $1 AND status IN ('queued', 'running')`

	job, err := r.scanJob(r.q.QueryRowContext(ctx, query, correlationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrJobNotFound
		}

		return nil, persistence.NewStoreError("FindOpenByCorrelationID", "job", correlationID, err)
	}

	return job, nil
}

// Claim transitions the oldest eligible QUEUED job to RUNNING in a
// single conditional update. FOR UPDATE SKIP LOCKED keeps concurrent
// pollers from contending on the same row, and the status predicate on
// the outer UPDATE guarantees at-most-one claimant.
func (r *jobRepository) Claim(ctx context.Context, now time.Time, workerID string) (*models.AsyncJob, error) {
	query := `
		UPDATE async_jobs SET
			status = 'running',
			claimed_by = $1,
			updated_at = $2
		WHERE id = (
			SELECT id FROM async_jobs
			WHERE status = 'queued' AND next_eligible_at <= $2
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = 'queued'
		RETURNING ` + jobColumns

	job, err := r.scanJob(r.q.QueryRowContext(ctx, query, workerID, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNoEligibleJobs
		}

		return nil, persistence.NewStoreError("Claim", "job", "", err)
	}

	return job, nil
}

func (r *jobRepository) List(ctx context.Context, opts persistence.ListJobsOptions) ([]*models.AsyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM async_jobs WHERE 1=1`
	args := make([]any, 0, 2)

	if opts.OrganizationID != "" {
		args = append(args, opts.OrganizationID)
		query += fmt.Sprintf(" AND organization_id = $%d", len(args))
	}

	if opts.Status != nil {
		args = append(args, *opts.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	query += ` ORDER BY created_at ASC`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewStoreError("List", "job", "", err)
	}

	defer closeRows(ctx, r.logger, rows)

	jobs := make([]*models.AsyncJob, 0)

	for rows.Next() {
		job, err := r.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		jobs = append(jobs, job)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func (r *jobRepository) scanJob(row rowScanner) (*models.AsyncJob, error) {
	var (
		job       models.AsyncJob
		lastError sql.NullString
		claimedBy sql.NullString
	)

	err := row.Scan(
		&job.ID, &job.Kind, &job.RunID, &job.OrganizationID, &job.CorrelationID, &job.Priority,
		&job.Status, &job.Attempts, &job.NextEligibleAt, &lastError, &claimedBy,
		&job.CreatedAt, &job.UpdatedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.LastError = lastError.String
	job.ClaimedBy = claimedBy.String

	return &job, nil
}
