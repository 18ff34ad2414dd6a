package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/persistence"
)

type runRepository struct {
	q      querier
	logger *slog.Logger
}

const runColumns = `
	id
  , template_id
  , template_version
  , organization_id
  , initiator
  , context
  , current_step_id
  , status
  , correlation_id
  , steps
  , created_at
  , updated_at
  , finished_at
`

func (r *runRepository) Save(ctx context.Context, run *models.PlaybookRun) error {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal run context: %w", err)
	}

	stepsJSON, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal run steps: %w", err)
	}

	query := `
		INSERT INTO playbook_runs (
			id, template_id, template_version, organization_id, initiator,
			context, current_step_id, status, correlation_id, steps,
			created_at, updated_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			context = EXCLUDED.context,
			current_step_id = EXCLUDED.current_step_id,
			status = EXCLUDED.status,
			steps = EXCLUDED.steps,
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at
	`

	_, err = r.q.ExecContext(ctx, query,
		run.ID, run.TemplateID, run.TemplateVersion, run.OrganizationID, run.Initiator,
		contextJSON, nullableString(run.CurrentStepID), run.Status, run.CorrelationID, stepsJSON,
		run.CreatedAt, run.UpdatedAt, run.FinishedAt,
	)
	if err != nil {
		return persistence.NewStoreError("Save", "run", run.ID, err)
	}

	return nil
}

func (r *runRepository) GetByID(ctx context.Context, id string) (*models.PlaybookRun, error) {
	query := `SELECT ` + runColumns + ` FROM playbook_runs WHERE id = $1`

	run, err := r.scanRun(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrRunNotFound
		}

		return nil, persistence.NewStoreError("GetByID", "run", id, err)
	}

	return run, nil
}

func (r *runRepository) ListByOrg(ctx context.Context, orgID string) ([]*models.PlaybookRun, error) {
	query := `SELECT ` + runColumns + ` FROM playbook_runs WHERE organization_id = $1 ORDER BY created_at ASC`

	return r.list(ctx, "ListByOrg", query, orgID)
}

func (r *runRepository) ListOpen(ctx context.Context) ([]*models.PlaybookRun, error) {
	query := `SELECT ` + runColumns + ` FROM playbook_runs WHERE status = 'running' ORDER BY created_at ASC`

	return r.list(ctx, "ListOpen", query)
}

func (r *runRepository) list(ctx context.Context, op, query string, args ...any) ([]*models.PlaybookRun, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewStoreError(op, "run", "", err)
	}

	defer closeRows(ctx, r.logger, rows)

	runs := make([]*models.PlaybookRun, 0)

	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func (r *runRepository) scanRun(row rowScanner) (*models.PlaybookRun, error) {
	var (
		run           models.PlaybookRun
		currentStepID sql.NullString
		contextJSON   []byte
		stepsJSON     []byte
	)

	err := row.Scan(
		&run.ID, &run.TemplateID, &run.TemplateVersion, &run.OrganizationID, &run.Initiator,
		&contextJSON, &currentStepID, &run.Status, &run.CorrelationID, &stepsJSON,
		&run.CreatedAt, &run.UpdatedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	run.CurrentStepID = currentStepID.String

	err = json.Unmarshal(contextJSON, &run.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal run context: %w", err)
	}

	err = json.Unmarshal(stepsJSON, &run.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal run steps: %w", err)
	}

	return &run, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
