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

type approvalRepository struct {
	q      querier
	logger *slog.Logger
}

const approvalColumns = `
	id
  , run_id
  , step_id
  , assignee_id
  , organization_id
  , status
  , sla_due_at
  , decision
  , created_by
  , created_at
  , updated_at
  , completed_at
`

func (r *approvalRepository) Save(ctx context.Context, assignment *models.ApprovalAssignment) error {
	decision, err := json.Marshal(assignment.Decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	query := `
		INSERT INTO approval_assignments (
			id, run_id, step_id, assignee_id, organization_id, status,
			sla_due_at, decision, created_by, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			decision = EXCLUDED.decision,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = r.q.ExecContext(ctx, query,
		assignment.ID, assignment.RunID, assignment.StepID, assignment.AssigneeID,
		assignment.OrganizationID, assignment.Status, assignment.SLADueAt, decision,
		assignment.CreatedBy, assignment.CreatedAt, assignment.UpdatedAt, assignment.CompletedAt,
	)
	if err != nil {
		return persistence.NewStoreError("Save", "approval", assignment.ID, err)
	}

	return nil
}

func (r *approvalRepository) GetByID(ctx context.Context, id string) (*models.ApprovalAssignment, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_assignments WHERE id = $1`

	assignment, err := r.scanApproval(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrApprovalNotFound
		}

		return nil, persistence.NewStoreError("GetByID", "approval", id, err)
	}

	return assignment, nil
}

func (r *approvalRepository) FindOpenByRunID(ctx context.Context, runID string) (*models.ApprovalAssignment, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_assignments
		WHERE run_id = $1 AND status IN ('pending', 'acknowledged')`

	assignment, err := r.scanApproval(r.q.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrApprovalNotFound
		}

		return nil, persistence.NewStoreError("FindOpenByRunID", "approval", runID, err)
	}

	return assignment, nil
}

func (r *approvalRepository) ListByAssignee(ctx context.Context, orgID, assigneeID string) ([]*models.ApprovalAssignment, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_assignments
		WHERE organization_id = $1 AND assignee_id = $2 ORDER BY created_at ASC`

	return r.list(ctx, "ListByAssignee", query, orgID, assigneeID)
}

func (r *approvalRepository) ListByOrg(ctx context.Context, orgID string) ([]*models.ApprovalAssignment, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_assignments
		WHERE organization_id = $1 ORDER BY created_at ASC`

	return r.list(ctx, "ListByOrg", query, orgID)
}

func (r *approvalRepository) ListOpen(ctx context.Context) ([]*models.ApprovalAssignment, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_assignments
		WHERE status IN ('pending', 'acknowledged') ORDER BY created_at ASC`

	return r.list(ctx, "ListOpen", query)
}

func (r *approvalRepository) list(ctx context.Context, op, query string, args ...any) ([]*models.ApprovalAssignment, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewStoreError(op, "approval", "", err)
	}

	defer closeRows(ctx, r.logger, rows)

	assignments := make([]*models.ApprovalAssignment, 0)

	for rows.Next() {
		assignment, err := r.scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}

		assignments = append(assignments, assignment)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}

	return assignments, nil
}

func (r *approvalRepository) scanApproval(row rowScanner) (*models.ApprovalAssignment, error) {
	var (
		assignment models.ApprovalAssignment
		decision   []byte
	)

	err := row.Scan(
		&assignment.ID, &assignment.RunID, &assignment.StepID, &assignment.AssigneeID,
		&assignment.OrganizationID, &assignment.Status, &assignment.SLADueAt, &decision,
		&assignment.CreatedBy, &assignment.CreatedAt, &assignment.UpdatedAt, &assignment.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(decision) > 0 {
		err = json.Unmarshal(decision, &assignment.Decision)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
		}
	}

	return &assignment, nil
}
