// Package approvals is the human workqueue: assignments created when a
// run parks on an approval step, with acknowledgement, completion, and
// SLA deadlines.
package approvals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cadenhq/playbook/pkg/auth"
	"github.com/cadenhq/playbook/pkg/events"
	"github.com/cadenhq/playbook/pkg/log"
	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/outbox"
	"github.com/cadenhq/playbook/pkg/persistence"
	"github.com/cadenhq/playbook/pkg/services"
)

// Resumer unparks a run once its approval decision is recorded.
type Resumer interface {
	ResumeAfterApproval(ctx context.Context, runID string, decision map[string]any) error
}

// AssignParams creates a manual assignment for a parked run. SLADueAt
// is an absolute deadline; a zero value falls back to 24 hours from
// now, and a deadline in the past makes the assignment overdue at
// once.
type AssignParams struct {
	RunID      string    `json:"run_id"      validate:"required"`
	StepID     string    `json:"step_id"     validate:"required"`
	AssigneeID string    `json:"assignee_id" validate:"required"`
	SLADueAt   time.Time `json:"sla_due_at"`
}

type Service struct {
	persistence persistence.Persistence
	resumer     Resumer
	logger      *slog.Logger
}

func NewService(p persistence.Persistence, resumer Resumer) *Service {
	return &Service{
		persistence: p,
		resumer:     resumer,
		logger:      log.WithModule("approvals"),
	}
}

// Assign creates an assignment by hand, for runs parked without an
// assignee. At most one open assignment may exist per run, so an
// existing open one is a conflict, not a second assignment.
func (s *Service) Assign(ctx context.Context, principal auth.Principal, params AssignParams) (*models.ApprovalAssignment, error) {
	if err := auth.CanAssignApprovals(principal); err != nil {
		return nil, err
	}

	run, err := s.persistence.Runs().GetByID(ctx, params.RunID)
	if err != nil {
		return nil, err
	}

	if err := auth.CanAccessOrg(principal, run.OrganizationID); err != nil {
		return nil, err
	}

	_, err = s.persistence.Approvals().FindOpenByRunID(ctx, params.RunID)
	if err == nil {
		return nil, fmt.Errorf("run %s already has an open assignment: %w", params.RunID, services.ErrConflict)
	}

	if !persistence.IsNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()

	slaDueAt := params.SLADueAt
	if slaDueAt.IsZero() {
		slaDueAt = now.Add(24 * time.Hour)
	}

	assignment := &models.ApprovalAssignment{
		ID:             uuid.New().String(),
		RunID:          params.RunID,
		StepID:         params.StepID,
		AssigneeID:     params.AssigneeID,
		OrganizationID: run.OrganizationID,
		Status:         models.ApprovalStatusPending,
		SLADueAt:       slaDueAt,
		CreatedBy:      principal.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.persistence.Transaction(ctx, func(tx persistence.Persistence) error {
		if err := tx.Approvals().Save(ctx, assignment); err != nil {
			return err
		}

		return outbox.Enqueue(ctx, tx, run.OrganizationID, events.ApprovalAssigned{
			BaseEvent: events.BaseEvent{
				ID:             uuid.New().String(),
				Type:           events.ApprovalAssignedEvent,
				Timestamp:      now,
				OrganizationID: run.OrganizationID,
			},
			AssignmentID: assignment.ID,
			RunID:        assignment.RunID,
			AssigneeID:   assignment.AssigneeID,
			SLADueAt:     assignment.SLADueAt,
		})
	})
	if err != nil {
		return nil, err
	}

	return assignment, nil
}

// Reassign moves an open assignment to another assignee. The SLA
// deadline does not move; reassignment is not an extension.
func (s *Service) Reassign(ctx context.Context, principal auth.Principal, id, assigneeID string) (*models.ApprovalAssignment, error) {
	if err := auth.CanAssignApprovals(principal); err != nil {
		return nil, err
	}

	assignment, err := s.persistence.Approvals().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := auth.CanAccessOrg(principal, assignment.OrganizationID); err != nil {
		return nil, err
	}

	if !assignment.IsOpen() {
		return nil, services.InvalidStateError("assignment", id, assignment.Status)
	}

	assignment.AssigneeID = assigneeID
	assignment.UpdatedAt = time.Now().UTC()

	err = s.persistence.Approvals().Save(ctx, assignment)
	if err != nil {
		return nil, err
	}

	return assignment, nil
}

// Acknowledge confirms the assignee has seen the assignment. Only the
// assignee themselves or an admin may acknowledge.
func (s *Service) Acknowledge(ctx context.Context, principal auth.Principal, id string) (*models.ApprovalAssignment, error) {
	assignment, err := s.persistence.Approvals().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := auth.CanAccessOrg(principal, assignment.OrganizationID); err != nil {
		return nil, err
	}

	if err := auth.CanActOnAssignment(principal, assignment.AssigneeID); err != nil {
		return nil, err
	}

	if assignment.Status != models.ApprovalStatusPending {
		return nil, services.InvalidStateError("assignment", id, assignment.Status)
	}

	assignment.Status = models.ApprovalStatusAcknowledged
	assignment.UpdatedAt = time.Now().UTC()

	err = s.persistence.Approvals().Save(ctx, assignment)
	if err != nil {
		return nil, err
	}

	return assignment, nil
}

// Complete records the decision and resumes the parked run. The
// decision lands in the run context, where downstream branch
// predicates can route on it.
func (s *Service) Complete(ctx context.Context, principal auth.Principal, id string, decision map[string]any) (*models.ApprovalAssignment, error) {
	assignment, err := s.persistence.Approvals().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := auth.CanAccessOrg(principal, assignment.OrganizationID); err != nil {
		return nil, err
	}

	if err := auth.CanActOnAssignment(principal, assignment.AssigneeID); err != nil {
		return nil, err
	}

	if !assignment.IsOpen() {
		return nil, services.InvalidStateError("assignment", id, assignment.Status)
	}

	now := time.Now().UTC()

	if decision == nil {
		decision = map[string]any{}
	}

	decision["decided_by"] = principal.UserID

	assignment.Status = models.ApprovalStatusCompleted
	assignment.Decision = decision
	assignment.CompletedAt = &now
	assignment.UpdatedAt = now

	err = s.persistence.Approvals().Save(ctx, assignment)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Assignment completed", "assignment_id", id, "run_id", assignment.RunID, "decided_by", principal.UserID)

	err = s.resumer.ResumeAfterApproval(ctx, assignment.RunID, decision)
	if err != nil {
		return nil, err
	}

	return assignment, nil
}

// Get returns an assignment with organization isolation enforced.
func (s *Service) Get(ctx context.Context, principal auth.Principal, id string) (*models.ApprovalAssignment, error) {
	assignment, err := s.persistence.Approvals().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := auth.CanAccessOrg(principal, assignment.OrganizationID); err != nil {
		return nil, err
	}

	return assignment, nil
}

// ListMine returns the principal's own workqueue.
func (s *Service) ListMine(ctx context.Context, principal auth.Principal) ([]*models.ApprovalAssignment, error) {
	return s.persistence.Approvals().ListByAssignee(ctx, principal.OrganizationID, principal.UserID)
}

// ListByOrg returns the organization's assignments.
func (s *Service) ListByOrg(ctx context.Context, principal auth.Principal, orgID string) ([]*models.ApprovalAssignment, error) {
	if orgID == "" {
		orgID = principal.OrganizationID
	}

	if err := auth.CanAccessOrg(principal, orgID); err != nil {
		return nil, err
	}

	return s.persistence.Approvals().ListByOrg(ctx, orgID)
}

// Overdue returns the organization's open assignments whose SLA
// deadline has passed, evaluated against now.
func (s *Service) Overdue(ctx context.Context, principal auth.Principal, orgID string, now time.Time) ([]*models.ApprovalAssignment, error) {
	assignments, err := s.ListByOrg(ctx, principal, orgID)
	if err != nil {
		return nil, err
	}

	overdue := make([]*models.ApprovalAssignment, 0)

	for _, a := range assignments {
		if a.IsOverdue(now) {
			overdue = append(overdue, a)
		}
	}

	return overdue, nil
}
