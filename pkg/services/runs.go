package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cadenhq/playbook/pkg/auth"
	"github.com/cadenhq/playbook/pkg/events"
	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/outbox"
	"github.com/cadenhq/playbook/pkg/persistence"
)

// AdvanceEnqueuer schedules the asynchronous execution of a run's
// pending step transition. Enqueueing is idempotent per correlation id.
type AdvanceEnqueuer interface {
	EnqueueAdvance(ctx context.Context, run *models.PlaybookRun) (*models.AsyncJob, error)
}

// InitiateParams carries the caller-supplied inputs for a new run.
type InitiateParams struct {
	TemplateKey string         `json:"template_key" validate:"required"`
	Context     map[string]any `json:"context"`
}

// Runs is the run engine: creates runs from published templates and
// owns their lifecycle transitions.
type Runs struct {
	persistence persistence.Persistence
	enqueuer    AdvanceEnqueuer
}

// NewRuns creates the run engine service.
func NewRuns(p persistence.Persistence, enqueuer AdvanceEnqueuer) *Runs {
	return &Runs{persistence: p, enqueuer: enqueuer}
}

// Initiate creates a RUNNING run from the key's active published
// template, pins the template version, positions the run at the entry
// node, and enqueues the first advance job.
func (s *Runs) Initiate(ctx context.Context, principal auth.Principal, params InitiateParams) (*models.PlaybookRun, error) {
	template, err := s.persistence.Templates().GetPublishedByKey(ctx, params.TemplateKey)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, ErrTemplateNotPublished
		}

		return nil, err
	}

	entry := template.EntryNode()

	runContext := params.Context
	if runContext == nil {
		runContext = make(map[string]any)
	}

	now := time.Now().UTC()

	run := &models.PlaybookRun{
		ID:              uuid.New().String(),
		TemplateID:      template.ID,
		TemplateVersion: template.Version,
		OrganizationID:  principal.OrganizationID,
		Initiator:       principal.UserID,
		Context:         runContext,
		CurrentStepID:   entry.ID,
		Status:          models.RunStatusRunning,
		Steps:           make([]*models.StepExecution, 0),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	run.CorrelationID = run.AdvanceCorrelationID()

	err = s.persistence.Runs().Save(ctx, run)
	if err != nil {
		return nil, err
	}

	_, err = s.enqueuer.EnqueueAdvance(ctx, run)
	if err != nil {
		return nil, err
	}

	return run, nil
}

// Get returns a run, enforcing organization isolation: cross-org access
// fails with Forbidden rather than NotFound.
func (s *Runs) Get(ctx context.Context, principal auth.Principal, id string) (*models.PlaybookRun, error) {
	run, err := s.persistence.Runs().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := auth.CanAccessOrg(principal, run.OrganizationID); err != nil {
		return nil, err
	}

	return run, nil
}

// List returns the principal's organization's runs. A superuser may
// list another organization by passing its id.
func (s *Runs) List(ctx context.Context, principal auth.Principal, orgID string) ([]*models.PlaybookRun, error) {
	if orgID == "" {
		orgID = principal.OrganizationID
	}

	if err := auth.CanAccessOrg(principal, orgID); err != nil {
		return nil, err
	}

	return s.persistence.Runs().ListByOrg(ctx, orgID)
}

// Cancel terminates a non-terminal run. Any open approval assignment
// and any open advance job are cancelled in the same transaction, and a
// cancellation event is placed in the outbox.
func (s *Runs) Cancel(ctx context.Context, principal auth.Principal, id string) (*models.PlaybookRun, error) {
	run, err := s.persistence.Runs().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := auth.CanAccessOrg(principal, run.OrganizationID); err != nil {
		return nil, err
	}

	if run.Status.IsTerminal() {
		return nil, InvalidStateError("run", id, run.Status)
	}

	now := time.Now().UTC()

	err = s.persistence.Transaction(ctx, func(tx persistence.Persistence) error {
		run.Status = models.RunStatusCancelled
		run.FinishedAt = &now
		run.UpdatedAt = now

		if err := tx.Runs().Save(ctx, run); err != nil {
			return err
		}

		assignment, err := tx.Approvals().FindOpenByRunID(ctx, id)
		if err == nil {
			assignment.Status = models.ApprovalStatusCancelled
			assignment.UpdatedAt = now

			if err := tx.Approvals().Save(ctx, assignment); err != nil {
				return err
			}
		} else if !persistence.IsNotFound(err) {
			return err
		}

		job, err := tx.Jobs().FindOpenByCorrelationID(ctx, run.CorrelationID)
		if err == nil && job.Status == models.JobStatusQueued {
			job.Status = models.JobStatusCancelled
			job.UpdatedAt = now
			job.FinishedAt = &now

			if err := tx.Jobs().Save(ctx, job); err != nil {
				return err
			}
		} else if err != nil && !persistence.IsNotFound(err) {
			return err
		}

		return outbox.Enqueue(ctx, tx, run.OrganizationID, events.RunCancelled{
			BaseEvent: events.BaseEvent{
				ID:             uuid.New().String(),
				Type:           events.RunCancelledEvent,
				Timestamp:      now,
				OrganizationID: run.OrganizationID,
			},
			RunID:   run.ID,
			ActorID: principal.UserID,
		})
	})
	if err != nil {
		return nil, err
	}

	return run, nil
}
