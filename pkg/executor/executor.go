// Package executor advances playbook runs through their template's
// step graph, one step per invocation.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cadenhq/playbook/pkg/events"
	"github.com/cadenhq/playbook/pkg/log"
	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/otelhelper"
	"github.com/cadenhq/playbook/pkg/outbox"
	"github.com/cadenhq/playbook/pkg/persistence"
	"github.com/cadenhq/playbook/pkg/registry"
	"github.com/cadenhq/playbook/pkg/router"
	"github.com/cadenhq/playbook/pkg/services"
)

// Executor executes exactly one step per Advance call: the run's
// current step runs, the router picks the next node, and a follow-up
// job is enqueued when the graph continues. Approval steps park the run
// instead of completing, and ResumeAfterApproval picks it back up.
type Executor struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	enqueuer    services.AdvanceEnqueuer
	logger      *slog.Logger
	tracer      trace.Tracer
}

func NewExecutor(p persistence.Persistence, reg *registry.Registry, enqueuer services.AdvanceEnqueuer, tracer trace.Tracer) *Executor {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("executor")
	}

	return &Executor{
		persistence: p,
		registry:    reg,
		enqueuer:    enqueuer,
		logger:      log.WithModule("executor"),
		tracer:      tracer,
	}
}

// Advance executes the run's current step. correlationID identifies
// the transition the caller intends to perform; a stale id means the
// transition already happened (a redelivered job) and the call is a
// no-op. Terminal and parked runs reject the call with an invalid
// state error.
func (e *Executor) Advance(ctx context.Context, runID, correlationID string) error {
	run, err := e.persistence.Runs().GetByID(ctx, runID)
	if err != nil {
		return err
	}

	logger := e.logger.With("run_id", runID, "step_id", run.CurrentStepID)

	if run.Status.IsTerminal() {
		return services.InvalidStateError("run", runID, run.Status)
	}

	if correlationID != "" && correlationID != run.AdvanceCorrelationID() {
		logger.Info("Skipping stale advance", "correlation_id", correlationID)

		return nil
	}

	if run.IsParked() {
		return services.InvalidStateError("run", runID, "awaiting approval")
	}

	template, err := e.persistence.Templates().GetByID(ctx, run.TemplateID)
	if err != nil {
		return err
	}

	node := template.Node(run.CurrentStepID)
	if node == nil {
		return fmt.Errorf("step %s not found in template %s", run.CurrentStepID, template.ID)
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "executor.advance",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.StepIDKey, node.ID),
		attribute.String(otelhelper.StepKindKey, string(node.Kind)),
	)
	defer span.End()

	switch node.Kind {
	case models.StepKindApproval:
		return e.parkForApproval(ctx, run, node)
	case models.StepKindAutomatic:
		output, err := e.executeHandler(ctx, run, node, logger)
		if err != nil {
			span.RecordError(err)

			return err
		}

		for k, v := range output {
			run.Context[k] = v
		}
	case models.StepKindBranch:
		// Pure routing node, nothing to execute.
	default:
		return fmt.Errorf("step %s has unknown kind %q", node.ID, node.Kind)
	}

	return e.continueRun(ctx, run, template, node, time.Now().UTC())
}

// ResumeAfterApproval closes the awaiting step with the recorded
// decision and routes the run onward. The decision is placed in the
// run context under approvals.<step id>, where branch predicates can
// reach it.
func (e *Executor) ResumeAfterApproval(ctx context.Context, runID string, decision map[string]any) error {
	run, err := e.persistence.Runs().GetByID(ctx, runID)
	if err != nil {
		return err
	}

	if !run.IsParked() {
		return services.InvalidStateError("run", runID, run.Status)
	}

	template, err := e.persistence.Templates().GetByID(ctx, run.TemplateID)
	if err != nil {
		return err
	}

	node := template.Node(run.CurrentStepID)
	if node == nil {
		return fmt.Errorf("step %s not found in template %s", run.CurrentStepID, template.ID)
	}

	now := time.Now().UTC()

	last := run.LastStep()
	last.Outcome = models.StepOutcomeSuccess
	last.FinishedAt = &now

	approvals, ok := run.Context["approvals"].(map[string]any)
	if !ok {
		approvals = make(map[string]any)
		run.Context["approvals"] = approvals
	}

	approvals[node.ID] = decision

	return e.route(ctx, run, template, node, now)
}

// FailRun marks a run permanently FAILED, recording the cause in the
// step log and announcing it through the outbox. Routing dead-ends end
// up here; exhausted retries do not, since a dead-lettered job leaves
// its run RUNNING for operator recovery.
func (e *Executor) FailRun(ctx context.Context, runID, cause string) error {
	run, err := e.persistence.Runs().GetByID(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()

	run.Steps = append(run.Steps, &models.StepExecution{
		StepID:     run.CurrentStepID,
		StartedAt:  now,
		FinishedAt: &now,
		Outcome:    models.StepOutcomeFailure,
		Error:      cause,
	})
	run.Status = models.RunStatusFailed
	run.FinishedAt = &now
	run.UpdatedAt = now

	return e.persistence.Transaction(ctx, func(tx persistence.Persistence) error {
		if err := tx.Runs().Save(ctx, run); err != nil {
			return err
		}

		return outbox.Enqueue(ctx, tx, run.OrganizationID, events.RunFailed{
			BaseEvent: events.BaseEvent{
				ID:             uuid.New().String(),
				Type:           events.RunFailedEvent,
				Timestamp:      now,
				OrganizationID: run.OrganizationID,
			},
			RunID:  run.ID,
			StepID: run.CurrentStepID,
			Error:  cause,
		})
	})
}

func (e *Executor) executeHandler(ctx context.Context, run *models.PlaybookRun, node *models.StepNode, logger *slog.Logger) (map[string]any, error) {
	handler, err := e.registry.CreateHandler(node.HandlerType, node.Config)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]any, len(run.Context))
	for k, v := range run.Context {
		snapshot[k] = v
	}

	executionCtx := models.ExecutionContext{
		RunID:          run.ID,
		OrganizationID: run.OrganizationID,
		StepID:         node.ID,
		Context:        snapshot,
	}

	return handler.Execute(ctx, executionCtx, logger)
}

// parkForApproval records the awaiting step and, when the step names an
// assignee, opens the approval assignment in the same transaction.
// Steps without an assignee park the run unassigned and leave the
// assignment to a manual Assign. Re-entry while an assignment is
// already open is a redelivered job and does nothing.
func (e *Executor) parkForApproval(ctx context.Context, run *models.PlaybookRun, node *models.StepNode) error {
	_, err := e.persistence.Approvals().FindOpenByRunID(ctx, run.ID)
	if err == nil {
		return nil
	}

	if !persistence.IsNotFound(err) {
		return err
	}

	now := time.Now().UTC()

	assigneeID, _ := node.Config["assignee_id"].(string)

	run.Steps = append(run.Steps, &models.StepExecution{
		StepID:    node.ID,
		StartedAt: now,
		Outcome:   models.StepOutcomeAwaitingApproval,
	})
	run.UpdatedAt = now

	if assigneeID == "" {
		return e.persistence.Runs().Save(ctx, run)
	}

	assignment := &models.ApprovalAssignment{
		ID:             uuid.New().String(),
		RunID:          run.ID,
		StepID:         node.ID,
		AssigneeID:     assigneeID,
		OrganizationID: run.OrganizationID,
		Status:         models.ApprovalStatusPending,
		SLADueAt:       now.Add(node.SLADuration),
		CreatedBy:      run.Initiator,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	return e.persistence.Transaction(ctx, func(tx persistence.Persistence) error {
		if err := tx.Runs().Save(ctx, run); err != nil {
			return err
		}

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
			RunID:        run.ID,
			AssigneeID:   assignment.AssigneeID,
			SLADueAt:     assignment.SLADueAt,
		})
	})
}

// continueRun appends the successful step entry and routes onward.
func (e *Executor) continueRun(ctx context.Context, run *models.PlaybookRun, template *models.PlaybookTemplate, node *models.StepNode, now time.Time) error {
	run.Steps = append(run.Steps, &models.StepExecution{
		StepID:     node.ID,
		StartedAt:  now,
		FinishedAt: &now,
		Outcome:    models.StepOutcomeSuccess,
	})

	return e.route(ctx, run, template, node, now)
}

// route picks the next node and persists the transition. A routing
// dead-end is a template defect that fails the run permanently, since
// retrying cannot change a deterministic decision; the original error
// still propagates so a synchronous caller sees the dead-end itself.
func (e *Executor) route(ctx context.Context, run *models.PlaybookRun, template *models.PlaybookTemplate, node *models.StepNode, now time.Time) error {
	decision, err := router.Route(template, node.ID, run.Context, run.StepVisits)
	if err != nil {
		if failErr := e.FailRun(ctx, run.ID, err.Error()); failErr != nil {
			return failErr
		}

		return err
	}

	run.UpdatedAt = now

	if decision.Next == nil {
		run.Status = models.RunStatusCompleted
		run.CurrentStepID = ""
		run.FinishedAt = &now

		return e.persistence.Transaction(ctx, func(tx persistence.Persistence) error {
			if err := tx.Runs().Save(ctx, run); err != nil {
				return err
			}

			return outbox.Enqueue(ctx, tx, run.OrganizationID, events.RunCompleted{
				BaseEvent: events.BaseEvent{
					ID:             uuid.New().String(),
					Type:           events.RunCompletedEvent,
					Timestamp:      now,
					OrganizationID: run.OrganizationID,
				},
				RunID:      run.ID,
				TemplateID: run.TemplateID,
			})
		})
	}

	run.CurrentStepID = decision.Next.ID
	run.CorrelationID = run.AdvanceCorrelationID()

	err = e.persistence.Transaction(ctx, func(tx persistence.Persistence) error {
		if err := tx.Runs().Save(ctx, run); err != nil {
			return err
		}

		return outbox.Enqueue(ctx, tx, run.OrganizationID, events.RunAdvanced{
			BaseEvent: events.BaseEvent{
				ID:             uuid.New().String(),
				Type:           events.RunAdvancedEvent,
				Timestamp:      now,
				OrganizationID: run.OrganizationID,
			},
			RunID:  run.ID,
			StepID: run.CurrentStepID,
		})
	})
	if err != nil {
		return err
	}

	_, err = e.enqueuer.EnqueueAdvance(ctx, run)

	return err
}
