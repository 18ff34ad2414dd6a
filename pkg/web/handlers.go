package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/cadenhq/playbook/pkg/approvals"
	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/persistence"
	"github.com/cadenhq/playbook/pkg/presence"
	"github.com/cadenhq/playbook/pkg/queue"
	"github.com/cadenhq/playbook/pkg/router"
	"github.com/cadenhq/playbook/pkg/services"
	"github.com/cadenhq/playbook/pkg/sla"
)

// RunAdvancer executes a single step transition inline. The executor
// implements it; the indirection keeps the web layer off the executor's
// dependency graph.
type RunAdvancer interface {
	Advance(ctx context.Context, runID, correlationID string) error
}

type APIHandlers struct {
	templateService *services.Templates
	runService      *services.Runs
	queue           *queue.Queue
	advancer        RunAdvancer
	approvalService *approvals.Service
	monitor         *sla.Monitor
	presence        presence.Store
	persistence     persistence.Persistence
	validator       *validator.Validate
}

func NewAPIHandlers(
	templateService *services.Templates,
	runService *services.Runs,
	jobQueue *queue.Queue,
	advancer RunAdvancer,
	approvalService *approvals.Service,
	monitor *sla.Monitor,
	presenceStore presence.Store,
	p persistence.Persistence,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		templateService: templateService,
		runService:      runService,
		queue:           jobQueue,
		advancer:        advancer,
		approvalService: approvalService,
		monitor:         monitor,
		presence:        presenceStore,
		persistence:     p,
		validator:       validate,
	}
}

// Templates

func (h *APIHandlers) CreateTemplate(c fiber.Ctx) error {
	var req CreateTemplateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	template, err := h.templateService.CreateDraft(c.Context(), principalFrom(c), services.TemplateSpec{
		Key:           req.Key,
		Title:         req.Title,
		TriggerSignal: req.TriggerSignal,
		Nodes:         req.Nodes,
		Edges:         req.Edges,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(template)
}

func (h *APIHandlers) GetTemplates(c fiber.Ctx) error {
	var status *models.TemplateStatus

	if statusStr := c.Query("status"); statusStr != "" {
		s := models.TemplateStatus(statusStr)
		status = &s
	}

	templates, err := h.templateService.List(c.Context(), status)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(templates)
}

func (h *APIHandlers) GetTemplate(c fiber.Ctx) error {
	template, err := h.templateService.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(template)
}

func (h *APIHandlers) UpdateTemplate(c fiber.Ctx) error {
	var req UpdateTemplateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	template, err := h.templateService.UpdateDraft(c.Context(), principalFrom(c), c.Params("id"), services.TemplatePatch{
		Title:         req.Title,
		TriggerSignal: req.TriggerSignal,
		Nodes:         req.Nodes,
		Edges:         req.Edges,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(template)
}

func (h *APIHandlers) ValidateTemplate(c fiber.Ctx) error {
	graphErrs, err := h.templateService.Validate(c.Context(), principalFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(ValidationResponse{
		Valid:  len(graphErrs) == 0,
		Errors: graphErrs,
	})
}

func (h *APIHandlers) PublishTemplate(c fiber.Ctx) error {
	template, err := h.templateService.Publish(c.Context(), principalFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(template)
}

func (h *APIHandlers) DeprecateTemplate(c fiber.Ctx) error {
	template, err := h.templateService.Deprecate(c.Context(), principalFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(template)
}

func (h *APIHandlers) ExportTemplate(c fiber.Ctx) error {
	document, err := h.templateService.Export(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(document)
}

func (h *APIHandlers) ImportTemplate(c fiber.Ctx) error {
	template, err := h.templateService.Import(c.Context(), principalFrom(c), json.RawMessage(c.Body()))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(template)
}

// Runs

func (h *APIHandlers) InitiateRun(c fiber.Ctx) error {
	var req InitiateRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.runService.Initiate(c.Context(), principalFrom(c), services.InitiateParams{
		TemplateKey: req.TemplateKey,
		Context:     req.Context,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	// The run exists but its first step executes asynchronously.
	return c.Status(fiber.StatusAccepted).JSON(run)
}

func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	runs, err := h.runService.List(c.Context(), principalFrom(c), c.Query("org_id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(runs)
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.runService.Get(c.Context(), principalFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	run, err := h.runService.Cancel(c.Context(), principalFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

// AdvanceRun executes the run's pending step inline and returns the
// updated run. The same correlation id check the queue applies guards
// this path: when an open job already covers the transition the call
// conflicts instead of racing the worker.
func (h *APIHandlers) AdvanceRun(c fiber.Ctx) error {
	run, err := h.runService.Get(c.Context(), principalFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	if run.Status.IsTerminal() {
		return handleServiceError(c, services.InvalidStateError("run", run.ID, run.Status))
	}

	if run.IsParked() {
		return handleServiceError(c, services.InvalidStateError("run", run.ID, "awaiting approval"))
	}

	open, err := h.persistence.Jobs().FindOpenByCorrelationID(c.Context(), run.AdvanceCorrelationID())
	if err != nil && !persistence.IsNotFound(err) {
		return internalError(c, err)
	}

	if open != nil {
		return handleServiceError(c,
			fmt.Errorf("run %s transition is already queued as job %s: %w", run.ID, open.ID, services.ErrConflict))
	}

	if err := h.advancer.Advance(c.Context(), run.ID, run.AdvanceCorrelationID()); err != nil {
		return handleServiceError(c, err)
	}

	run, err = h.runService.Get(c.Context(), principalFrom(c), run.ID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

// AdvanceRunAsync enqueues the run's pending step transition. The
// response is 202: execution happens on a worker, and re-submitting
// returns the same open job instead of a duplicate.
func (h *APIHandlers) AdvanceRunAsync(c fiber.Ctx) error {
	run, err := h.runService.Get(c.Context(), principalFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	if run.Status.IsTerminal() {
		return handleServiceError(c, services.InvalidStateError("run", run.ID, run.Status))
	}

	if run.IsParked() {
		return handleServiceError(c, services.InvalidStateError("run", run.ID, "awaiting approval"))
	}

	job, err := h.queue.EnqueueAdvance(c.Context(), run)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(job)
}

// DryRunRoute evaluates the routing decision out of the run's current
// step without moving the run. Because routing is deterministic, the
// answer is exactly what a real advance would do with the same context.
func (h *APIHandlers) DryRunRoute(c fiber.Ctx) error {
	run, err := h.runService.Get(c.Context(), principalFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	if run.Status.IsTerminal() || run.CurrentStepID == "" {
		return handleServiceError(c, services.InvalidStateError("run", run.ID, run.Status))
	}

	template, err := h.templateService.Get(c.Context(), run.TemplateID)
	if err != nil {
		return handleServiceError(c, err)
	}

	decision, err := router.Route(template, run.CurrentStepID, run.Context, run.StepVisits)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(RouteDecisionResponse{
		EndOfGraph: decision.Next == nil,
		Edge:       decision.Edge,
		Next:       decision.Next,
	})
}

// Jobs

func (h *APIHandlers) GetJobs(c fiber.Ctx) error {
	var status *models.JobStatus

	if statusStr := c.Query("status"); statusStr != "" {
		s := models.JobStatus(statusStr)
		status = &s
	}

	jobs, err := h.queue.List(c.Context(), principalFrom(c), c.Query("org_id"), status)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(jobs)
}

func (h *APIHandlers) GetJob(c fiber.Ctx) error {
	job, err := h.queue.Get(c.Context(), principalFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(job)
}

func (h *APIHandlers) RetryJob(c fiber.Ctx) error {
	job, err := h.queue.Retry(c.Context(), principalFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(job)
}

func (h *APIHandlers) CancelJob(c fiber.Ctx) error {
	job, err := h.queue.Cancel(c.Context(), principalFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(job)
}

// Approvals

func (h *APIHandlers) AssignApproval(c fiber.Ctx) error {
	var req AssignApprovalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	assignment, err := h.approvalService.Assign(c.Context(), principalFrom(c), approvals.AssignParams{
		RunID:      req.RunID,
		StepID:     req.StepID,
		AssigneeID: req.AssigneeID,
		SLADueAt:   req.SLADueAt,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(assignment)
}

func (h *APIHandlers) GetApprovals(c fiber.Ctx) error {
	assignments, err := h.approvalService.ListByOrg(c.Context(), principalFrom(c), c.Query("org_id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(assignments)
}

func (h *APIHandlers) GetMyApprovals(c fiber.Ctx) error {
	assignments, err := h.approvalService.ListMine(c.Context(), principalFrom(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(assignments)
}

func (h *APIHandlers) GetOverdueApprovals(c fiber.Ctx) error {
	assignments, err := h.approvalService.Overdue(c.Context(), principalFrom(c), c.Query("org_id"), time.Now().UTC())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(assignments)
}

func (h *APIHandlers) GetApproval(c fiber.Ctx) error {
	assignment, err := h.approvalService.Get(c.Context(), principalFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(assignment)
}

func (h *APIHandlers) ReassignApproval(c fiber.Ctx) error {
	var req ReassignApprovalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	assignment, err := h.approvalService.Reassign(c.Context(), principalFrom(c), c.Params("id"), req.AssigneeID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(assignment)
}

func (h *APIHandlers) AcknowledgeApproval(c fiber.Ctx) error {
	assignment, err := h.approvalService.Acknowledge(c.Context(), principalFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(assignment)
}

func (h *APIHandlers) CompleteApproval(c fiber.Ctx) error {
	var req CompleteApprovalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	assignment, err := h.approvalService.Complete(c.Context(), principalFrom(c), c.Params("id"), req.Decision)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(assignment)
}

// Operations

func (h *APIHandlers) GetSLADashboard(c fiber.Ctx) error {
	dashboard, err := h.monitor.BuildDashboard(c.Context(), principalFrom(c), c.Query("org_id"), time.Now().UTC())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(dashboard)
}

func (h *APIHandlers) GetSLAAlerts(c fiber.Ctx) error {
	alerts, err := h.monitor.BuildAlerts(c.Context(), principalFrom(c), c.Query("org_id"), time.Now().UTC())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(alerts)
}

// RunSLACheck triggers an immediate SLA sweep instead of waiting for
// the scheduled one.
func (h *APIHandlers) RunSLACheck(c fiber.Ctx) error {
	if !principalFrom(c).IsAdmin() {
		return forbidden(c)
	}

	if err := h.monitor.Sweep(c.Context(), time.Now().UTC()); err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"status": "completed"})
}

func (h *APIHandlers) GetWorkers(c fiber.Ctx) error {
	workers, err := h.presence.Active(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"workers": workers})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	err := h.persistence.HealthCheck(c.Context())

	status := "healthy"
	message := "Playbook API is healthy"
	httpStatus := http.StatusOK

	if err != nil {
		status = "unhealthy"
		message = "Playbook API is unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}
