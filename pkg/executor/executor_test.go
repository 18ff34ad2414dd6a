package executor_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenhq/playbook/pkg/approvals"
	"github.com/cadenhq/playbook/pkg/auth"
	"github.com/cadenhq/playbook/pkg/executor"
	"github.com/cadenhq/playbook/pkg/handlers/log"
	"github.com/cadenhq/playbook/pkg/handlers/setcontext"
	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/persistence"
	"github.com/cadenhq/playbook/pkg/persistence/memory"
	"github.com/cadenhq/playbook/pkg/protocol"
	"github.com/cadenhq/playbook/pkg/queue"
	"github.com/cadenhq/playbook/pkg/registry"
	"github.com/cadenhq/playbook/pkg/services"
)

var admin = auth.Principal{UserID: "user-1", OrganizationID: "org-1", Role: auth.RoleAdmin}

// failingHandlerFactory always errors, to drive the retry path.
type failingHandlerFactory struct{}

func (*failingHandlerFactory) ID() string { return "always_fail" }

func (*failingHandlerFactory) Create(map[string]any) (protocol.StepHandler, error) {
	return failingHandler{}, nil
}

type failingHandler struct{}

func (failingHandler) Execute(context.Context, models.ExecutionContext, *slog.Logger) (map[string]any, error) {
	return nil, errors.New("handler blew up")
}

// flakyHandlerFactory fails a fixed number of attempts, then succeeds.
type flakyHandlerFactory struct {
	mu        sync.Mutex
	remaining int
}

func (*flakyHandlerFactory) ID() string { return "flaky" }

func (f *flakyHandlerFactory) Create(map[string]any) (protocol.StepHandler, error) {
	return flakyHandler{factory: f}, nil
}

type flakyHandler struct {
	factory *flakyHandlerFactory
}

func (h flakyHandler) Execute(context.Context, models.ExecutionContext, *slog.Logger) (map[string]any, error) {
	h.factory.mu.Lock()
	defer h.factory.mu.Unlock()

	if h.factory.remaining > 0 {
		h.factory.remaining--

		return nil, errors.New("transient failure")
	}

	return map[string]any{}, nil
}

func newRegistry() *registry.Registry {
	reg := registry.NewRegistry(slog.Default())
	reg.RegisterHandler(setcontext.NewSetContextHandlerFactory())
	reg.RegisterHandler(log.NewLogHandlerFactory())
	reg.RegisterHandler(&failingHandlerFactory{})

	return reg
}

// approvalFlowSpec is a risk triage graph: enrichment, a branch on
// riskLevel, approval on the HIGH path, and a closing step.
func approvalFlowSpec() services.TemplateSpec {
	return services.TemplateSpec{
		Key:   "risk-triage",
		Title: "Risk Triage",
		Nodes: []*models.StepNode{
			{
				ID: "enrich", Name: "Enrich", Kind: models.StepKindAutomatic,
				HandlerType: "set_context",
				Config:      map[string]any{"fields": map[string]any{"riskLevel": "HIGH"}},
			},
			{ID: "classify", Name: "Classify", Kind: models.StepKindBranch},
			{
				ID: "review", Name: "Review", Kind: models.StepKindApproval,
				SLADuration: time.Hour,
				Config:      map[string]any{"assignee_id": "approver-1"},
			},
			{ID: "close", Name: "Close", Kind: models.StepKindAutomatic, HandlerType: "log"},
		},
		Edges: []*models.Edge{
			{ID: "e1", From: "enrich", To: "classify"},
			{ID: "e2", From: "classify", To: "review", Predicate: &models.Predicate{
				Field: "riskLevel", Op: models.OpEquals, Value: "HIGH",
			}},
			{ID: "e3", From: "classify", To: "close", Default: true},
			{ID: "e4", From: "review", To: "close"},
		},
	}
}

type fixture struct {
	persistence persistence.Persistence
	queue       *queue.Queue
	executor    *executor.Executor
	runs        *services.Runs
	approvals   *approvals.Service
}

func newFixture(t *testing.T, spec services.TemplateSpec, extra ...protocol.StepHandlerFactory) *fixture {
	t.Helper()

	p := memory.NewPersistence()
	templates := services.NewTemplates(p)

	created, err := templates.CreateDraft(t.Context(), admin, spec)
	require.NoError(t, err)
	_, err = templates.Publish(t.Context(), admin, created.ID)
	require.NoError(t, err)

	reg := newRegistry()
	for _, factory := range extra {
		reg.RegisterHandler(factory)
	}

	jobQueue := queue.NewQueue(p, queue.DefaultConfig())
	exec := executor.NewExecutor(p, reg, jobQueue, nil)

	return &fixture{
		persistence: p,
		queue:       jobQueue,
		executor:    exec,
		runs:        services.NewRuns(p, jobQueue),
		approvals:   approvals.NewService(p, exec),
	}
}

// drain claims and executes jobs until the queue is empty, making due
// jobs immediately eligible, the way a worker would over time.
func (f *fixture) drain(t *testing.T) {
	t.Helper()

	for {
		job, err := f.queue.Claim(t.Context(), "test-worker")
		if errors.Is(err, persistence.ErrNoEligibleJobs) {
			return
		}

		require.NoError(t, err)

		execErr := f.executor.Advance(t.Context(), job.RunID, job.CorrelationID)
		if execErr == nil {
			require.NoError(t, f.queue.CompleteSuccess(t.Context(), job))

			continue
		}

		_, err = f.queue.CompleteFailure(t.Context(), job, execErr)
		require.NoError(t, err)

		if job.Status != models.JobStatusQueued {
			continue
		}

		// Make the requeued job immediately eligible again.
		job.NextEligibleAt = time.Now().UTC().Add(-time.Second)
		require.NoError(t, f.persistence.Jobs().Save(t.Context(), job))
	}
}

func TestExecutor_RunParksOnApprovalAndResumes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, approvalFlowSpec())

	run, err := f.runs.Initiate(t.Context(), admin, services.InitiateParams{TemplateKey: "risk-triage"})
	require.NoError(t, err)

	f.drain(t)

	// The HIGH path parks the run on the review step.
	parked, err := f.persistence.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, parked.Status)
	assert.True(t, parked.IsParked())
	assert.Equal(t, "review", parked.CurrentStepID)
	assert.Equal(t, "HIGH", parked.Context["riskLevel"])

	assignment, err := f.persistence.Approvals().FindOpenByRunID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "approver-1", assignment.AssigneeID)
	assert.Equal(t, models.ApprovalStatusPending, assignment.Status)

	// Advancing a parked run is rejected.
	err = f.executor.Advance(t.Context(), run.ID, "")
	assert.True(t, services.IsInvalidState(err))

	// The approver decides, the run resumes and completes.
	approver := auth.Principal{UserID: "approver-1", OrganizationID: "org-1", Role: auth.RoleMember}

	_, err = f.approvals.Complete(t.Context(), approver, assignment.ID, map[string]any{"approved": true})
	require.NoError(t, err)

	f.drain(t)

	finished, err := f.persistence.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, finished.Status)
	assert.NotNil(t, finished.FinishedAt)
	assert.Empty(t, finished.CurrentStepID)

	// The step log records the whole path.
	stepIDs := make([]string, 0, len(finished.Steps))
	for _, s := range finished.Steps {
		stepIDs = append(stepIDs, s.StepID)
	}

	assert.Equal(t, []string{"enrich", "classify", "review", "close"}, stepIDs)

	// The decision landed in the run context for downstream predicates.
	approvalsCtx, ok := finished.Context["approvals"].(map[string]any)
	require.True(t, ok)
	decision, ok := approvalsCtx["review"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, decision["approved"])
}

func TestExecutor_LowRiskSkipsApproval(t *testing.T) {
	t.Parallel()

	spec := approvalFlowSpec()
	spec.Nodes[0].Config = map[string]any{"fields": map[string]any{"riskLevel": "LOW"}}

	f := newFixture(t, spec)

	run, err := f.runs.Initiate(t.Context(), admin, services.InitiateParams{TemplateKey: "risk-triage"})
	require.NoError(t, err)

	f.drain(t)

	finished, err := f.persistence.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, finished.Status)

	// No assignment was ever created on the default path.
	_, err = f.persistence.Approvals().FindOpenByRunID(t.Context(), run.ID)
	assert.True(t, persistence.IsNotFound(err))
}

func TestExecutor_StaleCorrelationIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, approvalFlowSpec())

	run, err := f.runs.Initiate(t.Context(), admin, services.InitiateParams{TemplateKey: "risk-triage"})
	require.NoError(t, err)

	staleCorrelation := run.CorrelationID

	f.drain(t)

	parked, err := f.persistence.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	stepsBefore := len(parked.Steps)

	// Redelivering the already-applied transition changes nothing.
	err = f.executor.Advance(t.Context(), run.ID, staleCorrelation)
	require.NoError(t, err)

	reloaded, err := f.persistence.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Len(t, reloaded.Steps, stepsBefore)
}

func TestExecutor_DeadLetterKeepsRunRunningForRetry(t *testing.T) {
	t.Parallel()

	spec := services.TemplateSpec{
		Key:   "doomed",
		Title: "Doomed Flow",
		Nodes: []*models.StepNode{
			{ID: "boom", Name: "Boom", Kind: models.StepKindAutomatic, HandlerType: "flaky"},
		},
		Edges: []*models.Edge{},
	}

	f := newFixture(t, spec, &flakyHandlerFactory{remaining: 3})

	run, err := f.runs.Initiate(t.Context(), admin, services.InitiateParams{TemplateKey: "doomed"})
	require.NoError(t, err)

	f.drain(t)

	jobs, err := f.persistence.Jobs().List(t.Context(), persistence.ListJobsOptions{OrganizationID: "org-1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusDeadLetter, jobs[0].Status)
	assert.Equal(t, 3, jobs[0].Attempts)
	assert.Contains(t, jobs[0].LastError, "transient failure")

	// Automatic progress halted, but the run itself is untouched.
	stalled, err := f.persistence.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, stalled.Status)
	assert.Nil(t, stalled.FinishedAt)

	// Operator retry picks up exactly where the run stopped.
	_, err = f.queue.Retry(t.Context(), admin, jobs[0].ID)
	require.NoError(t, err)

	f.drain(t)

	finished, err := f.persistence.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, finished.Status)
}

func TestExecutor_RoutingDeadEndFailsRun(t *testing.T) {
	t.Parallel()

	spec := services.TemplateSpec{
		Key:   "dead-end",
		Title: "Dead End Flow",
		Nodes: []*models.StepNode{
			{
				ID: "start", Name: "Start", Kind: models.StepKindAutomatic,
				HandlerType: "set_context",
				Config:      map[string]any{"fields": map[string]any{"riskLevel": "LOW"}},
			},
			{ID: "next", Name: "Next", Kind: models.StepKindAutomatic, HandlerType: "log"},
		},
		Edges: []*models.Edge{
			{ID: "e1", From: "start", To: "next", Predicate: &models.Predicate{
				Field: "riskLevel", Op: models.OpEquals, Value: "HIGH",
			}},
		},
	}

	f := newFixture(t, spec)

	run, err := f.runs.Initiate(t.Context(), admin, services.InitiateParams{TemplateKey: "dead-end"})
	require.NoError(t, err)

	// The dead-end surfaces to the synchronous caller, and retrying
	// cannot change a deterministic decision, so the run fails for good.
	err = f.executor.Advance(t.Context(), run.ID, run.CorrelationID)
	require.Error(t, err)
	assert.True(t, services.IsNoRoute(err))

	failed, err := f.persistence.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, failed.Status)

	last := failed.LastStep()
	require.NotNil(t, last)
	assert.Equal(t, models.StepOutcomeFailure, last.Outcome)
}

func TestExecutor_UnassignedApprovalWaitsForManualAssign(t *testing.T) {
	t.Parallel()

	spec := approvalFlowSpec()
	spec.Nodes[2].Config = map[string]any{}

	f := newFixture(t, spec)

	run, err := f.runs.Initiate(t.Context(), admin, services.InitiateParams{TemplateKey: "risk-triage"})
	require.NoError(t, err)

	f.drain(t)

	parked, err := f.persistence.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.True(t, parked.IsParked())
	assert.Equal(t, "review", parked.CurrentStepID)

	// No assignment was opened; the slot stays free for a manual one.
	_, err = f.persistence.Approvals().FindOpenByRunID(t.Context(), run.ID)
	require.True(t, persistence.IsNotFound(err))

	assignment, err := f.approvals.Assign(t.Context(), admin, approvals.AssignParams{
		RunID:      run.ID,
		StepID:     "review",
		AssigneeID: "approver-1",
		SLADueAt:   time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "approver-1", assignment.AssigneeID)

	approver := auth.Principal{UserID: "approver-1", OrganizationID: "org-1", Role: auth.RoleMember}

	_, err = f.approvals.Complete(t.Context(), approver, assignment.ID, map[string]any{"approved": true})
	require.NoError(t, err)

	f.drain(t)

	finished, err := f.persistence.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, finished.Status)
}

func TestExecutor_CompletedRunEmitsOutboxEvent(t *testing.T) {
	t.Parallel()

	spec := approvalFlowSpec()
	spec.Nodes[0].Config = map[string]any{"fields": map[string]any{"riskLevel": "LOW"}}

	f := newFixture(t, spec)

	_, err := f.runs.Initiate(t.Context(), admin, services.InitiateParams{TemplateKey: "risk-triage"})
	require.NoError(t, err)

	f.drain(t)

	entries, err := f.persistence.Outbox().ListByOrg(t.Context(), "org-1")
	require.NoError(t, err)

	types := make([]string, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.EventType)
	}

	assert.Contains(t, types, "run.advanced")
	assert.Contains(t, types, "run.completed")
}
