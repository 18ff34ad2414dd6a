package approvals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenhq/playbook/pkg/auth"
	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/persistence"
	"github.com/cadenhq/playbook/pkg/persistence/memory"
	"github.com/cadenhq/playbook/pkg/services"
)

var (
	admin    = auth.Principal{UserID: "admin-1", OrganizationID: "org-1", Role: auth.RoleAdmin}
	approver = auth.Principal{UserID: "approver-1", OrganizationID: "org-1", Role: auth.RoleMember}
)

type recordingResumer struct {
	runID    string
	decision map[string]any
	calls    int
}

func (r *recordingResumer) ResumeAfterApproval(_ context.Context, runID string, decision map[string]any) error {
	r.runID = runID
	r.decision = decision
	r.calls++

	return nil
}

func seedParkedRun(t *testing.T, p persistence.Persistence) *models.PlaybookRun {
	t.Helper()

	run := &models.PlaybookRun{
		ID:             "run-1",
		OrganizationID: "org-1",
		Status:         models.RunStatusRunning,
		CurrentStepID:  "review",
		Context:        map[string]any{},
		Steps: []*models.StepExecution{
			{StepID: "review", StartedAt: time.Now().UTC(), Outcome: models.StepOutcomeAwaitingApproval},
		},
	}

	require.NoError(t, p.Runs().Save(t.Context(), run))

	return run
}

func TestService_Assign(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	svc := NewService(p, &recordingResumer{})
	seedParkedRun(t, p)

	dueAt := time.Now().UTC().Add(time.Hour)

	assignment, err := svc.Assign(t.Context(), admin, AssignParams{
		RunID:      "run-1",
		StepID:     "review",
		AssigneeID: "approver-1",
		SLADueAt:   dueAt,
	})
	require.NoError(t, err)

	assert.Equal(t, models.ApprovalStatusPending, assignment.Status)
	assert.Equal(t, "approver-1", assignment.AssigneeID)
	assert.Equal(t, "admin-1", assignment.CreatedBy)
	assert.Equal(t, dueAt, assignment.SLADueAt)

	entries, err := p.Outbox().ListByOrg(t.Context(), "org-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "approval.assigned", entries[0].EventType)
}

func TestService_Assign_DefaultSLA(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	svc := NewService(p, &recordingResumer{})
	seedParkedRun(t, p)

	assignment, err := svc.Assign(t.Context(), admin, AssignParams{
		RunID:      "run-1",
		StepID:     "review",
		AssigneeID: "approver-1",
	})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), assignment.SLADueAt, 5*time.Second)
}

func TestService_Assign_BackdatedDeadlineIsImmediatelyOverdue(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	svc := NewService(p, &recordingResumer{})
	seedParkedRun(t, p)

	assignment, err := svc.Assign(t.Context(), admin, AssignParams{
		RunID:      "run-1",
		StepID:     "review",
		AssigneeID: "approver-1",
		SLADueAt:   time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, assignment.IsOverdue(time.Now().UTC()))
}

func TestService_Assign_SecondOpenAssignmentConflicts(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	svc := NewService(p, &recordingResumer{})
	seedParkedRun(t, p)

	params := AssignParams{RunID: "run-1", StepID: "review", AssigneeID: "approver-1"}

	_, err := svc.Assign(t.Context(), admin, params)
	require.NoError(t, err)

	_, err = svc.Assign(t.Context(), admin, params)
	assert.True(t, services.IsConflict(err))
}

func TestService_Assign_MemberForbidden(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	svc := NewService(p, &recordingResumer{})
	seedParkedRun(t, p)

	_, err := svc.Assign(t.Context(), approver, AssignParams{
		RunID: "run-1", StepID: "review", AssigneeID: "approver-1",
	})
	assert.True(t, services.IsForbidden(err))
}

func TestService_Reassign_KeepsDeadline(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	svc := NewService(p, &recordingResumer{})
	seedParkedRun(t, p)

	assignment, err := svc.Assign(t.Context(), admin, AssignParams{
		RunID: "run-1", StepID: "review", AssigneeID: "approver-1",
		SLADueAt: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	originalDue := assignment.SLADueAt

	reassigned, err := svc.Reassign(t.Context(), admin, assignment.ID, "approver-2")
	require.NoError(t, err)
	assert.Equal(t, "approver-2", reassigned.AssigneeID)
	assert.Equal(t, originalDue, reassigned.SLADueAt)
}

func TestService_Acknowledge(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	svc := NewService(p, &recordingResumer{})
	seedParkedRun(t, p)

	assignment, err := svc.Assign(t.Context(), admin, AssignParams{
		RunID: "run-1", StepID: "review", AssigneeID: "approver-1",
	})
	require.NoError(t, err)

	stranger := auth.Principal{UserID: "someone-else", OrganizationID: "org-1", Role: auth.RoleMember}

	_, err = svc.Acknowledge(t.Context(), stranger, assignment.ID)
	assert.True(t, services.IsForbidden(err))

	acked, err := svc.Acknowledge(t.Context(), approver, assignment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusAcknowledged, acked.Status)

	// Acknowledging twice is a state error.
	_, err = svc.Acknowledge(t.Context(), approver, assignment.ID)
	assert.True(t, services.IsInvalidState(err))
}

func TestService_Complete_ResumesRun(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	resumer := &recordingResumer{}
	svc := NewService(p, resumer)
	seedParkedRun(t, p)

	assignment, err := svc.Assign(t.Context(), admin, AssignParams{
		RunID: "run-1", StepID: "review", AssigneeID: "approver-1",
	})
	require.NoError(t, err)

	completed, err := svc.Complete(t.Context(), approver, assignment.ID, map[string]any{"approved": true})
	require.NoError(t, err)

	assert.Equal(t, models.ApprovalStatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)
	assert.Equal(t, true, completed.Decision["approved"])
	assert.Equal(t, "approver-1", completed.Decision["decided_by"])

	assert.Equal(t, 1, resumer.calls)
	assert.Equal(t, "run-1", resumer.runID)
	assert.Equal(t, true, resumer.decision["approved"])

	// A completed assignment cannot be decided again.
	_, err = svc.Complete(t.Context(), approver, assignment.ID, map[string]any{"approved": false})
	assert.True(t, services.IsInvalidState(err))
	assert.Equal(t, 1, resumer.calls)
}

func TestService_Complete_AdminMayDecideForAssignee(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	resumer := &recordingResumer{}
	svc := NewService(p, resumer)
	seedParkedRun(t, p)

	assignment, err := svc.Assign(t.Context(), admin, AssignParams{
		RunID: "run-1", StepID: "review", AssigneeID: "approver-1",
	})
	require.NoError(t, err)

	completed, err := svc.Complete(t.Context(), admin, assignment.ID, map[string]any{"approved": false})
	require.NoError(t, err)
	assert.Equal(t, "admin-1", completed.Decision["decided_by"])
}

func TestService_Overdue(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	svc := NewService(p, &recordingResumer{})
	seedParkedRun(t, p)

	assignment, err := svc.Assign(t.Context(), admin, AssignParams{
		RunID: "run-1", StepID: "review", AssigneeID: "approver-1",
		SLADueAt: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	// Within the SLA window nothing is overdue.
	overdue, err := svc.Overdue(t.Context(), admin, "org-1", time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, overdue)

	// Past the deadline the open assignment surfaces.
	overdue, err = svc.Overdue(t.Context(), admin, "org-1", time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, assignment.ID, overdue[0].ID)

	// A completed assignment stops being overdue no matter the clock.
	_, err = svc.Complete(t.Context(), approver, assignment.ID, map[string]any{"approved": true})
	require.NoError(t, err)

	overdue, err = svc.Overdue(t.Context(), admin, "org-1", time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

func TestService_CrossOrgAccessForbidden(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	svc := NewService(p, &recordingResumer{})
	seedParkedRun(t, p)

	assignment, err := svc.Assign(t.Context(), admin, AssignParams{
		RunID: "run-1", StepID: "review", AssigneeID: "approver-1",
	})
	require.NoError(t, err)

	outsider := auth.Principal{UserID: "admin-9", OrganizationID: "org-2", Role: auth.RoleAdmin}

	_, err = svc.Get(t.Context(), outsider, assignment.ID)
	assert.True(t, services.IsForbidden(err))

	_, err = svc.ListByOrg(t.Context(), outsider, "org-1")
	assert.True(t, services.IsForbidden(err))
}
