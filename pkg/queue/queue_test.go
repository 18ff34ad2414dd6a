package queue

import (
	"errors"
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

var operator = auth.Principal{UserID: "op-1", OrganizationID: "org-1", Role: auth.RoleAdmin}

func testRun() *models.PlaybookRun {
	run := &models.PlaybookRun{
		ID:             "run-1",
		OrganizationID: "org-1",
		Status:         models.RunStatusRunning,
		CurrentStepID:  "triage",
		Context:        map[string]any{},
	}
	run.CorrelationID = run.AdvanceCorrelationID()

	return run
}

func TestQueue_EnqueueAdvance_Idempotent(t *testing.T) {
	t.Parallel()

	q := NewQueue(memory.NewPersistence(), DefaultConfig())
	run := testRun()

	first, err := q.EnqueueAdvance(t.Context(), run)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, first.Status)
	assert.Equal(t, "run-1:triage:0", first.CorrelationID)

	// The same transition enqueued again returns the open job.
	second, err := q.EnqueueAdvance(t.Context(), run)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	jobs, err := q.List(t.Context(), operator, "org-1", nil)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestQueue_Claim_AtMostOnce(t *testing.T) {
	t.Parallel()

	q := NewQueue(memory.NewPersistence(), DefaultConfig())

	job, err := q.EnqueueAdvance(t.Context(), testRun())
	require.NoError(t, err)

	claimed, err := q.Claim(t.Context(), "worker-a")
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, models.JobStatusRunning, claimed.Status)
	assert.Equal(t, "worker-a", claimed.ClaimedBy)

	// The job is gone for every other worker.
	_, err = q.Claim(t.Context(), "worker-b")
	assert.True(t, errors.Is(err, persistence.ErrNoEligibleJobs))
}

func TestQueue_Claim_PriorityOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(memory.NewPersistence(), DefaultConfig())

	low := testRun()

	_, err := q.EnqueueAdvance(t.Context(), low)
	require.NoError(t, err)

	urgent := testRun()
	urgent.ID = "run-2"
	urgent.CorrelationID = urgent.AdvanceCorrelationID()
	urgent.Context = map[string]any{"priority": float64(10)}

	_, err = q.EnqueueAdvance(t.Context(), urgent)
	require.NoError(t, err)

	claimed, err := q.Claim(t.Context(), "worker-a")
	require.NoError(t, err)
	assert.Equal(t, "run-2", claimed.RunID)
}

func TestQueue_EnqueueAdvance_PriorityAcceptsAnyNumeric(t *testing.T) {
	t.Parallel()

	q := NewQueue(memory.NewPersistence(), DefaultConfig())

	// In-process callers put ints in the context; JSON round trips
	// yield float64. Both must land on the job.
	run := testRun()
	run.Context = map[string]any{"priority": 7}

	job, err := q.EnqueueAdvance(t.Context(), run)
	require.NoError(t, err)
	assert.Equal(t, 7, job.Priority)

	decoded := testRun()
	decoded.ID = "run-2"
	decoded.CorrelationID = decoded.AdvanceCorrelationID()
	decoded.Context = map[string]any{"priority": float64(7)}

	job, err = q.EnqueueAdvance(t.Context(), decoded)
	require.NoError(t, err)
	assert.Equal(t, 7, job.Priority)
}

func TestQueue_CompleteFailure_BackoffThenDeadLetter(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	q := NewQueue(p, Config{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute})

	job, err := q.EnqueueAdvance(t.Context(), testRun())
	require.NoError(t, err)

	cause := errors.New("handler blew up")

	// First two failures requeue with a growing delay.
	for attempt := 1; attempt <= 2; attempt++ {
		deadLettered, err := q.CompleteFailure(t.Context(), job, cause)
		require.NoError(t, err)
		assert.False(t, deadLettered)
		assert.Equal(t, models.JobStatusQueued, job.Status)
		assert.Equal(t, attempt, job.Attempts)
		assert.True(t, job.NextEligibleAt.After(time.Now()))
	}

	// The third failure exhausts the budget.
	deadLettered, err := q.CompleteFailure(t.Context(), job, cause)
	require.NoError(t, err)
	assert.True(t, deadLettered)
	assert.Equal(t, models.JobStatusDeadLetter, job.Status)
	assert.Equal(t, "handler blew up", job.LastError)

	// Dead-lettering announces itself through the outbox.
	entries, err := p.Outbox().ListByOrg(t.Context(), "org-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "job.dead_lettered", entries[0].EventType)
}

func TestQueue_CompleteFailure_PermanentCausesSkipRetry(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	q := NewQueue(p, DefaultConfig())

	job, err := q.EnqueueAdvance(t.Context(), testRun())
	require.NoError(t, err)

	// A routing dead-end is deterministic; no number of retries can
	// change it, so the job fails on the first attempt.
	deadLettered, err := q.CompleteFailure(t.Context(), job, services.ErrNoRoute)
	require.NoError(t, err)
	assert.False(t, deadLettered)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.NotNil(t, job.FinishedAt)

	// No dead-letter notification: the run-level failure event covers it.
	entries, err := p.Outbox().ListByOrg(t.Context(), "org-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestQueue_Retry_ResetsDeadLetteredJob(t *testing.T) {
	t.Parallel()

	q := NewQueue(memory.NewPersistence(), Config{MaxAttempts: 1, BaseBackoff: time.Second, MaxBackoff: time.Minute})

	job, err := q.EnqueueAdvance(t.Context(), testRun())
	require.NoError(t, err)

	deadLettered, err := q.CompleteFailure(t.Context(), job, errors.New("boom"))
	require.NoError(t, err)
	require.True(t, deadLettered)

	retried, err := q.Retry(t.Context(), operator, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, retried.Status)
	assert.Equal(t, 0, retried.Attempts)
	assert.Empty(t, retried.LastError)

	claimed, err := q.Claim(t.Context(), "worker-a")
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
}

func TestQueue_Retry_RequiresOperatorRole(t *testing.T) {
	t.Parallel()

	q := NewQueue(memory.NewPersistence(), DefaultConfig())
	member := auth.Principal{UserID: "user-2", OrganizationID: "org-1", Role: auth.RoleMember}

	_, err := q.Retry(t.Context(), member, "whatever")
	assert.True(t, services.IsForbidden(err))
}

func TestQueue_Retry_InvalidState(t *testing.T) {
	t.Parallel()

	q := NewQueue(memory.NewPersistence(), DefaultConfig())

	job, err := q.EnqueueAdvance(t.Context(), testRun())
	require.NoError(t, err)

	// A QUEUED job has nothing to retry.
	_, err = q.Retry(t.Context(), operator, job.ID)
	assert.True(t, services.IsInvalidState(err))
}

func TestQueue_Cancel(t *testing.T) {
	t.Parallel()

	q := NewQueue(memory.NewPersistence(), DefaultConfig())

	job, err := q.EnqueueAdvance(t.Context(), testRun())
	require.NoError(t, err)

	cancelled, err := q.Cancel(t.Context(), operator, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	// Cancelled jobs are never claimed.
	_, err = q.Claim(t.Context(), "worker-a")
	assert.True(t, errors.Is(err, persistence.ErrNoEligibleJobs))

	// And a cancelled job cannot be cancelled again.
	_, err = q.Cancel(t.Context(), operator, job.ID)
	assert.True(t, services.IsInvalidState(err))
}

func TestQueue_CrossOrgJobAccessForbidden(t *testing.T) {
	t.Parallel()

	q := NewQueue(memory.NewPersistence(), DefaultConfig())

	job, err := q.EnqueueAdvance(t.Context(), testRun())
	require.NoError(t, err)

	outsider := auth.Principal{UserID: "op-9", OrganizationID: "org-2", Role: auth.RoleAdmin}

	_, err = q.Get(t.Context(), outsider, job.ID)
	assert.True(t, services.IsForbidden(err))
}

func TestQueue_Backoff_GrowsAndCaps(t *testing.T) {
	t.Parallel()

	q := NewQueue(memory.NewPersistence(), Config{
		MaxAttempts: 10,
		BaseBackoff: time.Second,
		MaxBackoff:  8 * time.Second,
	})

	first := q.backoff(1)
	assert.GreaterOrEqual(t, first, time.Second)
	assert.Less(t, first, 2*time.Second)

	capped := q.backoff(9)
	assert.GreaterOrEqual(t, capped, 8*time.Second)
	assert.LessOrEqual(t, capped, 10*time.Second)
}
