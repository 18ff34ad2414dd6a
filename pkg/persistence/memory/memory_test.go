package memory

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/persistence"
)

func queuedJob(id string, priority int, createdAt time.Time) *models.AsyncJob {
	return &models.AsyncJob{
		ID:             id,
		Kind:           models.JobKindAdvanceRun,
		RunID:          "run-" + id,
		OrganizationID: "org-1",
		CorrelationID:  "run-" + id + ":step:0",
		Priority:       priority,
		Status:         models.JobStatusQueued,
		NextEligibleAt: createdAt,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func TestClaim_PrefersPriorityThenAge(t *testing.T) {
	t.Parallel()

	p := NewPersistence()
	now := time.Now().UTC()

	require.NoError(t, p.Jobs().Save(t.Context(), queuedJob("old-low", 0, now.Add(-time.Hour))))
	require.NoError(t, p.Jobs().Save(t.Context(), queuedJob("new-high", 5, now)))
	require.NoError(t, p.Jobs().Save(t.Context(), queuedJob("old-high", 5, now.Add(-time.Minute))))

	first, err := p.Jobs().Claim(t.Context(), now, "w")
	require.NoError(t, err)
	assert.Equal(t, "old-high", first.ID)

	second, err := p.Jobs().Claim(t.Context(), now, "w")
	require.NoError(t, err)
	assert.Equal(t, "new-high", second.ID)

	third, err := p.Jobs().Claim(t.Context(), now, "w")
	require.NoError(t, err)
	assert.Equal(t, "old-low", third.ID)
}

func TestClaim_SkipsNotYetEligible(t *testing.T) {
	t.Parallel()

	p := NewPersistence()
	now := time.Now().UTC()

	job := queuedJob("delayed", 0, now)
	job.NextEligibleAt = now.Add(time.Minute)
	require.NoError(t, p.Jobs().Save(t.Context(), job))

	_, err := p.Jobs().Claim(t.Context(), now, "w")
	assert.True(t, errors.Is(err, persistence.ErrNoEligibleJobs))

	claimed, err := p.Jobs().Claim(t.Context(), now.Add(2*time.Minute), "w")
	require.NoError(t, err)
	assert.Equal(t, "delayed", claimed.ID)
}

func TestClaim_AtMostOneWinnerUnderContention(t *testing.T) {
	t.Parallel()

	p := NewPersistence()
	now := time.Now().UTC()

	require.NoError(t, p.Jobs().Save(t.Context(), queuedJob("contested", 0, now)))

	const workers = 16

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			job, err := p.Jobs().Claim(t.Context(), now, "w")
			if err != nil {
				return
			}

			mu.Lock()
			wins = append(wins, job.ID)
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Len(t, wins, 1)
}

func TestFindOpenByCorrelationID(t *testing.T) {
	t.Parallel()

	p := NewPersistence()
	now := time.Now().UTC()

	job := queuedJob("j1", 0, now)
	require.NoError(t, p.Jobs().Save(t.Context(), job))

	found, err := p.Jobs().FindOpenByCorrelationID(t.Context(), job.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, "j1", found.ID)

	// A finished job no longer counts as open.
	job.Status = models.JobStatusSucceeded
	require.NoError(t, p.Jobs().Save(t.Context(), job))

	_, err = p.Jobs().FindOpenByCorrelationID(t.Context(), job.CorrelationID)
	assert.True(t, persistence.IsNotFound(err))
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	t.Parallel()

	p := NewPersistence()
	now := time.Now().UTC()

	require.NoError(t, p.Jobs().Save(t.Context(), queuedJob("kept", 0, now)))

	boom := errors.New("boom")

	err := p.Transaction(t.Context(), func(tx persistence.Persistence) error {
		if err := tx.Jobs().Save(t.Context(), queuedJob("discarded", 0, now)); err != nil {
			return err
		}

		if err := tx.Outbox().Save(t.Context(), &models.OutboxEntry{
			ID: "entry-discarded", OrganizationID: "org-1", Status: models.OutboxStatusPending,
		}); err != nil {
			return err
		}

		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = p.Jobs().GetByID(t.Context(), "discarded")
	assert.True(t, persistence.IsNotFound(err))

	entries, err := p.Outbox().ListByOrg(t.Context(), "org-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Writes before the transaction are untouched.
	_, err = p.Jobs().GetByID(t.Context(), "kept")
	assert.NoError(t, err)
}

func TestTransaction_CommitsOnSuccess(t *testing.T) {
	t.Parallel()

	p := NewPersistence()
	now := time.Now().UTC()

	err := p.Transaction(t.Context(), func(tx persistence.Persistence) error {
		if err := tx.Jobs().Save(t.Context(), queuedJob("committed", 0, now)); err != nil {
			return err
		}

		return tx.Outbox().Save(t.Context(), &models.OutboxEntry{
			ID: "entry-1", OrganizationID: "org-1", Status: models.OutboxStatusPending, NextAttemptAt: now,
		})
	})
	require.NoError(t, err)

	_, err = p.Jobs().GetByID(t.Context(), "committed")
	require.NoError(t, err)

	entries, err := p.Outbox().ListByOrg(t.Context(), "org-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSave_StoresClones(t *testing.T) {
	t.Parallel()

	p := NewPersistence()

	run := &models.PlaybookRun{
		ID:             "run-1",
		OrganizationID: "org-1",
		Status:         models.RunStatusRunning,
		Context:        map[string]any{"key": "original"},
	}
	require.NoError(t, p.Runs().Save(t.Context(), run))

	// Mutating the caller's copy after Save must not leak into the store.
	run.Context["key"] = "mutated"

	stored, err := p.Runs().GetByID(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "original", stored.Context["key"])

	// And mutating a read result must not leak either.
	stored.Context["key"] = "mutated-read"

	again, err := p.Runs().GetByID(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "original", again.Context["key"])
}

func TestGetPublishedByKey(t *testing.T) {
	t.Parallel()

	p := NewPersistence()

	save := func(id string, version int, status models.TemplateStatus) {
		require.NoError(t, p.Templates().Save(t.Context(), &models.PlaybookTemplate{
			ID: id, Key: "incident-response", Title: "Incident Response", Version: version, Status: status,
		}))
	}

	save("t1", 1, models.TemplateStatusDeprecated)
	save("t2", 2, models.TemplateStatusPublished)
	save("t3", 3, models.TemplateStatusDraft)

	found, err := p.Templates().GetPublishedByKey(t.Context(), "incident-response")
	require.NoError(t, err)
	assert.Equal(t, "t2", found.ID)

	_, err = p.Templates().GetPublishedByKey(t.Context(), "unknown")
	assert.True(t, persistence.IsNotFound(err))

	maxVersion, err := p.Templates().MaxVersion(t.Context(), "incident-response")
	require.NoError(t, err)
	assert.Equal(t, 3, maxVersion)

	maxVersion, err = p.Templates().MaxVersion(t.Context(), "unknown")
	require.NoError(t, err)
	assert.Zero(t, maxVersion)
}

func TestListPending_RespectsLimitAndDueTime(t *testing.T) {
	t.Parallel()

	p := NewPersistence()
	now := time.Now().UTC()

	for _, entry := range []*models.OutboxEntry{
		{ID: "due-1", OrganizationID: "org-1", Status: models.OutboxStatusPending, NextAttemptAt: now.Add(-time.Second)},
		{ID: "due-2", OrganizationID: "org-1", Status: models.OutboxStatusPending, NextAttemptAt: now},
		{ID: "later", OrganizationID: "org-1", Status: models.OutboxStatusPending, NextAttemptAt: now.Add(time.Minute)},
		{ID: "done", OrganizationID: "org-1", Status: models.OutboxStatusDelivered, NextAttemptAt: now.Add(-time.Minute)},
	} {
		require.NoError(t, p.Outbox().Save(t.Context(), entry))
	}

	pending, err := p.Outbox().ListPending(t.Context(), now, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "due-1", pending[0].ID)
	assert.Equal(t, "due-2", pending[1].ID)

	limited, err := p.Outbox().ListPending(t.Context(), now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
