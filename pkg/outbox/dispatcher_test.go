package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenhq/playbook/pkg/eventbus"
	"github.com/cadenhq/playbook/pkg/events"
	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/persistence"
	"github.com/cadenhq/playbook/pkg/persistence/memory"
)

type published struct {
	key       string
	eventType events.EventType
}

type stubPublisher struct {
	published []published
	failures  int
}

func (p *stubPublisher) Publish(_ context.Context, key string, event eventbus.Event) error {
	if p.failures > 0 {
		p.failures--

		return errors.New("broker unavailable")
	}

	p.published = append(p.published, published{key: key, eventType: event.GetType()})

	return nil
}

func seedEntry(t *testing.T, p *memory.Persistence, id string) *models.OutboxEntry {
	t.Helper()

	now := time.Now().UTC()
	entry := &models.OutboxEntry{
		ID:             id,
		EventType:      string(events.RunCompletedEvent),
		Payload:        map[string]any{"run_id": "run-1"},
		OrganizationID: "org-1",
		Status:         models.OutboxStatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}

	require.NoError(t, p.Outbox().Save(t.Context(), entry))

	return entry
}

func TestDispatcher_DeliversPendingEntries(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	publisher := &stubPublisher{}
	d := NewDispatcher(p, publisher, DefaultDispatcherConfig())

	seedEntry(t, p, "entry-1")
	seedEntry(t, p, "entry-2")

	delivered, err := d.DispatchPending(t.Context(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	require.Len(t, publisher.published, 2)
	assert.Equal(t, "org-1", publisher.published[0].key)
	assert.Equal(t, events.RunCompletedEvent, publisher.published[0].eventType)

	entries, err := p.Outbox().ListByOrg(t.Context(), "org-1")
	require.NoError(t, err)

	for _, entry := range entries {
		assert.Equal(t, models.OutboxStatusDelivered, entry.Status)
		assert.NotNil(t, entry.DeliveredAt)
		assert.Equal(t, 1, entry.Attempts)
	}
}

func TestDispatcher_DeliveredEntriesAreNotRedelivered(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	publisher := &stubPublisher{}
	d := NewDispatcher(p, publisher, DefaultDispatcherConfig())

	seedEntry(t, p, "entry-1")

	_, err := d.DispatchPending(t.Context(), time.Now().UTC())
	require.NoError(t, err)

	delivered, err := d.DispatchPending(t.Context(), time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Len(t, publisher.published, 1)
}

func TestDispatcher_FailureBacksOffThenDelivers(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	publisher := &stubPublisher{failures: 1}
	d := NewDispatcher(p, publisher, DispatcherConfig{
		PollInterval: time.Second,
		BatchSize:    10,
		MaxAttempts:  5,
		RetryBackoff: 10 * time.Second,
	})

	seedEntry(t, p, "entry-1")
	now := time.Now().UTC()

	delivered, err := d.DispatchPending(t.Context(), now)
	require.NoError(t, err)
	assert.Zero(t, delivered)

	entries, err := p.Outbox().ListByOrg(t.Context(), "org-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutboxStatusPending, entries[0].Status)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, "broker unavailable", entries[0].LastError)
	assert.Equal(t, now.Add(10*time.Second), entries[0].NextAttemptAt)

	// Not due yet: nothing happens before the backoff elapses.
	delivered, err = d.DispatchPending(t.Context(), now.Add(5*time.Second))
	require.NoError(t, err)
	assert.Zero(t, delivered)

	// Once due, the retry succeeds.
	delivered, err = d.DispatchPending(t.Context(), now.Add(11*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestDispatcher_ExhaustedEntryFails(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	publisher := &stubPublisher{failures: 10}
	d := NewDispatcher(p, publisher, DispatcherConfig{
		PollInterval: time.Second,
		BatchSize:    10,
		MaxAttempts:  2,
		RetryBackoff: time.Millisecond,
	})

	seedEntry(t, p, "entry-1")
	now := time.Now().UTC()

	for i := 0; i < 2; i++ {
		_, err := d.DispatchPending(t.Context(), now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	entries, err := p.Outbox().ListByOrg(t.Context(), "org-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutboxStatusFailed, entries[0].Status)
	assert.Equal(t, 2, entries[0].Attempts)

	// FAILED entries are never polled again.
	delivered, err := d.DispatchPending(t.Context(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Empty(t, publisher.published)
}

func TestEnqueue_RecordsEventPayload(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	now := time.Now().UTC()

	event := events.RunCompleted{
		BaseEvent: events.BaseEvent{
			ID:             "evt-1",
			Type:           events.RunCompletedEvent,
			Timestamp:      now,
			OrganizationID: "org-1",
		},
		RunID: "run-1",
	}

	require.NoError(t, p.Transaction(t.Context(), func(tx persistence.Persistence) error {
		return Enqueue(t.Context(), tx, "org-1", event)
	}))

	entries, err := p.Outbox().ListByOrg(t.Context(), "org-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run.completed", entries[0].EventType)
	assert.Equal(t, "run-1", entries[0].Payload["run_id"])
	assert.Equal(t, models.OutboxStatusPending, entries[0].Status)
}
