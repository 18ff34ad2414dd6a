package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cadenhq/playbook/pkg/eventbus"
	"github.com/cadenhq/playbook/pkg/events"
	"github.com/cadenhq/playbook/pkg/log"
	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/persistence"
)

// DispatcherConfig tunes the polling delivery loop.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
}

// DefaultDispatcherConfig polls every second and gives each entry five
// delivery attempts.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval: 1 * time.Second,
		BatchSize:    100,
		MaxAttempts:  5,
		RetryBackoff: 10 * time.Second,
	}
}

// Dispatcher drains PENDING outbox entries onto the event bus.
// Delivery is at-least-once: a crash between publish and the status
// update redelivers the entry on the next poll.
type Dispatcher struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	config      DispatcherConfig
	logger      *slog.Logger
}

func NewDispatcher(p persistence.Persistence, publisher eventbus.EventPublisher, config DispatcherConfig) *Dispatcher {
	if config.BatchSize <= 0 {
		config = DefaultDispatcherConfig()
	}

	return &Dispatcher{
		persistence: p,
		publisher:   publisher,
		config:      config,
		logger:      log.WithModule("outbox_dispatcher"),
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Starting outbox dispatcher", "poll_interval", d.config.PollInterval)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox dispatcher stopped")

			return
		case <-ticker.C:
			_, err := d.DispatchPending(ctx, time.Now().UTC())
			if err != nil {
				d.logger.Error("Dispatch cycle failed", "error", err)
			}
		}
	}
}

// DispatchPending delivers one batch of due entries and returns how
// many were delivered.
func (d *Dispatcher) DispatchPending(ctx context.Context, now time.Time) (int, error) {
	entries, err := d.persistence.Outbox().ListPending(ctx, now, d.config.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0

	for _, entry := range entries {
		err := d.publisher.Publish(ctx, entry.OrganizationID, envelope{
			eventType: events.EventType(entry.EventType),
			payload:   entry.Payload,
		})
		if err != nil {
			if err := d.recordFailure(ctx, entry, now, err); err != nil {
				return delivered, err
			}

			continue
		}

		entry.Status = models.OutboxStatusDelivered
		entry.Attempts++
		entry.DeliveredAt = &now

		if err := d.persistence.Outbox().Save(ctx, entry); err != nil {
			return delivered, err
		}

		delivered++
	}

	return delivered, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, entry *models.OutboxEntry, now time.Time, cause error) error {
	entry.Attempts++
	entry.LastError = cause.Error()

	if entry.Attempts >= d.config.MaxAttempts {
		entry.Status = models.OutboxStatusFailed

		d.logger.Error("Outbox entry exhausted delivery attempts",
			"entry_id", entry.ID, "event_type", entry.EventType, "error", cause)
	} else {
		entry.NextAttemptAt = now.Add(d.config.RetryBackoff * time.Duration(entry.Attempts))

		d.logger.Warn("Outbox delivery failed, will retry",
			"entry_id", entry.ID, "attempts", entry.Attempts, "error", cause)
	}

	return d.persistence.Outbox().Save(ctx, entry)
}

// envelope re-publishes a stored payload under its original event type.
type envelope struct {
	eventType events.EventType
	payload   map[string]any
}

func (e envelope) GetType() events.EventType {
	return e.eventType
}

func (e envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.payload)
}
