// Package outbox implements the notification outbox pattern: event
// records written in the same transaction as the state change they
// announce, delivered at-least-once by a polling dispatcher.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadenhq/playbook/pkg/eventbus"
	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/persistence"
)

// Enqueue records an event as a PENDING outbox entry. Callers pass the
// transactional persistence view of the state change that produced the
// event, so both commit or neither does.
func Enqueue(ctx context.Context, tx persistence.Persistence, orgID string, event eventbus.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var payload map[string]any

	err = json.Unmarshal(raw, &payload)
	if err != nil {
		return fmt.Errorf("failed to decode event payload: %w", err)
	}

	now := time.Now().UTC()

	entry := &models.OutboxEntry{
		ID:             uuid.New().String(),
		EventType:      string(event.GetType()),
		Payload:        payload,
		OrganizationID: orgID,
		Status:         models.OutboxStatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}

	return tx.Outbox().Save(ctx, entry)
}
