package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/persistence"
)

type outboxRepository struct {
	q      querier
	logger *slog.Logger
}

const outboxColumns = `
	id
  , event_type
  , payload
  , organization_id
  , status
  , attempts
  , next_attempt_at
  , last_error
  , created_at
  , delivered_at
`

func (r *outboxRepository) Save(ctx context.Context, entry *models.OutboxEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}

	query := `
		INSERT INTO outbox_entries (
			id, event_type, payload, organization_id, status, attempts,
			next_attempt_at, last_error, created_at, delivered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			next_attempt_at = EXCLUDED.next_attempt_at,
			last_error = EXCLUDED.last_error,
			delivered_at = EXCLUDED.delivered_at
	`

	_, err = r.q.ExecContext(ctx, query,
		entry.ID, entry.EventType, payload, entry.OrganizationID, entry.Status,
		entry.Attempts, entry.NextAttemptAt, nullableString(entry.LastError),
		entry.CreatedAt, entry.DeliveredAt,
	)
	if err != nil {
		return persistence.NewStoreError("Save", "outbox", entry.ID, err)
	}

	return nil
}

func (r *outboxRepository) ListPending(ctx context.Context, now time.Time, limit int) ([]*models.OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_entries
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY created_at ASC
		LIMIT $2`

	return r.list(ctx, "ListPending", query, now, limit)
}

func (r *outboxRepository) ListByOrg(ctx context.Context, orgID string) ([]*models.OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_entries
		WHERE organization_id = $1 ORDER BY created_at ASC`

	return r.list(ctx, "ListByOrg", query, orgID)
}

func (r *outboxRepository) list(ctx context.Context, op, query string, args ...any) ([]*models.OutboxEntry, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewStoreError(op, "outbox", "", err)
	}

	defer closeRows(ctx, r.logger, rows)

	entries := make([]*models.OutboxEntry, 0)

	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}

		entries = append(entries, entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating outbox entries: %w", err)
	}

	return entries, nil
}

func (r *outboxRepository) scanEntry(row rowScanner) (*models.OutboxEntry, error) {
	var (
		entry     models.OutboxEntry
		payload   []byte
		lastError sql.NullString
	)

	err := row.Scan(
		&entry.ID, &entry.EventType, &payload, &entry.OrganizationID, &entry.Status,
		&entry.Attempts, &entry.NextAttemptAt, &lastError, &entry.CreatedAt, &entry.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}

	entry.LastError = lastError.String

	err = json.Unmarshal(payload, &entry.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal outbox payload: %w", err)
	}

	return &entry, nil
}
