package models

import "time"

// OutboxStatus represents the delivery state of an outbox entry.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusDelivered OutboxStatus = "delivered"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// OutboxEntry records an outbound event in the same transaction as the
// state change it announces, giving at-least-once delivery without a
// distributed transaction. Entries are append-only; only the delivery
// status and attempt fields ever change.
type OutboxEntry struct {
	ID             string         `json:"id"`
	EventType      string         `json:"event_type"`
	Payload        map[string]any `json:"payload"`
	OrganizationID string         `json:"organization_id"`
	Status         OutboxStatus   `json:"status"`
	Attempts       int            `json:"attempts"`
	NextAttemptAt  time.Time      `json:"next_attempt_at"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
}
