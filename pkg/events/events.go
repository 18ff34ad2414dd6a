// Package events defines the event types emitted through the
// notification outbox for downstream consumers (email, webhooks, UI).
package events

import (
	"time"
)

type EventType string

// Topic carries all playbook events on the bus.
const Topic = "playbook.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Template lifecycle.
	TemplatePublishedEvent EventType = "template.published"

	// Run lifecycle.
	RunAdvancedEvent  EventType = "run.advanced"
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"
	RunCancelledEvent EventType = "run.cancelled"

	// Queue lifecycle.
	JobDeadLetteredEvent EventType = "job.dead_lettered"

	// Workqueue lifecycle.
	ApprovalAssignedEvent EventType = "approval.assigned"
	ApprovalOverdueEvent  EventType = "approval.overdue"
)

type BaseEvent struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	OrganizationID string         `json:"organization_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type TemplatePublished struct {
	BaseEvent

	TemplateID string `json:"template_id"`
	Key        string `json:"key"`
	Version    int    `json:"version"`
}

func (e TemplatePublished) GetType() EventType {
	return TemplatePublishedEvent
}

type RunAdvanced struct {
	BaseEvent

	RunID  string `json:"run_id"`
	StepID string `json:"step_id"`
}

func (e RunAdvanced) GetType() EventType {
	return RunAdvancedEvent
}

type RunCompleted struct {
	BaseEvent

	RunID      string `json:"run_id"`
	TemplateID string `json:"template_id"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

type RunFailed struct {
	BaseEvent

	RunID  string `json:"run_id"`
	StepID string `json:"step_id"`
	Error  string `json:"error"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

type RunCancelled struct {
	BaseEvent

	RunID   string `json:"run_id"`
	ActorID string `json:"actor_id"`
}

func (e RunCancelled) GetType() EventType {
	return RunCancelledEvent
}

type JobDeadLettered struct {
	BaseEvent

	JobID    string `json:"job_id"`
	RunID    string `json:"run_id"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

func (e JobDeadLettered) GetType() EventType {
	return JobDeadLetteredEvent
}

type ApprovalAssigned struct {
	BaseEvent

	AssignmentID string    `json:"assignment_id"`
	RunID        string    `json:"run_id"`
	AssigneeID   string    `json:"assignee_id"`
	SLADueAt     time.Time `json:"sla_due_at"`
}

func (e ApprovalAssigned) GetType() EventType {
	return ApprovalAssignedEvent
}

type ApprovalOverdue struct {
	BaseEvent

	AssignmentID string    `json:"assignment_id"`
	RunID        string    `json:"run_id"`
	AssigneeID   string    `json:"assignee_id"`
	SLADueAt     time.Time `json:"sla_due_at"`
}

func (e ApprovalOverdue) GetType() EventType {
	return ApprovalOverdueEvent
}
