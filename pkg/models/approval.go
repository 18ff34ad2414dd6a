package models

import "time"

// ApprovalStatus represents the lifecycle state of an approval assignment.
type ApprovalStatus string

const (
	ApprovalStatusPending      ApprovalStatus = "pending"
	ApprovalStatusAcknowledged ApprovalStatus = "acknowledged"
	ApprovalStatusCompleted    ApprovalStatus = "completed"
	ApprovalStatusCancelled    ApprovalStatus = "cancelled"
)

// ApprovalAssignment routes a step to a human decision with an SLA
// deadline. "Overdue" is always derived from the clock at read time,
// never stored, so it cannot go stale.
type ApprovalAssignment struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id"`
	StepID         string         `json:"step_id"`
	AssigneeID     string         `json:"assignee_id"`
	OrganizationID string         `json:"organization_id"`
	Status         ApprovalStatus `json:"status"`
	SLADueAt       time.Time      `json:"sla_due_at"`
	Decision       map[string]any `json:"decision,omitempty"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// IsOpen reports whether the assignment still blocks its run.
func (a *ApprovalAssignment) IsOpen() bool {
	return a.Status == ApprovalStatusPending || a.Status == ApprovalStatusAcknowledged
}

// IsOverdue reports whether the SLA deadline has passed without
// completion, evaluated against the supplied clock reading.
func (a *ApprovalAssignment) IsOverdue(now time.Time) bool {
	return a.IsOpen() && now.After(a.SLADueAt)
}
