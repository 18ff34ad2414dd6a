// Package web provides HTTP request and response types for the
// playbook API.
package web

import (
	"time"

	"github.com/cadenhq/playbook/pkg/models"
)

// CreateTemplateRequest is the body for creating a draft template.
type CreateTemplateRequest struct {
	Key           string             `json:"key"   validate:"required,lowercase"`
	Title         string             `json:"title" validate:"required,min=3"`
	TriggerSignal string             `json:"trigger_signal"`
	Nodes         []*models.StepNode `json:"nodes"`
	Edges         []*models.Edge     `json:"edges"`
}

// UpdateTemplateRequest supports partial draft updates. All fields are
// optional.
type UpdateTemplateRequest struct {
	Title         *string            `json:"title,omitempty" validate:"omitempty,min=3"`
	TriggerSignal *string            `json:"trigger_signal,omitempty"`
	Nodes         []*models.StepNode `json:"nodes,omitempty"`
	Edges         []*models.Edge     `json:"edges,omitempty"`
}

// InitiateRunRequest starts a run from a published template key.
type InitiateRunRequest struct {
	TemplateKey string         `json:"template_key" validate:"required"`
	Context     map[string]any `json:"context"`
}

// AssignApprovalRequest creates a manual approval assignment. An
// omitted deadline defaults server-side; a past one is accepted and
// makes the assignment immediately overdue.
type AssignApprovalRequest struct {
	RunID      string    `json:"run_id"      validate:"required"`
	StepID     string    `json:"step_id"     validate:"required"`
	AssigneeID string    `json:"assignee_id" validate:"required"`
	SLADueAt   time.Time `json:"sla_due_at"`
}

// ReassignApprovalRequest moves an assignment to another assignee.
type ReassignApprovalRequest struct {
	AssigneeID string `json:"assignee_id" validate:"required"`
}

// CompleteApprovalRequest records the human decision.
type CompleteApprovalRequest struct {
	Decision map[string]any `json:"decision"`
}

// ValidationResponse reports structural template defects.
type ValidationResponse struct {
	Valid  bool                `json:"valid"`
	Errors []models.GraphError `json:"errors"`
}

// RouteDecisionResponse is the dry-run routing result.
type RouteDecisionResponse struct {
	EndOfGraph bool             `json:"end_of_graph"`
	Edge       *models.Edge     `json:"edge,omitempty"`
	Next       *models.StepNode `json:"next,omitempty"`
}
