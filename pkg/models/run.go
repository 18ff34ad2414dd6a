package models

import (
	"fmt"
	"time"
)

// RunStatus represents the lifecycle state of a playbook run.
// RUNNING is the only non-terminal state; transitions out of a terminal
// state never succeed.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepOutcome is the recorded result of a single step execution.
type StepOutcome string

const (
	StepOutcomeSuccess          StepOutcome = "success"
	StepOutcomeFailure          StepOutcome = "failure"
	StepOutcomeAwaitingApproval StepOutcome = "awaiting_approval"
)

// StepExecution is one append-only entry in a run's step log.
type StepExecution struct {
	StepID     string      `json:"step_id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Outcome    StepOutcome `json:"outcome"`
	Error      string      `json:"error,omitempty"`
}

// PlaybookRun is one execution instance of a published template for an
// organization. The template version is pinned at creation so later
// template edits never affect in-flight runs. Runs are never deleted.
type PlaybookRun struct {
	ID              string           `json:"id"`
	TemplateID      string           `json:"template_id"`
	TemplateVersion int              `json:"template_version"`
	OrganizationID  string           `json:"organization_id"`
	Initiator       string           `json:"initiator"`
	Context         map[string]any   `json:"context"`
	CurrentStepID   string           `json:"current_step_id,omitempty"`
	Status          RunStatus        `json:"status"`
	CorrelationID   string           `json:"correlation_id"`
	Steps           []*StepExecution `json:"steps"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
}

// LastStep returns the most recent step log entry, or nil.
func (r *PlaybookRun) LastStep() *StepExecution {
	if len(r.Steps) == 0 {
		return nil
	}

	return r.Steps[len(r.Steps)-1]
}

// IsParked reports whether the run is waiting on a human approval: the
// run is still RUNNING but its latest step is awaiting a decision.
func (r *PlaybookRun) IsParked() bool {
	last := r.LastStep()

	return r.Status == RunStatusRunning && last != nil && last.Outcome == StepOutcomeAwaitingApproval
}

// AdvanceCorrelationID identifies the pending transition out of the
// current step, including the visit count so a bounded loop revisiting
// a step produces a fresh id. Jobs enqueued with the same id are
// duplicates of the same logical transition.
func (r *PlaybookRun) AdvanceCorrelationID() string {
	return fmt.Sprintf("%s:%s:%d", r.ID, r.CurrentStepID, r.StepVisits(r.CurrentStepID))
}

// StepVisits counts how many times the given step appears in the log.
// Used to enforce bounded loops.
func (r *PlaybookRun) StepVisits(stepID string) int {
	count := 0

	for _, s := range r.Steps {
		if s.StepID == stepID {
			count++
		}
	}

	return count
}
