package models

// ExecutionContext is the view of a run handed to a step handler. The
// Context snapshot is a copy of the run's context at execution time;
// handlers return their output instead of mutating it.
type ExecutionContext struct {
	RunID          string         `json:"run_id"`
	OrganizationID string         `json:"organization_id"`
	StepID         string         `json:"step_id"`
	Context        map[string]any `json:"context"`
}
