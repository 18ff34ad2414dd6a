// Package sla derives deadline health for approvals, jobs, and runs.
// Health is always computed from the clock at read time and never
// stored, so it cannot go stale between sweeps.
package sla

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadenhq/playbook/pkg/auth"
	"github.com/cadenhq/playbook/pkg/events"
	"github.com/cadenhq/playbook/pkg/log"
	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/outbox"
	"github.com/cadenhq/playbook/pkg/persistence"
)

// Health classifies an assignment against its SLA deadline.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthAtRisk   Health = "at_risk"
	HealthBreached Health = "breached"
)

// Config tunes the monitor.
type Config struct {
	// AtRiskWindow is how close to the deadline an open assignment
	// counts as at risk.
	AtRiskWindow time.Duration
	// StuckThreshold is how long a RUNNING run may sit without any
	// update before the dashboard flags it.
	StuckThreshold time.Duration
}

// DefaultConfig flags assignments within an hour of their deadline and
// runs silent for over an hour.
func DefaultConfig() Config {
	return Config{
		AtRiskWindow:   1 * time.Hour,
		StuckThreshold: 1 * time.Hour,
	}
}

type Monitor struct {
	persistence persistence.Persistence
	config      Config
	logger      *slog.Logger

	mu       sync.Mutex
	notified map[string]bool
}

func NewMonitor(p persistence.Persistence, config Config) *Monitor {
	if config.AtRiskWindow <= 0 {
		config = DefaultConfig()
	}

	return &Monitor{
		persistence: p,
		config:      config,
		logger:      log.WithModule("sla_monitor"),
		notified:    make(map[string]bool),
	}
}

// Classify derives an assignment's health at the given instant.
// Completed and cancelled assignments are always healthy; they no
// longer carry a deadline.
func (m *Monitor) Classify(assignment *models.ApprovalAssignment, now time.Time) Health {
	if !assignment.IsOpen() {
		return HealthHealthy
	}

	if assignment.IsOverdue(now) {
		return HealthBreached
	}

	if now.Add(m.config.AtRiskWindow).After(assignment.SLADueAt) {
		return HealthAtRisk
	}

	return HealthHealthy
}

// Dashboard is the operator's health summary for one organization.
type Dashboard struct {
	OverdueApprovals []*models.ApprovalAssignment `json:"overdue_approvals"`
	AtRiskApprovals  []*models.ApprovalAssignment `json:"at_risk_approvals"`
	DeadLetterJobs   []*models.AsyncJob           `json:"dead_letter_jobs"`
	StuckRuns        []*models.PlaybookRun        `json:"stuck_runs"`
	GeneratedAt      time.Time                    `json:"generated_at"`
}

// BuildDashboard assembles the health summary for the organization at
// the given instant.
func (m *Monitor) BuildDashboard(ctx context.Context, principal auth.Principal, orgID string, now time.Time) (*Dashboard, error) {
	if orgID == "" {
		orgID = principal.OrganizationID
	}

	if err := auth.CanAccessOrg(principal, orgID); err != nil {
		return nil, err
	}

	dashboard := &Dashboard{
		OverdueApprovals: make([]*models.ApprovalAssignment, 0),
		AtRiskApprovals:  make([]*models.ApprovalAssignment, 0),
		DeadLetterJobs:   make([]*models.AsyncJob, 0),
		StuckRuns:        make([]*models.PlaybookRun, 0),
		GeneratedAt:      now,
	}

	assignments, err := m.persistence.Approvals().ListByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}

	for _, a := range assignments {
		switch m.Classify(a, now) {
		case HealthBreached:
			dashboard.OverdueApprovals = append(dashboard.OverdueApprovals, a)
		case HealthAtRisk:
			dashboard.AtRiskApprovals = append(dashboard.AtRiskApprovals, a)
		}
	}

	deadLetter := models.JobStatusDeadLetter

	jobs, err := m.persistence.Jobs().List(ctx, persistence.ListJobsOptions{
		OrganizationID: orgID,
		Status:         &deadLetter,
	})
	if err != nil {
		return nil, err
	}

	dashboard.DeadLetterJobs = jobs

	runs, err := m.persistence.Runs().ListByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}

	for _, run := range runs {
		if run.Status == models.RunStatusRunning && !run.IsParked() &&
			now.Sub(run.UpdatedAt) > m.config.StuckThreshold {
			dashboard.StuckRuns = append(dashboard.StuckRuns, run)
		}
	}

	return dashboard, nil
}

// Alerts is the slice of the dashboard that needs operator attention
// right now: breached approvals, dead-lettered jobs, and stuck runs.
// At-risk assignments stay on the dashboard only.
type Alerts struct {
	OverdueApprovals []*models.ApprovalAssignment `json:"overdue_approvals"`
	DeadLetterJobs   []*models.AsyncJob           `json:"dead_letter_jobs"`
	StuckRuns        []*models.PlaybookRun        `json:"stuck_runs"`
	GeneratedAt      time.Time                    `json:"generated_at"`
}

// BuildAlerts assembles the alert view for the organization at the
// given instant.
func (m *Monitor) BuildAlerts(ctx context.Context, principal auth.Principal, orgID string, now time.Time) (*Alerts, error) {
	dashboard, err := m.BuildDashboard(ctx, principal, orgID, now)
	if err != nil {
		return nil, err
	}

	return &Alerts{
		OverdueApprovals: dashboard.OverdueApprovals,
		DeadLetterJobs:   dashboard.DeadLetterJobs,
		StuckRuns:        dashboard.StuckRuns,
		GeneratedAt:      dashboard.GeneratedAt,
	}, nil
}

// Sweep walks all open assignments across organizations and places one
// overdue notification per newly breached assignment in the outbox.
// Intended to run on a schedule.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) error {
	assignments, err := m.persistence.Approvals().ListOpen(ctx)
	if err != nil {
		return err
	}

	for _, assignment := range assignments {
		if !assignment.IsOverdue(now) {
			continue
		}

		if m.alreadyNotified(assignment.ID) {
			continue
		}

		m.logger.Warn("Assignment breached its SLA",
			"assignment_id", assignment.ID, "run_id", assignment.RunID, "sla_due_at", assignment.SLADueAt)

		err = m.persistence.Transaction(ctx, func(tx persistence.Persistence) error {
			return outbox.Enqueue(ctx, tx, assignment.OrganizationID, events.ApprovalOverdue{
				BaseEvent: events.BaseEvent{
					ID:             uuid.New().String(),
					Type:           events.ApprovalOverdueEvent,
					Timestamp:      now,
					OrganizationID: assignment.OrganizationID,
				},
				AssignmentID: assignment.ID,
				RunID:        assignment.RunID,
				AssigneeID:   assignment.AssigneeID,
				SLADueAt:     assignment.SLADueAt,
			})
		})
		if err != nil {
			return err
		}

		m.markNotified(assignment.ID)
	}

	return nil
}

func (m *Monitor) alreadyNotified(assignmentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.notified[assignmentID]
}

func (m *Monitor) markNotified(assignmentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.notified[assignmentID] = true
}
