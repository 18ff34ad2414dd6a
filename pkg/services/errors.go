// Package services implements the playbook orchestration operations on
// top of the persistence layer: template store, run engine, and the
// error taxonomy shared by every component boundary.
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cadenhq/playbook/pkg/auth"
	"github.com/cadenhq/playbook/pkg/models"
)

// The error taxonomy every layer maps to. The web layer translates
// these into problem+json responses; the queue layer records them on
// the job instead of surfacing them to a live caller.
var (
	// ErrInvalidState marks an operation attempted against a run, job,
	// template, or assignment whose status does not admit it.
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict marks duplicate open approvals and duplicate open
	// correlation ids.
	ErrConflict = errors.New("conflict")

	// ErrForbidden is the cross-organization / capability failure,
	// shared with pkg/auth so one check covers every boundary.
	ErrForbidden = auth.ErrForbidden

	// ErrTemplateNotPublished is returned when initiating a run from a
	// template key with no active published version.
	ErrTemplateNotPublished = errors.New("template not published")

	// ErrNoRoute marks a template design defect: a node has outgoing
	// edges but none match and no default edge exists.
	ErrNoRoute = errors.New("no matching route")
)

// ValidationError carries the full list of structural graph defects, so
// a failed publish surfaces every problem at once.
type ValidationError struct {
	TemplateID string
	Errors     []models.GraphError
}

func (e *ValidationError) Error() string {
	details := make([]string, len(e.Errors))
	for i, ge := range e.Errors {
		details[i] = ge.Error()
	}

	return fmt.Sprintf("template %s validation failed: %s", e.TemplateID, strings.Join(details, "; "))
}

// IsValidationFailed reports whether err carries structural graph errors.
func IsValidationFailed(err error) bool {
	var ve *ValidationError

	return errors.As(err, &ve)
}

// IsInvalidState reports whether err is a state machine violation.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsConflict reports whether err is a duplicate-resource conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsForbidden reports whether err is an authorization failure.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsNoRoute reports whether err is a routing dead end.
func IsNoRoute(err error) bool {
	return errors.Is(err, ErrNoRoute)
}

// InvalidStateError wraps ErrInvalidState with the offending status.
func InvalidStateError(entity, id string, status any) error {
	return fmt.Errorf("%s %s is %v: %w", entity, id, status, ErrInvalidState)
}
