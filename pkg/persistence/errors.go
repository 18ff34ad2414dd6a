// Package persistence provides standardized error types shared by all
// storage implementations.
package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrTemplateNotFound indicates no template matches the identifier.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrRunNotFound indicates no run matches the identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrJobNotFound indicates no job matches the identifier.
	ErrJobNotFound = errors.New("job not found")

	// ErrApprovalNotFound indicates no assignment matches the identifier.
	ErrApprovalNotFound = errors.New("approval assignment not found")

	// ErrNoEligibleJobs indicates the queue has no claimable job right now.
	ErrNoEligibleJobs = errors.New("no eligible jobs")
)

// StoreError wraps storage errors with operation context.
type StoreError struct {
	Op     string // Operation being performed (e.g. "GetByID", "Claim")
	Entity string // Entity type (e.g. "run", "job")
	ID     string // Identifier if applicable
	Err    error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	}

	return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a storage error with context.
func NewStoreError(op, entity, id string, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, ID: id, Err: err}
}

// IsNotFound reports whether err is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrApprovalNotFound)
}
