// Package auth centralizes organization isolation and capability checks.
// Every component boundary goes through these functions so cross-org
// rules are enforced once, not re-derived per endpoint.
package auth

import "errors"

// Role is the caller's role within (or above) an organization.
type Role string

const (
	RoleMember    Role = "member"
	RoleAdmin     Role = "admin"
	RoleSuperuser Role = "superuser" // May explicitly bypass org scoping
)

// ErrForbidden is returned for any access the principal's org scope or
// role does not allow. Cross-organization reads fail with this, never
// with a not-found, to avoid leaking existence.
var ErrForbidden = errors.New("forbidden")

// Principal is the authenticated caller. Authentication itself happens
// upstream; services only consume the resolved identity.
type Principal struct {
	UserID         string
	OrganizationID string
	Role           Role
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin || p.Role == RoleSuperuser
}

func (p Principal) IsSuperuser() bool {
	return p.Role == RoleSuperuser
}

// CanAccessOrg checks organization isolation: a principal reaches
// another org's data only as a superuser.
func CanAccessOrg(p Principal, orgID string) error {
	if p.IsSuperuser() {
		return nil
	}

	if p.OrganizationID != orgID {
		return ErrForbidden
	}

	return nil
}

// CanManageTemplates gates template mutation (create, edit, publish,
// deprecate, import).
func CanManageTemplates(p Principal) error {
	if !p.IsAdmin() {
		return ErrForbidden
	}

	return nil
}

// CanAssignApprovals gates creating approval assignments for others.
func CanAssignApprovals(p Principal) error {
	if !p.IsAdmin() {
		return ErrForbidden
	}

	return nil
}

// CanOperateJobs gates operator overrides on the job queue (retry,
// cancel).
func CanOperateJobs(p Principal) error {
	if !p.IsAdmin() {
		return ErrForbidden
	}

	return nil
}

// CanActOnAssignment checks whether the principal may acknowledge or
// complete the given assignment: the assignee themselves, or an admin.
func CanActOnAssignment(p Principal, assigneeID string) error {
	if p.IsAdmin() {
		return nil
	}

	if p.UserID != assigneeID {
		return ErrForbidden
	}

	return nil
}
