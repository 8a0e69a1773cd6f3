package auth

import (
	"net/http"

	"campusattend/internal/apperrors"
)

// Role is the campus role carried by a principal.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleLecturer Role = "lecturer"
	RoleHOD      Role = "hod"
	RoleStaff    Role = "staff"
	RoleStudent  Role = "student"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleLecturer, RoleHOD, RoleStaff, RoleStudent:
		return true
	}
	return false
}

// Principal is the authenticated caller handed to us by the identity service.
type Principal struct {
	ID   string
	Role Role
}

// Capability names an operation a principal may be allowed to perform.
type Capability string

const (
	CapManageSessions Capability = "attendance.sessions.manage"
	CapRedeemScan     Capability = "attendance.scan"
	CapManagePolicy   Capability = "attendance.policy.manage"
	CapViewPolicy     Capability = "attendance.policy.view"
)

var grants = map[Capability][]Role{
	CapManageSessions: {RoleLecturer, RoleHOD},
	CapRedeemScan:     {RoleStudent},
	CapManagePolicy:   {RoleAdmin, RoleHOD},
	CapViewPolicy:     {RoleAdmin, RoleHOD, RoleLecturer},
}

// ErrUnauthorized is returned when a principal lacks a capability.
var ErrUnauthorized = apperrors.New("UNAUTHORIZED", http.StatusForbidden, "you are not allowed to perform this action")

// Can reports whether p holds capability c.
func (p Principal) Can(c Capability) bool {
	for _, r := range grants[c] {
		if p.Role == r {
			return true
		}
	}
	return false
}

// Require is the guard clause run at the start of every protected operation.
func Require(p Principal, c Capability) error {
	if p.ID == "" || !p.Can(c) {
		return ErrUnauthorized
	}
	return nil
}
