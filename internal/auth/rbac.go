package auth

import "strings"

// Role is the privilege level of an admin API caller.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// Capability is what an admin route needs from the caller's role.
type Capability int

const (
	// CapInspect reads parties, queues and change sets.
	CapInspect Capability = iota
	// CapOperate drives handshakes, pushes and authorizations.
	CapOperate
	// CapManage creates parties, changes their status and rotates tokens.
	CapManage
)

func (c Capability) String() string {
	switch c {
	case CapInspect:
		return "inspect"
	case CapOperate:
		return "operate"
	case CapManage:
		return "manage"
	}
	return "unknown"
}

// ParseRole accepts a role name in any case. ok is false for names that are
// not a role.
func ParseRole(name string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(name))); r {
	case RoleAdmin, RoleOperator, RoleViewer:
		return r, true
	}
	return "", false
}

// NormalizeRole is ParseRole with unknown names treated as viewer.
func NormalizeRole(name string) Role {
	if r, ok := ParseRole(name); ok {
		return r
	}
	return RoleViewer
}

// Can reports whether r holds capability c. Roles are ordered: operators can
// do everything viewers can, admins everything operators can.
func (r Role) Can(c Capability) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleOperator:
		return c <= CapOperate
	case RoleViewer:
		return c == CapInspect
	}
	return false
}

// Allows checks a role claim as it appears in a token.
func Allows(claim string, c Capability) bool {
	return NormalizeRole(claim).Can(c)
}
