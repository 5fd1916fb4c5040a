package auth

import (
	"strings"
)

// Role is the single role bound to an account at registration.
type Role string

const (
	RoleCitizen Role = "citizen"
	RoleOfficer Role = "officer"
)

// ParseRole normalizes s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleCitizen, RoleOfficer:
		return r, true
	default:
		return "", false
	}
}

func (r Role) String() string { return string(r) }
