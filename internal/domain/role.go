package domain

import (
	"fmt"
	"strings"
)

// Role is a global or per-project role. The zero value is RoleGuest.
type Role string

const (
	RoleOwner       Role = "owner"
	RoleAdmin       Role = "admin"
	RoleManager     Role = "manager"
	RoleContributor Role = "contributor"
	RoleViewer      Role = "viewer"
	RoleMember      Role = "member"

	// RoleGuest means no role could be resolved. It never satisfies a check.
	RoleGuest Role = ""
)

var roleRank = map[Role]int{
	RoleOwner:       6,
	RoleAdmin:       5,
	RoleManager:     4,
	RoleContributor: 3,
	RoleViewer:      2,
	RoleMember:      1,
}

// Roles lists every assignable role, highest first.
func Roles() []Role {
	return []Role{RoleOwner, RoleAdmin, RoleManager, RoleContributor, RoleViewer, RoleMember}
}

// Rank orders roles; guest and unknown values rank 0.
func (r Role) Rank() int {
	return roleRank[r]
}

func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

func (r Role) String() string {
	if r == RoleGuest {
		return "guest"
	}
	return string(r)
}

// ParseRole accepts any assignable role name, case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return RoleGuest, fmt.Errorf("invalid role %q", s)
	}
	return r, nil
}

// ParseRoles parses a comma separated role list.
func ParseRoles(s string) ([]Role, error) {
	var out []Role
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		r, err := ParseRole(part)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// HighestRole returns the highest-ranked valid role, or RoleGuest.
func HighestRole(roles []Role) Role {
	best := RoleGuest
	for _, r := range roles {
		if r.Rank() > best.Rank() {
			best = r
		}
	}
	return best
}

// ContainsRole reports whether set contains r. RoleGuest is never contained.
func ContainsRole(set []Role, r Role) bool {
	if r == RoleGuest {
		return false
	}
	for _, s := range set {
		if s == r {
			return true
		}
	}
	return false
}
