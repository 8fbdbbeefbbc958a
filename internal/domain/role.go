// Package domain holds the gateway's closed, compiled-in data model: the
// role/scope hierarchy and the record types shared across every component.
package domain

import "fmt"

// Role is a totally ordered, compiled-in access level. No configuration can
// add, remove, or reorder variants.
type Role int

const (
	RoleUser Role = iota
	RolePowerUser
	RoleManager
	RoleAdmin
)

var roleNames = [...]string{
	RoleUser:      "resource_user",
	RolePowerUser: "resource_power_user",
	RoleManager:   "resource_manager",
	RoleAdmin:     "resource_admin",
}

// String serializes a Role using its wire form (resource_{variant}).
func (r Role) String() string {
	if int(r) < 0 || int(r) >= len(roleNames) {
		return fmt.Sprintf("resource_unknown(%d)", int(r))
	}
	return roleNames[r]
}

// HasAccessTo reports whether r is authorized for a route requiring need.
func (r Role) HasAccessTo(need Role) bool {
	return r >= need
}

// ParseRole maps a wire-form role string back to its Role, or false if the
// string isn't a recognized variant.
func ParseRole(s string) (Role, bool) {
	for i, name := range roleNames {
		if name == s {
			return Role(i), true
		}
	}
	return 0, false
}

// HighestRole returns the highest-ordinal role among candidates, and false
// if none of them were recognized. Mirrors the "if multiple role strings
// appear the highest wins" rule in spec §3.
func HighestRole(candidates []string) (Role, bool) {
	best := Role(-1)
	found := false
	for _, c := range candidates {
		if r, ok := ParseRole(c); ok {
			found = true
			if r > best {
				best = r
			}
		}
	}
	return best, found
}
