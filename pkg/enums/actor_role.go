package enums

import "fmt"

// ActorRole identifies which kind of caller a token was minted for.
type ActorRole string

const (
	// ActorRoleAdmin manages links and moves commissions through their lifecycle.
	ActorRoleAdmin ActorRole = "admin"
	// ActorRoleService is checkout calling the purchase hook.
	ActorRoleService ActorRole = "service"
)

var validActorRoles = []ActorRole{
	ActorRoleAdmin,
	ActorRoleService,
}

// String implements fmt.Stringer.
func (r ActorRole) String() string {
	return string(r)
}

// IsValid reports whether the value is a known ActorRole.
func (r ActorRole) IsValid() bool {
	for _, candidate := range validActorRoles {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseActorRole converts raw input into an ActorRole.
func ParseActorRole(value string) (ActorRole, error) {
	for _, candidate := range validActorRoles {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid actor role %q", value)
}
