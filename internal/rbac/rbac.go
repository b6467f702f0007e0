// Package rbac defines the closed role set and the single authorization
// policy the service dispatches through. Steward category/zone scoping is
// resolved separately against assignment rows; this package only answers
// whether a role may attempt an action class at all.
package rbac

type Role string
type Action string

const (
	RoleCitizen    Role = "CITIZEN"
	RoleSteward    Role = "STEWARD"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

const (
	ActionReport   Action = "report"   // create issues, comment, vote, flag
	ActionTriage   Action = "triage"   // status transitions, duplicate marking (scoped)
	ActionModerate Action = "moderate" // comment flag review (global)
	ActionAdmin    Action = "admin"    // zones, categories, assignments, badges, users
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleSuperAdmin:
		return true
	case RoleSteward:
		return action == ActionReport || action == ActionTriage || action == ActionModerate
	case RoleCitizen:
		return action == ActionReport
	default:
		return false
	}
}

// IsAdmin reports whether the role bypasses steward scoping entirely.
func IsAdmin(role Role) bool {
	return role == RoleSuperAdmin
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleCitizen, RoleSteward, RoleSuperAdmin:
		return Role(role)
	default:
		return RoleCitizen
	}
}
