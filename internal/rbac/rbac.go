package rbac

type Role string
type Action string

const (
	RoleNone   Role = "none"
	RoleMember Role = "member"
	RoleLeader Role = "leader"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleLeader:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionWrite
	default:
		return false
	}
}

// RoleFor derives a user's role within a project from membership facts.
func RoleFor(isLeader, isMember bool) Role {
	switch {
	case isLeader:
		return RoleLeader
	case isMember:
		return RoleMember
	default:
		return RoleNone
	}
}
