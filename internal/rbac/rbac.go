package rbac

type Role string
type Action string

const (
	RoleMember Role = "member"
	RoleChair  Role = "chair"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionJudge   Action = "judge"
	ActionPropose Action = "propose"
	// ActionManage covers editing, closing and deleting decisions authored
	// by someone else.
	ActionManage Action = "manage"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleChair:
		return action != ActionAdmin
	case RoleMember:
		return action == ActionRead || action == ActionComment || action == ActionJudge || action == ActionPropose
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleChair, RoleAdmin:
		return Role(role)
	default:
		return RoleMember
	}
}
