package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionVote     Action = "vote"
	ActionComment  Action = "comment"
	ActionCreate   Action = "create"
	ActionModerate Action = "moderate"
)

// Can reports whether role may perform action. Members take part in debates;
// only admins moderate them.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionVote || action == ActionComment || action == ActionCreate
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
