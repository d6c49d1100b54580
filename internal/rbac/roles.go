package rbac

// Role names. Keep these stable; they are part of the token contract.
const (
	RoleOwner      = "owner"
	RoleSupervisor = "supervisor"
	RoleAgent      = "agent"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// OperatorRoles may run dialer operations and change settings.
var OperatorRoles = []string{RoleOwner, RoleSupervisor}

// ViewerRoles may read dialer state.
var ViewerRoles = []string{RoleOwner, RoleSupervisor, RoleAgent}
