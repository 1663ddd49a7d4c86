package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleAgent      = "agent"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// IsOperator reports whether role may run campaigns for others.
func IsOperator(role string) bool { return role == RoleAdmin || role == RoleSupervisor }
