package auth

// Role names, highest first
const (
	RoleSuperadmin = "superadmin"
	RoleAdmin      = "admin"
	RoleUser       = "user"
	RoleGuest      = "guest"
)

// Permission names a privileged action
type Permission string

const (
	PermWrite            Permission = "write"
	PermRead             Permission = "read"
	PermDeleteMessage    Permission = "deleteMessage"
	PermDeleteAnyMessage Permission = "deleteAnyMessage"
	PermAssignRole       Permission = "assignRole"
)

// roleRank orders roles; a higher rank inherits every lower role's permissions
var roleRank = map[string]int{
	RoleGuest:      0,
	RoleUser:       1,
	RoleAdmin:      2,
	RoleSuperadmin: 3,
}

// grants lists the permissions a role adds on top of the roles below it
var grants = map[string][]Permission{
	RoleGuest:      {PermRead},
	RoleUser:       {PermWrite, PermDeleteMessage},
	RoleAdmin:      {PermDeleteAnyMessage},
	RoleSuperadmin: {PermAssignRole},
}

// ValidRole reports whether role is a known role name
func ValidRole(role string) bool {
	_, ok := roleRank[role]
	return ok
}

// AtLeast reports whether role ranks at or above min.
// Unknown roles rank below everything.
func AtLeast(role, min string) bool {
	r, ok := roleRank[role]
	if !ok {
		return false
	}
	return r >= roleRank[min]
}

// Can reports whether role holds perm
func Can(role string, perm Permission) bool {
	rank, ok := roleRank[role]
	if !ok {
		return false
	}
	for name, r := range roleRank {
		if r > rank {
			continue
		}
		for _, p := range grants[name] {
			if p == perm {
				return true
			}
		}
	}
	return false
}
