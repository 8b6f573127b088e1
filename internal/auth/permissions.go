package auth

// Permission keys gating API operations. The enumeration is fixed; values
// outside it are rejected before they reach the store.
const (
	PermBrowseApp   = "browse-app"
	PermModifyApp   = "modify-app"
	PermCreateBuild = "create-build"

	// Admin
	PermBrowseUser     = "browse-user"
	PermCreateUser     = "create-user"
	PermDeleteUser     = "delete-user"
	PermCreateUserKey  = "create-user-key"
	PermDeleteUserKey  = "delete-user-key"
	PermCreateUserPerm = "create-user-perm"
	PermDeleteUserPerm = "delete-user-perm"
)

var allPermissions = []string{
	PermBrowseApp,
	PermModifyApp,
	PermCreateBuild,
	PermBrowseUser,
	PermCreateUser,
	PermDeleteUser,
	PermCreateUserKey,
	PermDeleteUserKey,
	PermCreateUserPerm,
	PermDeleteUserPerm,
}

// AllPermissions returns the full permission enumeration.
func AllPermissions() []string {
	out := make([]string, len(allPermissions))
	copy(out, allPermissions)
	return out
}

// ValidPermission reports whether p is part of the enumeration.
func ValidPermission(p string) bool {
	for _, v := range allPermissions {
		if v == p {
			return true
		}
	}
	return false
}
