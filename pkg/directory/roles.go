package directory

import "fmt"

// Role is a named set of permissions granted to a device.
type Role string

// Roles
const (
	// RoleAdmin can manage the registry itself.
	RoleAdmin Role = "admin"

	// RoleDevice is the default role issued at registration.
	RoleDevice Role = "device"

	// RoleReader can only read data.
	RoleReader Role = "reader"
)

// Permission is a single grantable capability.
type Permission string

// Permissions
const (
	PermRegisterDevice   Permission = "register_device"
	PermDeregisterDevice Permission = "deregister_device"
	PermPublishData      Permission = "publish_data"
	PermReadData         Permission = "read_data"
	PermManageRoles      Permission = "manage_roles"
)

// rolePermissions is the static role to permission grant. Every role maps to
// a non-empty, fixed set.
var rolePermissions = map[Role]map[Permission]struct{}{
	RoleAdmin: {
		PermRegisterDevice:   {},
		PermDeregisterDevice: {},
		PermPublishData:      {},
		PermReadData:         {},
		PermManageRoles:      {},
	},
	RoleDevice: {
		PermPublishData: {},
		PermReadData:    {},
	},
	RoleReader: {
		PermReadData: {},
	},
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Can reports whether the role carries the permission. Unknown roles carry
// nothing.
func (r Role) Can(p Permission) bool {
	perms, ok := rolePermissions[r]
	if !ok {
		return false
	}
	_, ok = perms[p]
	return ok
}

// Permissions returns the role's grant as a slice, for API views.
func (r Role) Permissions() []Permission {
	perms := rolePermissions[r]
	out := make([]Permission, 0, len(perms))
	for p := range perms {
		out = append(out, p)
	}
	return out
}

// ParseRole converts a string to a Role, rejecting unknown names.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}
