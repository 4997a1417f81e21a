package rbac

import (
	"fmt"
	"slices"
	"strings"
)

type Role string
type Action string

const (
	RoleVendor      Role = "VENDOR"
	RoleVendorAdmin Role = "VENDOR_ADMIN"

	RoleBO         Role = "BO"
	RoleSME        Role = "SME"
	RoleHeadNOC    Role = "HEAD_NOC"
	RoleFOPRTS     Role = "FOP_RTS"
	RoleRegionTeam Role = "REGION_TEAM"
	RoleRTH        Role = "RTH"

	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPERADMIN"
)

const (
	ActionRead    Action = "read"
	ActionUpload  Action = "upload"
	ActionReview  Action = "review"
	ActionRectify Action = "rectify"
	ActionAdmin   Action = "admin"
)

var allRoles = []Role{
	RoleVendor, RoleVendorAdmin,
	RoleBO, RoleSME, RoleHeadNOC, RoleFOPRTS, RoleRegionTeam, RoleRTH,
	RoleAdmin, RoleSuperAdmin,
}

var knownRoles = map[Role]struct{}{
	RoleVendor:      {},
	RoleVendorAdmin: {},
	RoleBO:          {},
	RoleSME:         {},
	RoleHeadNOC:     {},
	RoleFOPRTS:      {},
	RoleRegionTeam:  {},
	RoleRTH:         {},
	RoleAdmin:       {},
	RoleSuperAdmin:  {},
}

// ParseRole accepts role names case-insensitively. Unknown roles are an error,
// never a downgrade to some default role.
func ParseRole(value string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := knownRoles[role]; !ok {
		return "", fmt.Errorf("unknown role %q", value)
	}
	return role, nil
}

// Roles returns every known role in a stable order.
func Roles() []Role {
	return slices.Clone(allRoles)
}

func (r Role) Valid() bool {
	_, ok := knownRoles[r]
	return ok
}

func IsAdmin(role Role) bool {
	return role == RoleAdmin || role == RoleSuperAdmin
}

func IsVendor(role Role) bool {
	return role == RoleVendor || role == RoleVendorAdmin
}

func IsReviewer(role Role) bool {
	switch role {
	case RoleBO, RoleSME, RoleHeadNOC, RoleFOPRTS, RoleRegionTeam, RoleRTH:
		return true
	default:
		return false
	}
}

func Can(role Role, action Action) bool {
	switch {
	case IsAdmin(role):
		return true
	case IsVendor(role):
		return action == ActionRead || action == ActionUpload || action == ActionRectify
	case IsReviewer(role):
		return action == ActionRead || action == ActionReview
	default:
		return false
	}
}

// CanDecide reports whether actor may submit a decision on a stage assigned to
// the given role.
func CanDecide(actor, assigned Role) bool {
	if IsAdmin(actor) {
		return true
	}
	return IsReviewer(actor) && actor == assigned
}
