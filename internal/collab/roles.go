package collab

// Role represents a collaborator's access level on a plan.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleEditor  Role = "editor"
	RoleViewer  Role = "viewer"
	RoleMember  Role = "member"
	RolePending Role = "pending"
)

// DefaultInviteRole is the role assigned when an invitation is accepted.
const DefaultInviteRole = RoleMember

// roleLevel maps roles to their hierarchy level (higher = more permissions).
var roleLevel = map[Role]int{
	RoleOwner:   100,
	RoleEditor:  75,
	RoleMember:  50,
	RoleViewer:  25,
	RolePending: 0,
}

// Level returns the hierarchy level of the role.
func (r Role) Level() int {
	return roleLevel[r]
}

// IsAtLeast checks if this role has at least the same level as another role.
func (r Role) IsAtLeast(other Role) bool {
	return r.Level() >= other.Level()
}

// IsValid checks if the role is valid.
func (r Role) IsValid() bool {
	_, ok := roleLevel[r]
	return ok
}

// CanEdit reports whether the role may modify plan content.
func (r Role) CanEdit() bool {
	return r.IsAtLeast(RoleMember)
}

// ValidInviteRoles returns the roles that can be assigned to a collaborator
// after creation. Owner is fixed at plan creation and pending is reserved
// for unresolved invitations.
func ValidInviteRoles() []Role {
	return []Role{RoleEditor, RoleMember, RoleViewer}
}

// IsValidInviteRole checks if a role can be assigned via invitation or role update.
func IsValidInviteRole(r Role) bool {
	for _, valid := range ValidInviteRoles() {
		if r == valid {
			return true
		}
	}
	return false
}
