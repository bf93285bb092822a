// Package rbac is the authorization matrix: a pure function from the actor's
// current role, an action and (for role management) a target role to a
// decision. Callers re-derive the role from live cached data on every check.
package rbac

import "strings"

type Role string
type Action string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleMember  Role = "member"
	RoleLimited Role = "limited"
)

// Roles in descending order.
var Roles = []Role{RoleOwner, RoleAdmin, RoleManager, RoleMember, RoleLimited}

const (
	ActionView            Action = "view"
	ActionViewClients     Action = "clients.view"
	ActionCreateClient    Action = "clients.create"
	ActionEditClient      Action = "clients.edit"
	ActionDeleteClient    Action = "clients.delete"
	ActionCreateProject   Action = "projects.create"
	ActionEditProject     Action = "projects.edit"
	ActionArchiveProject  Action = "projects.archive"
	ActionRestoreProject  Action = "projects.restore"
	ActionViewArchive     Action = "projects.view_archive"
	ActionDeleteProject   Action = "projects.delete"
	ActionWriteContent    Action = "content.write"
	ActionInviteMember    Action = "members.invite"
	ActionAssignRole      Action = "members.assign_role"
	ActionRemoveMember    Action = "members.remove"
	ActionLeave           Action = "members.leave"
	ActionTransferOwner   Action = "members.transfer_ownership"
	ActionEditWorkspace   Action = "workspace.edit"
	ActionEditWorkflow    Action = "workspace.edit_workflow"
	ActionViewAuditLog    Action = "workspace.view_audit_log"
	ActionEditVisibility  Action = "workspace.edit_visibility"
	ActionDeleteWorkspace Action = "workspace.delete"
)

var minimumRole = map[Action]Role{
	ActionView:            RoleLimited,
	ActionViewClients:     RoleMember,
	ActionCreateClient:    RoleManager,
	ActionEditClient:      RoleManager,
	ActionDeleteClient:    RoleAdmin,
	ActionCreateProject:   RoleManager,
	ActionEditProject:     RoleManager,
	ActionArchiveProject:  RoleManager,
	ActionRestoreProject:  RoleManager,
	ActionViewArchive:     RoleManager,
	ActionDeleteProject:   RoleAdmin,
	ActionWriteContent:    RoleMember,
	ActionInviteMember:    RoleManager,
	ActionEditWorkspace:   RoleAdmin,
	ActionEditWorkflow:    RoleAdmin,
	ActionViewAuditLog:    RoleAdmin,
	ActionEditVisibility:  RoleOwner,
	ActionDeleteWorkspace: RoleOwner,
	ActionTransferOwner:   RoleOwner,
}

// archivedWrites are denied on archived projects whatever the role.
var archivedWrites = map[Action]bool{
	ActionWriteContent:   true,
	ActionEditProject:    true,
	ActionArchiveProject: true,
}

func Parse(role string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(role)))
	return r, r.Valid()
}

func (r Role) Valid() bool {
	return r.rank() > 0
}

func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 5
	case RoleAdmin:
		return 4
	case RoleManager:
		return 3
	case RoleMember:
		return 2
	case RoleLimited:
		return 1
	default:
		return 0
	}
}

// Above reports whether r is strictly higher than other.
func (r Role) Above(other Role) bool {
	return r.Valid() && other.Valid() && r.rank() > other.rank()
}

func (r Role) AtLeast(min Role) bool {
	return r.Valid() && min.Valid() && r.rank() >= min.rank()
}

type Request struct {
	Role   Role
	Action Action
	// Target is the role being assigned or removed.
	Target *Role
	// Self marks a membership change aimed at the actor's own row.
	Self bool
	// Archived marks an action against an archived project.
	Archived bool
}

type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Decide evaluates a request. It is total: unknown roles and actions deny.
func Decide(req Request) Decision {
	if !req.Role.Valid() {
		return deny("not a member")
	}

	switch req.Action {
	case ActionLeave:
		return allow()
	case ActionAssignRole, ActionRemoveMember:
		if req.Self {
			return deny("own membership can only change through leave")
		}
		if req.Target == nil || !req.Target.Valid() {
			return deny("target role required")
		}
		if !req.Role.Above(*req.Target) {
			return deny("can only manage roles below " + string(req.Role))
		}
		return allow()
	}

	min, ok := minimumRole[req.Action]
	if !ok {
		return deny("unknown action")
	}
	if req.Archived && archivedWrites[req.Action] {
		return deny("project is archived")
	}
	if req.Action == ActionTransferOwner && req.Self {
		return deny("ownership must go to another member")
	}
	if !req.Role.AtLeast(min) {
		return deny("requires " + string(min))
	}
	return allow()
}

// CanPerform is the matrix lookup without membership or archive context.
func CanPerform(role Role, action Action, target *Role) bool {
	return Decide(Request{Role: role, Action: action, Target: target}).Allowed
}

// Assignable lists the roles r may grant or revoke, highest first.
func Assignable(r Role) []Role {
	out := make([]Role, 0, len(Roles))
	for _, candidate := range Roles {
		if r.Above(candidate) {
			out = append(out, candidate)
		}
	}
	return out
}

// CanLeave applies the leave rule: anyone may leave except the last owner.
func CanLeave(r Role, owners int) bool {
	if !r.Valid() {
		return false
	}
	return r != RoleOwner || owners > 1
}

// ProjectRole resolves the role used inside a project: an explicit project
// membership wins, otherwise the workspace role applies.
func ProjectRole(workspaceRole, projectRole string) Role {
	if r, ok := Parse(projectRole); ok {
		return r
	}
	r, _ := Parse(workspaceRole)
	return r
}
