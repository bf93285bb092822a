package app

import (
	"context"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"

	"crewspace/api/internal/auth"
	"crewspace/api/internal/email"
	"crewspace/api/internal/feed"
	"crewspace/api/internal/rbac"
	"crewspace/api/internal/reconcile"
	"crewspace/api/internal/store"
	"crewspace/api/internal/util"
)

func (s *Session) membership(id string) (store.Membership, error) {
	row, ok := s.view.Get(store.TableWorkspaceMembers, id)
	if !ok || row.ParentID() != s.workspaceID {
		return store.Membership{}, notFound("member")
	}
	return row.(store.Membership), nil
}

func (s *Session) ownMembership() (store.Membership, error) {
	for _, member := range s.view.Members(s.workspaceID) {
		if member.UserID == s.actor.ID {
			return member, nil
		}
	}
	return store.Membership{}, unauthorized("not a member of this workspace")
}

// ChangeMemberRole moves a member to role. The actor must outrank both the
// member's current role and the new one.
func (s *Session) ChangeMemberRole(ctx context.Context, membershipID, role string) error {
	member, err := s.membership(membershipID)
	if err != nil {
		return err
	}
	next, ok := rbac.Parse(role)
	if !ok {
		return validationFailed("unknown role", map[string]any{"role": role})
	}
	current, _ := rbac.Parse(member.Role)
	self := member.UserID == s.actor.ID
	if err := s.authorize(rbac.ActionAssignRole, "", &current, self); err != nil {
		return err
	}
	if err := s.authorize(rbac.ActionAssignRole, "", &next, self); err != nil {
		return err
	}
	if current == next {
		return nil
	}

	updated := member
	updated.Role = string(next)
	h, err := s.apply(ctx, reconcile.Mutation{Op: feed.OpUpdate, Record: updated})
	if err != nil {
		return err
	}
	if err := s.wait(ctx, h); err != nil {
		return err
	}
	s.svc.audit(ctx, s.workspaceID, nil, s.actor.ID, "member_role_changed", map[string]any{
		"user_id": member.UserID,
		"from":    string(current),
		"to":      string(next),
	})
	return nil
}

// RemoveMember removes someone else from the workspace, project memberships
// first.
func (s *Session) RemoveMember(ctx context.Context, membershipID string) error {
	member, err := s.membership(membershipID)
	if err != nil {
		return err
	}
	target, _ := rbac.Parse(member.Role)
	if err := s.authorize(rbac.ActionRemoveMember, "", &target, member.UserID == s.actor.ID); err != nil {
		return err
	}
	if err := s.removeMembership(ctx, member); err != nil {
		return err
	}
	s.svc.audit(ctx, s.workspaceID, nil, s.actor.ID, "member_removed", map[string]any{
		"user_id": member.UserID,
		"email":   member.Email,
		"role":    member.Role,
	})
	return nil
}

// Leave removes the actor from the workspace. The last owner has to transfer
// ownership first.
func (s *Session) Leave(ctx context.Context) error {
	own, err := s.ownMembership()
	if err != nil {
		return err
	}
	role, _ := rbac.Parse(own.Role)
	owners := 0
	for _, member := range s.view.Members(s.workspaceID) {
		if r, _ := rbac.Parse(member.Role); r == rbac.RoleOwner {
			owners++
		}
	}
	if !rbac.CanLeave(role, owners) {
		return unauthorized("the only owner cannot leave; transfer ownership first")
	}
	if err := s.removeMembership(ctx, own); err != nil {
		return err
	}
	s.svc.audit(ctx, s.workspaceID, nil, s.actor.ID, "workspace_left", map[string]any{"role": own.Role})
	return nil
}

func (s *Session) removeMembership(ctx context.Context, member store.Membership) error {
	var handles []*reconcile.Handle
	for _, project := range s.view.Projects(s.workspaceID) {
		for _, pm := range s.view.ProjectMembers(project.ID) {
			if pm.UserID != member.UserID {
				continue
			}
			h, err := s.apply(ctx, reconcile.Mutation{Op: feed.OpDelete, Record: pm})
			if err != nil {
				return err
			}
			handles = append(handles, h)
		}
	}
	if err := s.waitAll(ctx, handles); err != nil {
		return fmt.Errorf("remove project memberships: %w", err)
	}
	h, err := s.apply(ctx, reconcile.Mutation{Op: feed.OpDelete, Record: member})
	if err != nil {
		return err
	}
	return s.wait(ctx, h)
}

// TransferOwnership makes another member the owner and the actor an admin.
// The new owner is promoted before the actor is demoted so the workspace is
// never ownerless.
func (s *Session) TransferOwnership(ctx context.Context, membershipID string) error {
	target, err := s.membership(membershipID)
	if err != nil {
		return err
	}
	if err := s.authorize(rbac.ActionTransferOwner, "", nil, target.UserID == s.actor.ID); err != nil {
		return err
	}
	own, err := s.ownMembership()
	if err != nil {
		return err
	}

	promoted := target
	promoted.Role = string(rbac.RoleOwner)
	h, err := s.apply(ctx, reconcile.Mutation{Op: feed.OpUpdate, Record: promoted})
	if err != nil {
		return err
	}
	if err := s.wait(ctx, h); err != nil {
		return fmt.Errorf("promote new owner: %w", err)
	}

	demoted := own
	demoted.Role = string(rbac.RoleAdmin)
	h, err = s.apply(ctx, reconcile.Mutation{Op: feed.OpUpdate, Record: demoted})
	if err != nil {
		return err
	}
	if err := s.wait(ctx, h); err != nil {
		return fmt.Errorf("demote previous owner: %w", err)
	}
	s.svc.audit(ctx, s.workspaceID, nil, s.actor.ID, "ownership_transferred", map[string]any{
		"to_user_id": target.UserID,
		"from_role":  target.Role,
	})
	return nil
}

// Invite creates a pending invitation and returns the one-time token that
// accepts it. With projectID set, acceptance grants role inside that project
// and limited access to the workspace.
func (s *Session) Invite(ctx context.Context, address, role string, projectID *string) (string, store.Invitation, error) {
	parsed, err := mail.ParseAddress(strings.TrimSpace(address))
	if err != nil {
		return "", store.Invitation{}, validationFailed("email is invalid", map[string]any{"email": address})
	}
	normalized := strings.ToLower(parsed.Address)
	invited, ok := rbac.Parse(role)
	if !ok {
		return "", store.Invitation{}, validationFailed("unknown role", map[string]any{"role": role})
	}

	scope := ""
	if projectID != nil {
		scope = *projectID
	}
	if err := s.authorize(rbac.ActionInviteMember, scope, nil, false); err != nil {
		return "", store.Invitation{}, err
	}
	if err := s.authorize(rbac.ActionAssignRole, scope, &invited, false); err != nil {
		return "", store.Invitation{}, err
	}
	for _, member := range s.view.Members(s.workspaceID) {
		if strings.EqualFold(member.Email, normalized) {
			return "", store.Invitation{}, validationFailed("already a member of this workspace", map[string]any{"email": normalized})
		}
	}
	for _, pending := range s.view.Invitations(s.workspaceID) {
		if strings.EqualFold(pending.Email, normalized) && sameProject(pending.ProjectID, projectID) && s.svc.now().Before(pending.ExpiresAt) {
			return "", store.Invitation{}, validationFailed("an invitation is already pending", map[string]any{"email": normalized})
		}
	}

	id := util.NewID("inv")
	token, hash, err := auth.IssueInviteToken(id)
	if err != nil {
		return "", store.Invitation{}, fmt.Errorf("issue invite token: %w", err)
	}
	now := s.svc.now()
	invitation := store.Invitation{
		ID:          id,
		WorkspaceID: s.workspaceID,
		ProjectID:   projectID,
		Email:       normalized,
		Role:        string(invited),
		TokenHash:   hash,
		InvitedBy:   s.actor.ID,
		ExpiresAt:   now.Add(s.svc.inviteTTL()),
		CreatedAt:   now,
	}
	h, err := s.apply(ctx, reconcile.Mutation{Op: feed.OpInsert, Record: invitation})
	if err != nil {
		return "", store.Invitation{}, err
	}
	if err := s.wait(ctx, h); err != nil {
		return "", store.Invitation{}, err
	}

	s.sendInvitation(invitation, token)
	s.svc.audit(ctx, s.workspaceID, projectID, s.actor.ID, "member_invited", map[string]any{
		"email": normalized,
		"role":  string(invited),
	})
	invitation.TokenHash = ""
	return token, invitation, nil
}

// RevokeInvitation deletes a pending invitation.
func (s *Session) RevokeInvitation(ctx context.Context, invitationID string) error {
	row, ok := s.view.Get(store.TableInvitations, invitationID)
	if !ok || row.ParentID() != s.workspaceID {
		return notFound("invitation")
	}
	invitation := row.(store.Invitation)
	scope := ""
	if invitation.ProjectID != nil {
		scope = *invitation.ProjectID
	}
	if err := s.authorize(rbac.ActionInviteMember, scope, nil, false); err != nil {
		return err
	}
	h, err := s.apply(ctx, reconcile.Mutation{Op: feed.OpDelete, Record: invitation})
	if err != nil {
		return err
	}
	return s.wait(ctx, h)
}

// sendInvitation mails the token. Failure is logged; the caller still gets
// the token to hand over another way.
func (s *Session) sendInvitation(invitation store.Invitation, token string) {
	if s.svc.mailer == nil || !s.svc.mailer.IsConfigured() {
		return
	}
	name := s.workspaceID
	if workspace, ok := s.view.Workspace(s.workspaceID); ok {
		name = workspace.Name
	}
	err := s.svc.mailer.SendInvitation(invitation.Email, email.InvitationData{
		WorkspaceName: name,
		InviterEmail:  s.actor.Email,
		Role:          invitation.Role,
		AcceptToken:   token,
		ExpiresIn:     humanDuration(s.svc.inviteTTL()),
	})
	if err != nil {
		log.Printf("app: send invitation %s: %v", invitation.ID, err)
	}
}

func (s *Service) inviteTTL() time.Duration {
	if s.cfg.InviteTTL <= 0 {
		return 7 * 24 * time.Hour
	}
	return s.cfg.InviteTTL
}

func humanDuration(d time.Duration) string {
	day := 24 * time.Hour
	switch {
	case d == day:
		return "1 day"
	case d%day == 0:
		return fmt.Sprintf("%d days", d/day)
	case d%time.Hour == 0:
		return fmt.Sprintf("%d hours", d/time.Hour)
	default:
		return d.String()
	}
}

func sameProject(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
