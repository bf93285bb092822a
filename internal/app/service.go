package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"crewspace/api/internal/auth"
	"crewspace/api/internal/cascade"
	"crewspace/api/internal/config"
	"crewspace/api/internal/email"
	"crewspace/api/internal/feed"
	"crewspace/api/internal/rbac"
	"crewspace/api/internal/reconcile"
	"crewspace/api/internal/search"
	"crewspace/api/internal/session"
	"crewspace/api/internal/store"
	"crewspace/api/internal/util"
	"crewspace/api/internal/workflow"
)

type changeFeed interface {
	publisher
	Subscribe(ctx context.Context, topics ...feed.Topic) *feed.Subscription
}

type blobStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Download(ctx context.Context, path string) ([]byte, error)
	Remove(ctx context.Context, path string) error
}

type searchIndex interface {
	Index(entity store.Entity, workspaceID string)
	RemoveEntities(table store.Table, ids []string)
	Search(q search.Query) search.Response
}

type mailer interface {
	IsConfigured() bool
	SendInvitation(to string, data email.InvitationData) error
}

type identityProvider interface {
	CurrentUser(ctx context.Context, token string) (store.User, error)
}

// Deps are the opaque services the core calls. Only Store is required; a
// nil Feed runs every session in snapshot-only mode.
type Deps struct {
	Store    dataStore
	Feed     changeFeed
	Blobs    blobStore
	Search   searchIndex
	Mailer   mailer
	Identity identityProvider
}

type Service struct {
	cfg      config.Config
	store    dataStore
	feed     changeFeed
	blobs    blobStore
	search   searchIndex
	mailer   mailer
	identity identityProvider
	cascade  *cascade.Orchestrator
	now      func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:      cfg,
		store:    deps.Store,
		feed:     deps.Feed,
		blobs:    deps.Blobs,
		search:   deps.Search,
		mailer:   deps.Mailer,
		identity: deps.Identity,
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.cascade = cascade.New(deps.Store, cascade.Options{
		Feed:      deps.Feed,
		Blobs:     deps.Blobs,
		Index:     deps.Search,
		BatchSize: cfg.CascadeBatchSize,
	})
	return s
}

func (s *Service) backend() *storeBackend {
	return &storeBackend{store: s.store, feed: s.feed}
}

// CurrentUser resolves a session token through the identity provider.
func (s *Service) CurrentUser(ctx context.Context, token string) (store.User, error) {
	if s.identity == nil {
		return store.User{}, unavailable("identity provider")
	}
	user, err := s.identity.CurrentUser(ctx, token)
	if errors.Is(err, session.ErrNoSession) {
		return store.User{}, unauthorized("session expired or unknown")
	}
	if err != nil {
		return store.User{}, fmt.Errorf("current user: %w", err)
	}
	return user, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateWorkspace creates a private workspace with the default workflow and
// makes actor its owner.
func (s *Service) CreateWorkspace(ctx context.Context, actor store.User, name string) (store.Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Workspace{}, validationFailed("name is required", nil)
	}
	if actor.ID == "" {
		return store.Workspace{}, unauthorized("sign in to create a workspace")
	}
	now := s.now()
	workspace := store.Workspace{
		ID:         util.NewID("ws"),
		Name:       name,
		Visibility: "private",
		Workflow:   workflow.DefaultWorkflow(),
		Tags:       []store.Tag{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	owner := store.Membership{
		ID:          util.NewID("mem"),
		WorkspaceID: workspace.ID,
		UserID:      actor.ID,
		Email:       strings.ToLower(actor.Email),
		Role:        string(rbac.RoleOwner),
		CreatedAt:   now,
	}
	backend := s.backend()
	if err := backend.Apply(ctx, reconcile.Mutation{Op: feed.OpInsert, Record: workspace}); err != nil {
		return store.Workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	if err := backend.Apply(ctx, reconcile.Mutation{Op: feed.OpInsert, Record: owner}); err != nil {
		return store.Workspace{}, fmt.Errorf("add workspace owner: %w", err)
	}
	s.audit(ctx, workspace.ID, nil, actor.ID, "workspace_created", map[string]any{"name": name})
	return workspace, nil
}

// workspaceRole reads the actor's role from the backing store. Sessions use
// their cache instead.
func (s *Service) workspaceRole(ctx context.Context, workspaceID, userID string) (rbac.Role, error) {
	rows, err := s.store.Select(ctx, store.TableWorkspaceMembers, []store.Filter{
		store.Eq("workspace_id", workspaceID),
		store.Eq("user_id", userID),
	})
	if err != nil {
		return "", fmt.Errorf("load membership: %w", err)
	}
	if len(rows) == 0 {
		return "", unauthorized("not a member of this workspace")
	}
	role, ok := rbac.Parse(rows[0].(store.Membership).Role)
	if !ok {
		return "", unauthorized("membership has no valid role")
	}
	return role, nil
}

func (s *Service) authorize(ctx context.Context, workspaceID, userID string, action rbac.Action) error {
	role, err := s.workspaceRole(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if decision := rbac.Decide(rbac.Request{Role: role, Action: action}); !decision.Allowed {
		return unauthorized(decision.Reason)
	}
	return nil
}

// DeleteWorkspace removes the workspace and everything it owns. Audit rows
// are kept.
func (s *Service) DeleteWorkspace(ctx context.Context, actor store.User, workspaceID, confirmation string) (cascade.Result, error) {
	if err := s.authorize(ctx, workspaceID, actor.ID, rbac.ActionDeleteWorkspace); err != nil {
		return cascade.Result{}, err
	}
	result, err := s.cascade.Delete(ctx, cascade.Request{
		Root:         cascade.Root{Kind: cascade.KindWorkspace, ID: workspaceID},
		ActorID:      actor.ID,
		Confirmation: confirmation,
	})
	return result, translate(err)
}

// DeleteProject is the store-authorized variant used outside a session.
func (s *Service) DeleteProject(ctx context.Context, actor store.User, projectID, confirmation string) (cascade.Result, error) {
	row, err := s.store.Get(ctx, store.TableProjects, projectID)
	if err != nil {
		return cascade.Result{}, translate(err)
	}
	if err := s.authorize(ctx, row.ParentID(), actor.ID, rbac.ActionDeleteProject); err != nil {
		return cascade.Result{}, err
	}
	return s.deleteProject(ctx, actor, projectID, confirmation)
}

func (s *Service) deleteProject(ctx context.Context, actor store.User, projectID, confirmation string) (cascade.Result, error) {
	result, err := s.cascade.Delete(ctx, cascade.Request{
		Root:         cascade.Root{Kind: cascade.KindProject, ID: projectID},
		ActorID:      actor.ID,
		Confirmation: confirmation,
	})
	return result, translate(err)
}

// PreviewDelete reports what deleting root would remove and whether the
// confirmation phrase is needed.
func (s *Service) PreviewDelete(ctx context.Context, actor store.User, root cascade.Root) (cascade.Closure, bool, error) {
	closure, err := s.cascade.Preview(ctx, root)
	if err != nil {
		return cascade.Closure{}, false, translate(err)
	}
	action := rbac.ActionDeleteProject
	if root.Kind == cascade.KindWorkspace {
		action = rbac.ActionDeleteWorkspace
	}
	if err := s.authorize(ctx, closure.WorkspaceID, actor.ID, action); err != nil {
		return cascade.Closure{}, false, err
	}
	return closure, closure.NeedsConfirmation(actor.ID), nil
}

// ListAuditEvents returns up to 200 events, newest first.
func (s *Service) ListAuditEvents(ctx context.Context, actor store.User, workspaceID string, filter store.AuditFilter) ([]store.AuditEvent, error) {
	if err := s.authorize(ctx, workspaceID, actor.ID, rbac.ActionViewAuditLog); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 200
	}
	events, err := s.store.ListAuditEvents(ctx, workspaceID, filter)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

// AcceptInvitation turns a pending invitation into a membership for user.
// An existing membership keeps its role.
func (s *Service) AcceptInvitation(ctx context.Context, user store.User, token string) (store.Membership, error) {
	invitationID, secret, err := auth.ParseInviteToken(token)
	if err != nil {
		return store.Membership{}, unauthorized("invalid invitation token")
	}
	row, err := s.store.Get(ctx, store.TableInvitations, invitationID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Membership{}, notFound("invitation")
	}
	if err != nil {
		return store.Membership{}, fmt.Errorf("load invitation: %w", err)
	}
	invitation := row.(store.Invitation)
	if err := auth.VerifyInviteSecret(invitation.TokenHash, secret); err != nil {
		return store.Membership{}, unauthorized("invalid invitation token")
	}
	if !strings.EqualFold(strings.TrimSpace(user.Email), invitation.Email) {
		return store.Membership{}, unauthorized("invitation was sent to a different address")
	}
	if s.now().After(invitation.ExpiresAt) {
		return store.Membership{}, validationFailed("invitation has expired", map[string]any{"expiresAt": invitation.ExpiresAt})
	}

	backend := s.backend()
	membership, err := s.ensureMembership(ctx, backend, invitation, user)
	if err != nil {
		return store.Membership{}, err
	}
	if invitation.ProjectID != nil {
		if err := s.ensureProjectMembership(ctx, backend, *invitation.ProjectID, user.ID, invitation.Role); err != nil {
			return store.Membership{}, err
		}
	}
	if err := backend.Apply(ctx, reconcile.Mutation{Op: feed.OpDelete, Record: invitation}); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("app: remove accepted invitation %s: %v", invitation.ID, err)
	}
	s.audit(ctx, invitation.WorkspaceID, invitation.ProjectID, user.ID, "member_added", map[string]any{
		"user_id":    user.ID,
		"email":      invitation.Email,
		"role":       membership.Role,
		"invited_by": invitation.InvitedBy,
	})
	return membership, nil
}

func (s *Service) ensureMembership(ctx context.Context, backend *storeBackend, invitation store.Invitation, user store.User) (store.Membership, error) {
	rows, err := s.store.Select(ctx, store.TableWorkspaceMembers, []store.Filter{
		store.Eq("workspace_id", invitation.WorkspaceID),
		store.Eq("user_id", user.ID),
	})
	if err != nil {
		return store.Membership{}, fmt.Errorf("load membership: %w", err)
	}
	if len(rows) > 0 {
		return rows[0].(store.Membership), nil
	}
	membership := store.Membership{
		ID:          util.NewID("mem"),
		WorkspaceID: invitation.WorkspaceID,
		UserID:      user.ID,
		Email:       invitation.Email,
		Role:        invitation.Role,
		CreatedAt:   s.now(),
	}
	// A project invitation grants limited workspace access; the project role
	// carries the invited role.
	if invitation.ProjectID != nil {
		membership.Role = string(rbac.RoleLimited)
	}
	if err := backend.Apply(ctx, reconcile.Mutation{Op: feed.OpInsert, Record: membership}); err != nil {
		return store.Membership{}, fmt.Errorf("add member: %w", err)
	}
	return membership, nil
}

func (s *Service) ensureProjectMembership(ctx context.Context, backend *storeBackend, projectID, userID, role string) error {
	rows, err := s.store.Select(ctx, store.TableProjectMembers, []store.Filter{
		store.Eq("project_id", projectID),
		store.Eq("user_id", userID),
	})
	if err != nil {
		return fmt.Errorf("load project membership: %w", err)
	}
	if len(rows) > 0 {
		return nil
	}
	membership := store.ProjectMembership{
		ID:        util.NewID("pm"),
		ProjectID: projectID,
		UserID:    userID,
		Role:      role,
		CreatedAt: s.now(),
	}
	if err := backend.Apply(ctx, reconcile.Mutation{Op: feed.OpInsert, Record: membership}); err != nil {
		return fmt.Errorf("add project member: %w", err)
	}
	return nil
}

// snapshot loads the authoritative content of a workspace: one scope per
// workspace-owned table and one per project-owned table and project.
func (s *Service) snapshot(ctx context.Context, workspaceID string) (reconcile.Snapshot, []string, error) {
	var snap reconcile.Snapshot
	var projectIDs []string
	for _, table := range store.Tables {
		if !table.WorkspaceScoped() {
			continue
		}
		rows, err := s.store.Select(ctx, table, []store.Filter{store.Eq(table.ParentColumn(), workspaceID)})
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot %s: %w", table, err)
		}
		switch table {
		case store.TableProjects:
			for _, row := range rows {
				projectIDs = append(projectIDs, row.EntityID())
			}
		case store.TableInvitations:
			for i, row := range rows {
				invitation := row.(store.Invitation)
				invitation.TokenHash = ""
				rows[i] = invitation
			}
		}
		snap = append(snap, reconcile.ScopeRows{Table: table, ParentID: workspaceID, Rows: rows})
	}

	for _, table := range store.Tables {
		if table.WorkspaceScoped() {
			continue
		}
		byProject := make(map[string][]store.Entity, len(projectIDs))
		if len(projectIDs) > 0 {
			rows, err := s.store.Select(ctx, table, []store.Filter{store.In("project_id", projectIDs)})
			if err != nil {
				return nil, nil, fmt.Errorf("snapshot %s: %w", table, err)
			}
			for _, row := range rows {
				byProject[row.ParentID()] = append(byProject[row.ParentID()], row)
			}
		}
		for _, projectID := range projectIDs {
			snap = append(snap, reconcile.ScopeRows{Table: table, ParentID: projectID, Rows: byProject[projectID]})
		}
	}
	return snap, projectIDs, nil
}

// audit records one event. Failures are logged; the action already happened.
func (s *Service) audit(ctx context.Context, workspaceID string, projectID *string, actorID, action string, payload map[string]any) {
	err := s.store.InsertAuditEvent(context.WithoutCancel(ctx), store.AuditEvent{
		WorkspaceID: workspaceID,
		ProjectID:   projectID,
		ActorID:     actorID,
		Action:      action,
		Payload:     payload,
	})
	if err != nil {
		log.Printf("app: audit %s in %s: %v", action, workspaceID, err)
	}
}
