package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"crewspace/api/internal/feed"
	"crewspace/api/internal/rbac"
	"crewspace/api/internal/reconcile"
	"crewspace/api/internal/store"
	"crewspace/api/internal/workflow"
)

// role is the actor's workspace role as the cache sees it right now.
func (s *Session) role() rbac.Role {
	raw, ok := s.view.MemberRole(s.workspaceID, s.actor.ID)
	if !ok {
		return ""
	}
	role, _ := rbac.Parse(raw)
	return role
}

// projectRole is the actor's effective role inside a project.
func (s *Session) projectRole(projectID string) rbac.Role {
	workspaceRole := s.role()
	if !workspaceRole.Valid() {
		return ""
	}
	raw, _ := s.view.ProjectRole(projectID, s.actor.ID)
	return rbac.ProjectRole(string(workspaceRole), raw)
}

// authorize re-derives the actor's role from live cached rows on every call.
// Content writes use the project-effective role; everything else uses the
// workspace role.
func (s *Session) authorize(action rbac.Action, projectID string, target *rbac.Role, self bool) error {
	req := rbac.Request{Role: s.role(), Action: action, Target: target, Self: self}
	if projectID != "" {
		project, ok := s.view.Project(projectID)
		if !ok || project.WorkspaceID != s.workspaceID {
			return notFound("project")
		}
		req.Archived = project.Archived
		if action == rbac.ActionWriteContent {
			req.Role = s.projectRole(projectID)
		}
	}
	if decision := rbac.Decide(req); !decision.Allowed {
		return unauthorized(decision.Reason)
	}
	return nil
}

// CanPerform answers whether the actor may take action right now. projectID
// is empty for workspace-level actions.
func (s *Session) CanPerform(action rbac.Action, projectID string, target *rbac.Role) bool {
	return s.authorize(action, projectID, target, false) == nil
}

// IssueMutation authorizes m against the actor's current role, applies it to
// the cache and sends it. The handle resolves when the backing store answers.
func (s *Session) IssueMutation(ctx context.Context, m reconcile.Mutation) (*reconcile.Handle, error) {
	if m.Record == nil {
		return nil, validationFailed("record is required", nil)
	}
	m, err := s.canonical(m)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeMutation(m); err != nil {
		return nil, err
	}
	if m.Op != feed.OpDelete {
		if err := s.validateRecord(m.Record); err != nil {
			return nil, err
		}
	}
	if client, ok := m.Record.(store.Client); ok && m.Op == feed.OpDelete {
		if err := s.detachClient(ctx, client.ID); err != nil {
			return nil, err
		}
	}
	return s.apply(ctx, m)
}

func (s *Session) authorizeMutation(m reconcile.Mutation) error {
	switch record := m.Record.(type) {
	case store.Workspace:
		return s.authorizeWorkspaceEdit(m.Op, record)
	case store.Membership:
		return validationFailed("workspace memberships change through the member operations", nil)
	case store.Invitation:
		return validationFailed("invitations are created with Invite", nil)
	case store.Project:
		return s.authorizeProject(m.Op, record)
	case store.Client:
		if record.WorkspaceID != s.workspaceID {
			return unauthorized("client belongs to another workspace")
		}
		switch m.Op {
		case feed.OpInsert:
			return s.authorize(rbac.ActionCreateClient, "", nil, false)
		case feed.OpUpdate:
			return s.authorize(rbac.ActionEditClient, "", nil, false)
		default:
			return s.authorize(rbac.ActionDeleteClient, "", nil, false)
		}
	case store.ProjectMembership:
		return s.authorizeProjectMember(m.Op, record)
	case store.Task, store.Note, store.File, store.Milestone:
		projectID, err := s.contentProject(m.Record)
		if err != nil {
			return err
		}
		return s.authorize(rbac.ActionWriteContent, projectID, nil, false)
	default:
		return validationFailed(fmt.Sprintf("unsupported record %T", m.Record), nil)
	}
}

func (s *Session) authorizeWorkspaceEdit(op feed.Op, next store.Workspace) error {
	if next.ID != s.workspaceID {
		return unauthorized("workspace outside this session")
	}
	if op != feed.OpUpdate {
		return validationFailed("workspaces are created and deleted through the service", nil)
	}
	current, ok := s.view.Workspace(s.workspaceID)
	if !ok {
		return notFound("workspace")
	}
	if workflow.Changed(current.Workflow, next.Workflow) || !sameTags(current.Tags, next.Tags) || current.Version != next.Version {
		return validationFailed("workflow and tags change through MigrateWorkflow", nil)
	}
	if current.Visibility != next.Visibility {
		return validationFailed("visibility changes through SetVisibility", nil)
	}
	return s.authorize(rbac.ActionEditWorkspace, "", nil, false)
}

func (s *Session) authorizeProject(op feed.Op, next store.Project) error {
	if next.WorkspaceID != s.workspaceID {
		return unauthorized("project belongs to another workspace")
	}
	switch op {
	case feed.OpInsert:
		return s.authorize(rbac.ActionCreateProject, "", nil, false)
	case feed.OpUpdate:
		current, ok := s.view.Project(next.ID)
		if !ok {
			return notFound("project")
		}
		switch {
		case next.Archived && !current.Archived:
			return s.authorize(rbac.ActionArchiveProject, next.ID, nil, false)
		case !next.Archived && current.Archived:
			return s.authorize(rbac.ActionRestoreProject, next.ID, nil, false)
		default:
			return s.authorize(rbac.ActionEditProject, next.ID, nil, false)
		}
	default:
		return validationFailed("projects are deleted through DeleteProject", nil)
	}
}

// authorizeProjectMember requires the actor to outrank both the role a
// membership has and the role it is given.
func (s *Session) authorizeProjectMember(op feed.Op, next store.ProjectMembership) error {
	self := next.UserID == s.actor.ID
	action := rbac.ActionAssignRole
	if op == feed.OpDelete {
		action = rbac.ActionRemoveMember
	}
	current, existed := s.view.Get(store.TableProjectMembers, next.ID)
	if existed {
		currentRow := current.(store.ProjectMembership)
		if currentRow.ProjectID != next.ProjectID {
			return validationFailed("project memberships cannot move between projects", nil)
		}
		self = self || currentRow.UserID == s.actor.ID
		currentRole, _ := rbac.Parse(currentRow.Role)
		if err := s.authorize(action, next.ProjectID, &currentRole, self); err != nil {
			return err
		}
		if op == feed.OpDelete {
			return nil
		}
	} else if op != feed.OpInsert {
		return notFound("project member")
	}
	role, _ := rbac.Parse(next.Role)
	return s.authorize(action, next.ProjectID, &role, self)
}

// canonical pins a content row to the project it is cached under, so the
// store write and the feed announcement land on the row's real parent. A
// delete of a cached row sends the cached row itself.
func (s *Session) canonical(m reconcile.Mutation) (reconcile.Mutation, error) {
	switch m.Record.(type) {
	case store.Task, store.Note, store.File, store.Milestone:
	default:
		return m, nil
	}
	projectID, err := s.contentProject(m.Record)
	if err != nil {
		return m, err
	}
	if m.Op == feed.OpDelete {
		if current, ok := s.view.Get(m.Record.EntityTable(), m.Record.EntityID()); ok {
			m.Record = current
			return m, nil
		}
	}
	m.Record = withProject(m.Record, projectID)
	return m, nil
}

func withProject(record store.Entity, projectID string) store.Entity {
	switch r := record.(type) {
	case store.Task:
		r.ProjectID = projectID
		return r
	case store.Note:
		r.ProjectID = projectID
		return r
	case store.File:
		r.ProjectID = projectID
		return r
	case store.Milestone:
		r.ProjectID = projectID
		return r
	}
	return record
}

// contentProject resolves which project a content row belongs to. A cached
// row's parent wins over what the caller sent.
func (s *Session) contentProject(record store.Entity) (string, error) {
	current, ok := s.view.Get(record.EntityTable(), record.EntityID())
	if !ok {
		if record.ParentID() == "" {
			return "", validationFailed(fmt.Sprintf("%s needs a project_id", record.EntityTable()), nil)
		}
		return record.ParentID(), nil
	}
	if record.ParentID() != "" && record.ParentID() != current.ParentID() {
		return "", validationFailed(fmt.Sprintf("%s cannot move between projects", record.EntityTable()), nil)
	}
	return current.ParentID(), nil
}

func (s *Session) validateRecord(record store.Entity) error {
	problems := map[string]string{}
	stages := 0
	var tags []store.Tag
	if workspace, ok := s.view.Workspace(s.workspaceID); ok {
		stages = len(workspace.Workflow)
		tags = workspace.Tags
	}
	checkIndex := func(index int) {
		if index < 0 || (stages > 0 && index >= stages) {
			problems["status_index"] = fmt.Sprintf("must be between 0 and %d", stages-1)
		}
	}

	switch r := record.(type) {
	case store.Workspace:
		if strings.TrimSpace(r.Name) == "" {
			problems["name"] = "is required"
		}
	case store.Project:
		if strings.TrimSpace(r.Name) == "" {
			problems["name"] = "is required"
		}
		checkIndex(r.StatusIndex)
		if r.ClientID != nil {
			client, ok := s.view.Get(store.TableClients, *r.ClientID)
			if !ok || client.ParentID() != s.workspaceID {
				problems["client_id"] = "unknown client"
			}
		}
	case store.Client:
		if strings.TrimSpace(r.Name) == "" {
			problems["name"] = "is required"
		}
	case store.Task:
		if strings.TrimSpace(r.Title) == "" {
			problems["title"] = "is required"
		}
		checkIndex(r.StatusIndex)
		if r.Tag != nil && !hasTag(tags, r.Tag.Name) {
			problems["tag"] = "must be one of the workspace tags"
		}
	case store.Note:
		if strings.TrimSpace(r.Title) == "" {
			problems["title"] = "is required"
		}
	case store.Milestone:
		if strings.TrimSpace(r.Title) == "" {
			problems["title"] = "is required"
		}
	case store.File:
		if strings.TrimSpace(r.Name) == "" {
			problems["name"] = "is required"
		}
	case store.ProjectMembership:
		if _, ok := rbac.Parse(r.Role); !ok {
			problems["role"] = "unknown role"
		}
		if _, ok := s.view.MemberRole(s.workspaceID, r.UserID); !ok {
			problems["user_id"] = "not a member of this workspace"
		}
	}
	if len(problems) > 0 {
		return validationFailed(fmt.Sprintf("invalid %s", record.EntityTable()), problems)
	}
	return nil
}

// detachClient clears the client from every project that references it.
// Projects outlive their client.
func (s *Session) detachClient(ctx context.Context, clientID string) error {
	for _, project := range s.view.Projects(s.workspaceID) {
		if project.ClientID == nil || *project.ClientID != clientID {
			continue
		}
		project.ClientID = nil
		h, err := s.apply(ctx, reconcile.Mutation{Op: feed.OpUpdate, Record: project})
		if err != nil {
			return err
		}
		if err := s.wait(ctx, h); err != nil {
			return fmt.Errorf("detach client from project %s: %w", project.ID, err)
		}
	}
	return nil
}

// apply sends an already authorized mutation through the reconciler.
func (s *Session) apply(ctx context.Context, m reconcile.Mutation) (*reconcile.Handle, error) {
	previous, _ := s.view.Get(m.Record.EntityTable(), m.Record.EntityID())
	h, err := s.recon.ApplyLocalMutation(ctx, m)
	if err != nil {
		if errors.Is(err, reconcile.ErrClosed) {
			return nil, err
		}
		return nil, translate(err)
	}
	go s.afterCommit(h, m, previous)
	return h, nil
}

func (s *Session) wait(ctx context.Context, h *reconcile.Handle) error {
	return translate(h.Wait(ctx))
}

// waitAll waits for every handle and returns the first failure.
func (s *Session) waitAll(ctx context.Context, handles []*reconcile.Handle) error {
	var first error
	for _, h := range handles {
		if err := s.wait(ctx, h); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// afterCommit runs the side effects of a mutation the store accepted: search
// indexing, blob cleanup and archive audit entries.
func (s *Session) afterCommit(h *reconcile.Handle, m reconcile.Mutation, previous store.Entity) {
	<-h.Done()
	if h.Err() != nil {
		return
	}
	ctx := context.Background()
	table := m.Record.EntityTable()

	if s.svc.search != nil {
		if m.Op == feed.OpDelete {
			s.svc.search.RemoveEntities(table, []string{m.Record.EntityID()})
		} else {
			s.svc.search.Index(m.Record, s.workspaceID)
		}
	}

	switch record := m.Record.(type) {
	case store.File:
		if m.Op != feed.OpDelete || s.svc.blobs == nil {
			return
		}
		path := record.Path
		if before, ok := previous.(store.File); ok && before.Path != "" {
			path = before.Path
		}
		if path == "" {
			return
		}
		if err := s.svc.blobs.Remove(ctx, path); err != nil {
			log.Printf("app: remove blob %s: %v", path, err)
		}
	case store.Project:
		before, ok := previous.(store.Project)
		if m.Op != feed.OpUpdate || !ok || before.Archived == record.Archived {
			return
		}
		action := "project_restored"
		if record.Archived {
			action = "project_archived"
		}
		s.svc.audit(ctx, s.workspaceID, &record.ID, s.actor.ID, action, map[string]any{"name": record.Name})
	}
}

func sameTags(a, b []store.Tag) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hasTag(tags []store.Tag, name string) bool {
	for _, tag := range tags {
		if strings.EqualFold(tag.Name, name) {
			return true
		}
	}
	return false
}
