// Package cache is the client-side entity store: typed in-memory tables for
// one session. The reconciler is its only writer; everyone else reads through
// View.
package cache

import (
	"fmt"
	"sync"
	"time"

	"crewspace/api/internal/store"
)

// View is the read-only surface handed to the UI layer.
type View interface {
	Get(table store.Table, id string) (store.Entity, bool)
	Len(table store.Table) int
	Workspace(id string) (store.Workspace, bool)
	Members(workspaceID string) []store.Membership
	MemberRole(workspaceID, userID string) (string, bool)
	Project(id string) (store.Project, bool)
	Projects(workspaceID string) []store.Project
	Clients(workspaceID string) []store.Client
	Invitations(workspaceID string) []store.Invitation
	Tasks(projectID string) []store.Task
	Notes(projectID string) []store.Note
	Files(projectID string) []store.File
	Milestones(projectID string) []store.Milestone
	ProjectMembers(projectID string) []store.ProjectMembership
	ProjectRole(projectID, userID string) (string, bool)
	Watch(buffer int) *Watcher
}

type Store struct {
	mu     sync.RWMutex
	tables map[store.Table]rowSet

	workspaces     *Table[store.Workspace]
	members        *Table[store.Membership]
	projects       *Table[store.Project]
	clients        *Table[store.Client]
	invitations    *Table[store.Invitation]
	tasks          *Table[store.Task]
	notes          *Table[store.Note]
	files          *Table[store.File]
	milestones     *Table[store.Milestone]
	projectMembers *Table[store.ProjectMembership]

	watchMu  sync.Mutex
	watchers map[*Watcher]struct{}
}

var _ View = (*Store)(nil)

func New() *Store {
	s := &Store{
		workspaces:     newTable[store.Workspace](store.TableWorkspaces),
		members:        newTable[store.Membership](store.TableWorkspaceMembers),
		projects:       newTable[store.Project](store.TableProjects),
		clients:        newTable[store.Client](store.TableClients),
		invitations:    newTable[store.Invitation](store.TableInvitations),
		tasks:          newTable[store.Task](store.TableTasks),
		notes:          newTable[store.Note](store.TableNotes),
		files:          newTable[store.File](store.TableFiles),
		milestones:     newTable[store.Milestone](store.TableMilestones),
		projectMembers: newTable[store.ProjectMembership](store.TableProjectMembers),
		watchers:       make(map[*Watcher]struct{}),
	}
	s.tables = map[store.Table]rowSet{
		store.TableWorkspaces:       s.workspaces,
		store.TableWorkspaceMembers: s.members,
		store.TableProjects:         s.projects,
		store.TableClients:          s.clients,
		store.TableInvitations:      s.invitations,
		store.TableTasks:            s.tasks,
		store.TableNotes:            s.notes,
		store.TableFiles:            s.files,
		store.TableMilestones:       s.milestones,
		store.TableProjectMembers:   s.projectMembers,
	}
	return s
}

func (s *Store) table(name store.Table) (rowSet, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("cache: unknown table %q", name)
	}
	return t, nil
}

// Put inserts or replaces a row.
func (s *Store) Put(row store.Entity) error {
	if row == nil {
		return fmt.Errorf("cache: nil row")
	}
	s.mu.Lock()
	t, err := s.table(row.EntityTable())
	if err == nil {
		err = t.put(detach(row))
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(Change{Table: row.EntityTable(), ID: row.EntityID(), Op: ChangePut})
	return nil
}

// Remove deletes a row and returns what was there. Removing an absent ID is a no-op.
func (s *Store) Remove(table store.Table, id string) (store.Entity, bool, error) {
	s.mu.Lock()
	t, err := s.table(table)
	var (
		previous store.Entity
		ok       bool
	)
	if err == nil {
		previous, ok = t.remove(id)
	}
	s.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	if ok {
		s.notify(Change{Table: table, ID: id, Op: ChangeRemove})
	}
	return previous, ok, nil
}

// ReplaceScope swaps every row of table owned by parentID for rows.
func (s *Store) ReplaceScope(table store.Table, parentID string, rows []store.Entity) error {
	detached := make([]store.Entity, 0, len(rows))
	for _, row := range rows {
		detached = append(detached, detach(row))
	}
	s.mu.Lock()
	t, err := s.table(table)
	if err == nil {
		err = t.replaceScope(parentID, detached)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(Change{Table: table, Op: ChangeReplace})
	return nil
}

// ScopeIDs lists the cached IDs of table owned by parentID, sorted.
func (s *Store) ScopeIDs(table store.Table, parentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(table)
	if err != nil {
		return nil
	}
	return t.scopeIDs(parentID)
}

// Reset empties every table.
func (s *Store) Reset() {
	s.mu.Lock()
	for _, t := range s.tables {
		t.clear()
	}
	s.mu.Unlock()
	s.notify(Change{Op: ChangeReplace})
}

func (s *Store) Get(table store.Table, id string) (store.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(table)
	if err != nil {
		return nil, false
	}
	row, ok := t.get(id)
	if !ok {
		return nil, false
	}
	return detach(row), true
}

func (s *Store) Len(table store.Table) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(table)
	if err != nil {
		return 0
	}
	return t.len()
}

func (s *Store) Workspace(id string) (store.Workspace, bool) {
	row, ok := s.Get(store.TableWorkspaces, id)
	if !ok {
		return store.Workspace{}, false
	}
	return row.(store.Workspace), true
}

func (s *Store) Members(workspaceID string) []store.Membership {
	s.mu.RLock()
	rows := s.members.where(func(m store.Membership) bool { return m.WorkspaceID == workspaceID })
	s.mu.RUnlock()
	return newestFirst(rows, func(m store.Membership) time.Time { return m.CreatedAt })
}

// MemberRole is the user's current role in the workspace, read live.
func (s *Store) MemberRole(workspaceID, userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members.rows {
		if m.WorkspaceID == workspaceID && m.UserID == userID {
			return m.Role, true
		}
	}
	return "", false
}

func (s *Store) Project(id string) (store.Project, bool) {
	row, ok := s.Get(store.TableProjects, id)
	if !ok {
		return store.Project{}, false
	}
	return row.(store.Project), true
}

func (s *Store) Projects(workspaceID string) []store.Project {
	s.mu.RLock()
	rows := s.projects.where(func(p store.Project) bool { return p.WorkspaceID == workspaceID })
	s.mu.RUnlock()
	for i := range rows {
		rows[i] = detach(rows[i]).(store.Project)
	}
	return newestFirst(rows, func(p store.Project) time.Time { return p.CreatedAt })
}

func (s *Store) Clients(workspaceID string) []store.Client {
	s.mu.RLock()
	rows := s.clients.where(func(c store.Client) bool { return c.WorkspaceID == workspaceID })
	s.mu.RUnlock()
	return newestFirst(rows, func(c store.Client) time.Time { return c.CreatedAt })
}

func (s *Store) Invitations(workspaceID string) []store.Invitation {
	s.mu.RLock()
	rows := s.invitations.where(func(i store.Invitation) bool { return i.WorkspaceID == workspaceID })
	s.mu.RUnlock()
	for i := range rows {
		rows[i] = detach(rows[i]).(store.Invitation)
	}
	return newestFirst(rows, func(i store.Invitation) time.Time { return i.CreatedAt })
}

func (s *Store) Tasks(projectID string) []store.Task {
	s.mu.RLock()
	rows := s.tasks.where(func(t store.Task) bool { return t.ProjectID == projectID })
	s.mu.RUnlock()
	for i := range rows {
		rows[i] = detach(rows[i]).(store.Task)
	}
	return newestFirst(rows, func(t store.Task) time.Time { return t.CreatedAt })
}

func (s *Store) Notes(projectID string) []store.Note {
	s.mu.RLock()
	rows := s.notes.where(func(n store.Note) bool { return n.ProjectID == projectID })
	s.mu.RUnlock()
	return newestFirst(rows, func(n store.Note) time.Time { return n.CreatedAt })
}

func (s *Store) Files(projectID string) []store.File {
	s.mu.RLock()
	rows := s.files.where(func(f store.File) bool { return f.ProjectID == projectID })
	s.mu.RUnlock()
	return newestFirst(rows, func(f store.File) time.Time { return f.CreatedAt })
}

func (s *Store) Milestones(projectID string) []store.Milestone {
	s.mu.RLock()
	rows := s.milestones.where(func(m store.Milestone) bool { return m.ProjectID == projectID })
	s.mu.RUnlock()
	for i := range rows {
		rows[i] = detach(rows[i]).(store.Milestone)
	}
	return newestFirst(rows, func(m store.Milestone) time.Time { return m.CreatedAt })
}

func (s *Store) ProjectMembers(projectID string) []store.ProjectMembership {
	s.mu.RLock()
	rows := s.projectMembers.where(func(m store.ProjectMembership) bool { return m.ProjectID == projectID })
	s.mu.RUnlock()
	return newestFirst(rows, func(m store.ProjectMembership) time.Time { return m.CreatedAt })
}

// ProjectRole is the user's explicit project membership role, if any.
func (s *Store) ProjectRole(projectID, userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.projectMembers.rows {
		if m.ProjectID == projectID && m.UserID == userID {
			return m.Role, true
		}
	}
	return "", false
}

// detach copies the slices and pointers a caller could otherwise mutate in place.
func detach(row store.Entity) store.Entity {
	switch v := row.(type) {
	case store.Workspace:
		v.Workflow = append([]store.WorkflowStage(nil), v.Workflow...)
		v.Tags = append([]store.Tag(nil), v.Tags...)
		return v
	case store.Project:
		v.ClientID = copyString(v.ClientID)
		return v
	case store.Invitation:
		v.ProjectID = copyString(v.ProjectID)
		return v
	case store.Task:
		if v.Tag != nil {
			tag := *v.Tag
			v.Tag = &tag
		}
		v.AssigneeID = copyString(v.AssigneeID)
		if v.DueDate != nil {
			due := *v.DueDate
			v.DueDate = &due
		}
		return v
	case store.Milestone:
		v.TaskIDs = append([]string(nil), v.TaskIDs...)
		if v.DueDate != nil {
			due := *v.DueDate
			v.DueDate = &due
		}
		return v
	default:
		return row
	}
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
