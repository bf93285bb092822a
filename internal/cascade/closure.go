package cascade

import (
	"context"
	"fmt"

	"crewspace/api/internal/store"
)

type Kind string

const (
	KindWorkspace Kind = "workspace"
	KindProject   Kind = "project"
)

type Root struct {
	Kind Kind
	ID   string
}

// Steps lists the tables deleted for a root, children before parents.
func (r Root) Steps() []store.Table {
	switch r.Kind {
	case KindWorkspace:
		return []store.Table{
			store.TableTasks,
			store.TableNotes,
			store.TableFiles,
			store.TableMilestones,
			store.TableProjectMembers,
			store.TableInvitations,
			store.TableClients,
			store.TableWorkspaceMembers,
			store.TableProjects,
			store.TableWorkspaces,
		}
	case KindProject:
		return []store.Table{
			store.TableTasks,
			store.TableNotes,
			store.TableFiles,
			store.TableMilestones,
			store.TableProjectMembers,
			store.TableInvitations,
			store.TableProjects,
		}
	default:
		return nil
	}
}

// Closure is every row owned by a root, including the root itself.
type Closure struct {
	Root        Root
	WorkspaceID string
	Name        string
	Rows        map[store.Table][]store.Entity
}

func (c Closure) IDs(table store.Table) []string {
	ids := make([]string, 0, len(c.Rows[table]))
	for _, row := range c.Rows[table] {
		ids = append(ids, row.EntityID())
	}
	return ids
}

func (c Closure) Count(table store.Table) int {
	return len(c.Rows[table])
}

// Size is the number of rows the closure would delete.
func (c Closure) Size() int {
	total := 0
	for _, rows := range c.Rows {
		total += len(rows)
	}
	return total
}

// NeedsConfirmation reports whether the target holds anything beyond the
// actor's own membership: other members, projects or tasks.
func (c Closure) NeedsConfirmation(actorID string) bool {
	if c.Count(store.TableTasks) > 0 {
		return true
	}
	if c.Root.Kind == KindWorkspace && c.Count(store.TableProjects) > 0 {
		return true
	}
	for _, row := range c.Rows[store.TableWorkspaceMembers] {
		if row.(store.Membership).UserID != actorID {
			return true
		}
	}
	for _, row := range c.Rows[store.TableProjectMembers] {
		if row.(store.ProjectMembership).UserID != actorID {
			return true
		}
	}
	return false
}

func (o *Orchestrator) closure(ctx context.Context, root Root) (Closure, error) {
	c := Closure{Root: root, Rows: make(map[store.Table][]store.Entity)}

	var projectIDs []string
	switch root.Kind {
	case KindWorkspace:
		ws, err := o.get(ctx, store.TableWorkspaces, root.ID)
		if err != nil {
			return Closure{}, err
		}
		c.WorkspaceID = root.ID
		c.Name = ws.(store.Workspace).Name
		c.Rows[store.TableWorkspaces] = []store.Entity{ws}
		for _, table := range []store.Table{store.TableProjects, store.TableWorkspaceMembers, store.TableClients, store.TableInvitations} {
			rows, err := o.store.Select(ctx, table, []store.Filter{store.Eq("workspace_id", root.ID)})
			if err != nil {
				return Closure{}, fmt.Errorf("closure %s: %w", table, err)
			}
			c.Rows[table] = rows
		}
		projectIDs = c.IDs(store.TableProjects)
	case KindProject:
		project, err := o.get(ctx, store.TableProjects, root.ID)
		if err != nil {
			return Closure{}, err
		}
		c.WorkspaceID = project.(store.Project).WorkspaceID
		c.Name = project.(store.Project).Name
		c.Rows[store.TableProjects] = []store.Entity{project}
		invitations, err := o.store.Select(ctx, store.TableInvitations, []store.Filter{store.Eq("project_id", root.ID)})
		if err != nil {
			return Closure{}, fmt.Errorf("closure %s: %w", store.TableInvitations, err)
		}
		c.Rows[store.TableInvitations] = invitations
		projectIDs = []string{root.ID}
	default:
		return Closure{}, fmt.Errorf("closure: unknown root kind %q", root.Kind)
	}

	for _, table := range []store.Table{store.TableTasks, store.TableNotes, store.TableFiles, store.TableMilestones, store.TableProjectMembers} {
		if len(projectIDs) == 0 {
			c.Rows[table] = nil
			continue
		}
		rows, err := o.store.Select(ctx, table, []store.Filter{store.In("project_id", projectIDs)})
		if err != nil {
			return Closure{}, fmt.Errorf("closure %s: %w", table, err)
		}
		c.Rows[table] = rows
	}
	return c, nil
}

func (o *Orchestrator) get(ctx context.Context, table store.Table, id string) (store.Entity, error) {
	rows, err := o.store.Select(ctx, table, []store.Filter{store.Eq("id", id)})
	if err != nil {
		return nil, fmt.Errorf("closure %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("closure %s %s: %w", table, id, store.ErrNotFound)
	}
	return rows[0], nil
}
