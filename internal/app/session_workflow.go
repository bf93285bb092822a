package app

import (
	"context"
	"fmt"

	"crewspace/api/internal/feed"
	"crewspace/api/internal/rbac"
	"crewspace/api/internal/reconcile"
	"crewspace/api/internal/store"
	"crewspace/api/internal/workflow"
)

// WorkflowEdit is a requested pipeline and tag set. ExpectedVersion is the
// workspace version the editor started from.
type WorkflowEdit struct {
	Workflow        []store.WorkflowStage
	Tags            []store.Tag
	ExpectedVersion int64
	Acknowledged    bool
}

// PlanWorkflow previews what MigrateWorkflow would move, without writing.
func (s *Session) PlanWorkflow(ctx context.Context, stages []store.WorkflowStage) (workflow.Plan, bool, error) {
	if err := s.authorize(rbac.ActionView, "", nil, false); err != nil {
		return workflow.Plan{}, false, err
	}
	current, projects, tasks, err := s.storedContent(ctx)
	if err != nil {
		return workflow.Plan{}, false, err
	}
	plan := workflow.BuildPlan(current.Workflow, stages, projects, tasks)
	needsAck := workflow.Changed(current.Workflow, stages) && workflow.RequiresAcknowledgement(tasks)
	return plan, needsAck, nil
}

// MigrateWorkflow saves a new pipeline and moves every task and project onto
// it. The plan is built from the backing store, not the cache, so rows the
// session has not seen yet still move. The workspace row is written first
// under a version check, so a concurrent edit fails before any task moves.
func (s *Session) MigrateWorkflow(ctx context.Context, edit WorkflowEdit) (workflow.Plan, error) {
	if err := s.authorize(rbac.ActionEditWorkflow, "", nil, false); err != nil {
		return workflow.Plan{}, err
	}
	if err := workflow.Validate(edit.Workflow, edit.Tags); err != nil {
		return workflow.Plan{}, translate(err)
	}
	current, projects, tasks, err := s.storedContent(ctx)
	if err != nil {
		return workflow.Plan{}, err
	}
	if current.Version != edit.ExpectedVersion {
		return workflow.Plan{}, workflowConflict()
	}

	if workflow.Changed(current.Workflow, edit.Workflow) && workflow.RequiresAcknowledgement(tasks) && !edit.Acknowledged {
		return workflow.Plan{}, confirmationRequired("tasks already in progress will move; acknowledge the migration to continue")
	}
	plan := workflow.BuildPlan(current.Workflow, edit.Workflow, projects, tasks)

	next := current
	next.Workflow = edit.Workflow
	next.Tags = edit.Tags
	next.Version = current.Version + 1
	next.UpdatedAt = s.svc.now()
	expected := current.Version
	h, err := s.apply(ctx, reconcile.Mutation{Op: feed.OpUpdate, Record: next, IfVersion: &expected})
	if err != nil {
		return workflow.Plan{}, err
	}
	if err := s.wait(ctx, h); err != nil {
		return workflow.Plan{}, err
	}

	tasksByID := make(map[string]store.Task, len(tasks))
	for _, task := range tasks {
		tasksByID[task.ID] = task
	}
	handles := make([]*reconcile.Handle, 0, len(plan.TaskUpdates))
	for _, change := range plan.TaskUpdates {
		task := tasksByID[change.ID]
		task.StatusIndex = change.To
		h, err := s.apply(ctx, reconcile.Mutation{Op: feed.OpUpdate, Record: task})
		if err != nil {
			return plan, err
		}
		handles = append(handles, h)
	}
	if err := s.waitAll(ctx, handles); err != nil {
		return plan, fmt.Errorf("migrate tasks: %w", err)
	}

	projectsByID := make(map[string]store.Project, len(projects))
	for _, project := range projects {
		projectsByID[project.ID] = project
	}
	handles = handles[:0]
	for _, change := range plan.ProjectUpdates {
		project := projectsByID[change.ID]
		project.StatusIndex = change.To
		h, err := s.apply(ctx, reconcile.Mutation{Op: feed.OpUpdate, Record: project})
		if err != nil {
			return plan, err
		}
		handles = append(handles, h)
	}
	if err := s.waitAll(ctx, handles); err != nil {
		return plan, fmt.Errorf("migrate projects: %w", err)
	}

	s.svc.audit(ctx, s.workspaceID, nil, s.actor.ID, "workflow_migrated", map[string]any{
		"stages":         len(edit.Workflow),
		"tags":           len(edit.Tags),
		"version":        next.Version,
		"tasks_moved":    len(plan.TaskUpdates),
		"projects_moved": len(plan.ProjectUpdates),
	})
	return plan, nil
}

// storedContent reads the workspace, every project (archived included) and
// every task of those projects from the backing store.
func (s *Session) storedContent(ctx context.Context) (store.Workspace, []store.Project, []store.Task, error) {
	row, err := s.svc.store.Get(ctx, store.TableWorkspaces, s.workspaceID)
	if err != nil {
		return store.Workspace{}, nil, nil, translate(fmt.Errorf("load workspace: %w", err))
	}
	workspace := row.(store.Workspace)

	rows, err := s.svc.store.Select(ctx, store.TableProjects, []store.Filter{store.Eq("workspace_id", s.workspaceID)})
	if err != nil {
		return store.Workspace{}, nil, nil, fmt.Errorf("load projects: %w", err)
	}
	projects := make([]store.Project, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		project := row.(store.Project)
		projects = append(projects, project)
		ids = append(ids, project.ID)
	}
	if len(ids) == 0 {
		return workspace, projects, nil, nil
	}

	rows, err = s.svc.store.Select(ctx, store.TableTasks, []store.Filter{store.In("project_id", ids)})
	if err != nil {
		return store.Workspace{}, nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	tasks := make([]store.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, row.(store.Task))
	}
	return workspace, projects, tasks, nil
}
