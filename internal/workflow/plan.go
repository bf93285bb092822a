package workflow

import (
	"sort"

	"crewspace/api/internal/store"
)

// IndexChange moves one row from one stage to another.
type IndexChange struct {
	ID   string
	From int
	To   int
}

// Plan is the outcome of a pipeline edit. Updates hold only rows whose index
// changes, sorted by ID; TaskIndex and ProjectIndex hold every row's result.
type Plan struct {
	TaskUpdates    []IndexChange
	ProjectUpdates []IndexChange
	TaskIndex      map[string]int
	ProjectIndex   map[string]int
}

func (p Plan) Empty() bool {
	return len(p.TaskUpdates) == 0 && len(p.ProjectUpdates) == 0
}

// RemapIndex moves one task position onto a pipeline of newLen stages: the
// first stage stays first, the last stays last and anything in between
// restarts at the front.
func RemapIndex(index, oldLen, newLen int) int {
	oldLast, newLast := oldLen-1, newLen-1
	switch {
	case newLen <= 0:
		return 0
	case index == 0:
		return 0
	case index == oldLast:
		return newLast
	default:
		return 0
	}
}

// ProjectIndex is a project's aggregate position given its tasks' positions.
func ProjectIndex(taskIndexes []int, newLen int) int {
	if len(taskIndexes) == 0 {
		return 0
	}
	newLast := newLen - 1
	allDone := true
	highest := 0
	for _, index := range taskIndexes {
		if index != newLast {
			allDone = false
		}
		if index > highest {
			highest = index
		}
	}
	if allDone {
		return newLast
	}
	return highest
}

// BuildPlan computes the task and project positions after the workspace
// pipeline changes from before to after. An unchanged pipeline yields an
// empty plan.
func BuildPlan(before, after []store.WorkflowStage, projects []store.Project, tasks []store.Task) Plan {
	plan := Plan{
		TaskIndex:    make(map[string]int, len(tasks)),
		ProjectIndex: make(map[string]int, len(projects)),
	}
	if !Changed(before, after) {
		for _, task := range tasks {
			plan.TaskIndex[task.ID] = task.StatusIndex
		}
		for _, project := range projects {
			plan.ProjectIndex[project.ID] = project.StatusIndex
		}
		return plan
	}

	byProject := make(map[string][]int, len(projects))
	for _, task := range tasks {
		next := RemapIndex(task.StatusIndex, len(before), len(after))
		plan.TaskIndex[task.ID] = next
		byProject[task.ProjectID] = append(byProject[task.ProjectID], next)
		if next != task.StatusIndex {
			plan.TaskUpdates = append(plan.TaskUpdates, IndexChange{ID: task.ID, From: task.StatusIndex, To: next})
		}
	}

	for _, project := range projects {
		next := ProjectIndex(byProject[project.ID], len(after))
		plan.ProjectIndex[project.ID] = next
		if next != project.StatusIndex {
			plan.ProjectUpdates = append(plan.ProjectUpdates, IndexChange{ID: project.ID, From: project.StatusIndex, To: next})
		}
	}

	sort.Slice(plan.TaskUpdates, func(i, j int) bool { return plan.TaskUpdates[i].ID < plan.TaskUpdates[j].ID })
	sort.Slice(plan.ProjectUpdates, func(i, j int) bool { return plan.ProjectUpdates[i].ID < plan.ProjectUpdates[j].ID })
	return plan
}
