package search

import "crewspace/api/internal/store"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProject ResultType = "project"
	ResultTask    ResultType = "task"
	ResultNote    ResultType = "note"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type        ResultType `json:"type"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	ProjectID   string     `json:"projectId"`
	WorkspaceID string     `json:"workspaceId"`
}

// Query describes a search request. Results never cross workspaces.
type Query struct {
	Text        string
	FilterType  ResultType // empty = all types
	WorkspaceID string
	Limit       int
	Offset      int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is what gets indexed for a project, task or note.
type Record struct {
	ID          string     `json:"id"`
	Type        ResultType `json:"type"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	ProjectID   string     `json:"projectId"`
	WorkspaceID string     `json:"workspaceId"`
}

// RecordFor builds the index record of a searchable entity. workspaceID is
// needed for tasks and notes, which only know their project.
func RecordFor(entity store.Entity, workspaceID string) (Record, bool) {
	switch v := entity.(type) {
	case store.Project:
		return Record{ID: v.ID, Type: ResultProject, Title: v.Name, Body: v.Description, ProjectID: v.ID, WorkspaceID: v.WorkspaceID}, true
	case store.Task:
		return Record{ID: v.ID, Type: ResultTask, Title: v.Title, Body: v.Description, ProjectID: v.ProjectID, WorkspaceID: workspaceID}, true
	case store.Note:
		return Record{ID: v.ID, Type: ResultNote, Title: v.Title, Body: v.Body, ProjectID: v.ProjectID, WorkspaceID: workspaceID}, true
	default:
		return Record{}, false
	}
}

func typeForTable(table store.Table) (ResultType, bool) {
	switch table {
	case store.TableProjects:
		return ResultProject, true
	case store.TableTasks:
		return ResultTask, true
	case store.TableNotes:
		return ResultNote, true
	default:
		return "", false
	}
}
