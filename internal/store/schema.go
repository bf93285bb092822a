package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type scanner interface {
	Scan(dest ...any) error
}

// tableSchema maps one entity type onto its table. columns[0] is always id,
// and values returns arguments in column order.
type tableSchema struct {
	columns []string
	jsonb   map[string]bool
	scan    func(scanner) (Entity, error)
	values  func(Entity) ([]any, error)
}

func (t tableSchema) hasColumn(column string) bool {
	for _, c := range t.columns {
		if c == column {
			return true
		}
	}
	return false
}

func (t tableSchema) placeholder(i int) string {
	p := fmt.Sprintf("$%d", i+1)
	if t.jsonb[t.columns[i]] {
		p += "::jsonb"
	}
	return p
}

func (t tableSchema) placeholders() string {
	parts := make([]string, len(t.columns))
	for i := range t.columns {
		parts[i] = t.placeholder(i)
	}
	return strings.Join(parts, ", ")
}

func (t tableSchema) assignments() string {
	parts := make([]string, 0, len(t.columns)-1)
	for i, column := range t.columns {
		if i == 0 {
			continue
		}
		parts = append(parts, column+"="+t.placeholder(i))
	}
	return strings.Join(parts, ", ")
}

func (t tableSchema) where(filters []Filter, offset int) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	clauses := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for _, f := range filters {
		if !t.hasColumn(f.Column) {
			return "", nil, fmt.Errorf("unknown filter column %q", f.Column)
		}
		n := offset + len(args) + 1
		switch f.Op {
		case "in":
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", f.Column, n))
			args = append(args, f.Values)
		case "=", ">", "<", ">=", "<=", "<>":
			clauses = append(clauses, fmt.Sprintf("%s %s $%d", f.Column, f.Op, n))
			args = append(args, f.Value)
		default:
			return "", nil, fmt.Errorf("unsupported filter op %q", f.Op)
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nonNilStages(stages []WorkflowStage) []WorkflowStage {
	if stages == nil {
		return []WorkflowStage{}
	}
	return stages
}

func nonNilTags(tags []Tag) []Tag {
	if tags == nil {
		return []Tag{}
	}
	return tags
}

func jsonText(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func wrongType(want string, got Entity) error {
	return fmt.Errorf("expected %s, got %T", want, got)
}

var schemas = map[Table]tableSchema{
	TableWorkspaces: {
		columns: []string{"id", "name", "visibility", "workflow", "tags", "version", "created_at", "updated_at"},
		jsonb:   map[string]bool{"workflow": true, "tags": true},
		scan: func(row scanner) (Entity, error) {
			var w Workspace
			var workflow, tags []byte
			if err := row.Scan(&w.ID, &w.Name, &w.Visibility, &workflow, &tags, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
				return nil, err
			}
			if err := json.Unmarshal(workflow, &w.Workflow); err != nil {
				return nil, fmt.Errorf("decode workflow: %w", err)
			}
			if err := json.Unmarshal(tags, &w.Tags); err != nil {
				return nil, fmt.Errorf("decode tags: %w", err)
			}
			return w, nil
		},
		values: func(e Entity) ([]any, error) {
			w, ok := e.(Workspace)
			if !ok {
				return nil, wrongType("Workspace", e)
			}
			workflow, err := jsonText(nonNilStages(w.Workflow))
			if err != nil {
				return nil, err
			}
			tags, err := jsonText(nonNilTags(w.Tags))
			if err != nil {
				return nil, err
			}
			return []any{w.ID, w.Name, w.Visibility, workflow, tags, w.Version, stamp(w.CreatedAt), stamp(w.UpdatedAt)}, nil
		},
	},
	TableWorkspaceMembers: {
		columns: []string{"id", "workspace_id", "user_id", "email", "role", "created_at"},
		scan: func(row scanner) (Entity, error) {
			var m Membership
			if err := row.Scan(&m.ID, &m.WorkspaceID, &m.UserID, &m.Email, &m.Role, &m.CreatedAt); err != nil {
				return nil, err
			}
			return m, nil
		},
		values: func(e Entity) ([]any, error) {
			m, ok := e.(Membership)
			if !ok {
				return nil, wrongType("Membership", e)
			}
			return []any{m.ID, m.WorkspaceID, m.UserID, m.Email, m.Role, stamp(m.CreatedAt)}, nil
		},
	},
	TableProjects: {
		columns: []string{"id", "workspace_id", "client_id", "name", "description", "archived", "status_index", "created_at"},
		scan: func(row scanner) (Entity, error) {
			var p Project
			if err := row.Scan(&p.ID, &p.WorkspaceID, &p.ClientID, &p.Name, &p.Description, &p.Archived, &p.StatusIndex, &p.CreatedAt); err != nil {
				return nil, err
			}
			return p, nil
		},
		values: func(e Entity) ([]any, error) {
			p, ok := e.(Project)
			if !ok {
				return nil, wrongType("Project", e)
			}
			return []any{p.ID, p.WorkspaceID, p.ClientID, p.Name, p.Description, p.Archived, p.StatusIndex, stamp(p.CreatedAt)}, nil
		},
	},
	TableClients: {
		columns: []string{"id", "workspace_id", "name", "contact_method", "notes", "created_at"},
		scan: func(row scanner) (Entity, error) {
			var c Client
			if err := row.Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.ContactMethod, &c.Notes, &c.CreatedAt); err != nil {
				return nil, err
			}
			return c, nil
		},
		values: func(e Entity) ([]any, error) {
			c, ok := e.(Client)
			if !ok {
				return nil, wrongType("Client", e)
			}
			return []any{c.ID, c.WorkspaceID, c.Name, c.ContactMethod, c.Notes, stamp(c.CreatedAt)}, nil
		},
	},
	TableInvitations: {
		columns: []string{"id", "workspace_id", "project_id", "email", "role", "token_hash", "invited_by", "expires_at", "created_at"},
		scan: func(row scanner) (Entity, error) {
			var i Invitation
			if err := row.Scan(&i.ID, &i.WorkspaceID, &i.ProjectID, &i.Email, &i.Role, &i.TokenHash, &i.InvitedBy, &i.ExpiresAt, &i.CreatedAt); err != nil {
				return nil, err
			}
			return i, nil
		},
		values: func(e Entity) ([]any, error) {
			i, ok := e.(Invitation)
			if !ok {
				return nil, wrongType("Invitation", e)
			}
			return []any{i.ID, i.WorkspaceID, i.ProjectID, i.Email, i.Role, i.TokenHash, i.InvitedBy, i.ExpiresAt, stamp(i.CreatedAt)}, nil
		},
	},
	TableTasks: {
		columns: []string{"id", "project_id", "title", "description", "status_index", "tag", "assignee_id", "due_date", "created_at"},
		jsonb:   map[string]bool{"tag": true},
		scan: func(row scanner) (Entity, error) {
			var t Task
			var tag []byte
			if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.StatusIndex, &tag, &t.AssigneeID, &t.DueDate, &t.CreatedAt); err != nil {
				return nil, err
			}
			if len(tag) > 0 && string(tag) != "null" {
				t.Tag = &Tag{}
				if err := json.Unmarshal(tag, t.Tag); err != nil {
					return nil, fmt.Errorf("decode tag: %w", err)
				}
			}
			return t, nil
		},
		values: func(e Entity) ([]any, error) {
			t, ok := e.(Task)
			if !ok {
				return nil, wrongType("Task", e)
			}
			var tag any
			if t.Tag != nil {
				encoded, err := jsonText(t.Tag)
				if err != nil {
					return nil, err
				}
				tag = encoded
			}
			return []any{t.ID, t.ProjectID, t.Title, t.Description, t.StatusIndex, tag, t.AssigneeID, t.DueDate, stamp(t.CreatedAt)}, nil
		},
	},
	TableNotes: {
		columns: []string{"id", "project_id", "title", "body", "author_id", "created_at", "updated_at"},
		scan: func(row scanner) (Entity, error) {
			var n Note
			if err := row.Scan(&n.ID, &n.ProjectID, &n.Title, &n.Body, &n.AuthorID, &n.CreatedAt, &n.UpdatedAt); err != nil {
				return nil, err
			}
			return n, nil
		},
		values: func(e Entity) ([]any, error) {
			n, ok := e.(Note)
			if !ok {
				return nil, wrongType("Note", e)
			}
			return []any{n.ID, n.ProjectID, n.Title, n.Body, n.AuthorID, stamp(n.CreatedAt), stamp(n.UpdatedAt)}, nil
		},
	},
	TableFiles: {
		columns: []string{"id", "project_id", "name", "path", "size", "content_type", "uploaded_by", "created_at"},
		scan: func(row scanner) (Entity, error) {
			var f File
			if err := row.Scan(&f.ID, &f.ProjectID, &f.Name, &f.Path, &f.Size, &f.ContentType, &f.UploadedBy, &f.CreatedAt); err != nil {
				return nil, err
			}
			return f, nil
		},
		values: func(e Entity) ([]any, error) {
			f, ok := e.(File)
			if !ok {
				return nil, wrongType("File", e)
			}
			return []any{f.ID, f.ProjectID, f.Name, f.Path, f.Size, f.ContentType, f.UploadedBy, stamp(f.CreatedAt)}, nil
		},
	},
	TableMilestones: {
		columns: []string{"id", "project_id", "title", "due_date", "completed", "task_ids", "created_at"},
		jsonb:   map[string]bool{"task_ids": true},
		scan: func(row scanner) (Entity, error) {
			var m Milestone
			var taskIDs []byte
			if err := row.Scan(&m.ID, &m.ProjectID, &m.Title, &m.DueDate, &m.Completed, &taskIDs, &m.CreatedAt); err != nil {
				return nil, err
			}
			if err := json.Unmarshal(taskIDs, &m.TaskIDs); err != nil {
				return nil, fmt.Errorf("decode task ids: %w", err)
			}
			return m, nil
		},
		values: func(e Entity) ([]any, error) {
			m, ok := e.(Milestone)
			if !ok {
				return nil, wrongType("Milestone", e)
			}
			ids := m.TaskIDs
			if ids == nil {
				ids = []string{}
			}
			taskIDs, err := jsonText(ids)
			if err != nil {
				return nil, err
			}
			return []any{m.ID, m.ProjectID, m.Title, m.DueDate, m.Completed, taskIDs, stamp(m.CreatedAt)}, nil
		},
	},
	TableProjectMembers: {
		columns: []string{"id", "project_id", "user_id", "role", "created_at"},
		scan: func(row scanner) (Entity, error) {
			var m ProjectMembership
			if err := row.Scan(&m.ID, &m.ProjectID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
				return nil, err
			}
			return m, nil
		},
		values: func(e Entity) ([]any, error) {
			m, ok := e.(ProjectMembership)
			if !ok {
				return nil, wrongType("ProjectMembership", e)
			}
			return []any{m.ID, m.ProjectID, m.UserID, m.Role, stamp(m.CreatedAt)}, nil
		},
	},
}
