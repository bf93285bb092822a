package store

import "time"

type Table string

const (
	TableWorkspaces       Table = "workspaces"
	TableWorkspaceMembers Table = "workspace_members"
	TableProjects         Table = "projects"
	TableClients          Table = "clients"
	TableInvitations      Table = "invitations"
	TableTasks            Table = "tasks"
	TableNotes            Table = "notes"
	TableFiles            Table = "project_files"
	TableMilestones       Table = "milestones"
	TableProjectMembers   Table = "project_members"
)

// Tables lists every entity table in ownership order, parents first.
var Tables = []Table{
	TableWorkspaces,
	TableWorkspaceMembers,
	TableProjects,
	TableClients,
	TableInvitations,
	TableTasks,
	TableNotes,
	TableFiles,
	TableMilestones,
	TableProjectMembers,
}

// WorkspaceScoped reports whether rows of the table hang directly off a workspace.
func (t Table) WorkspaceScoped() bool {
	switch t {
	case TableWorkspaces, TableWorkspaceMembers, TableProjects, TableClients, TableInvitations:
		return true
	default:
		return false
	}
}

// ParentColumn is the column holding the owning row's ID.
func (t Table) ParentColumn() string {
	switch t {
	case TableWorkspaces:
		return "id"
	case TableWorkspaceMembers, TableProjects, TableClients, TableInvitations:
		return "workspace_id"
	default:
		return "project_id"
	}
}

func (t Table) Valid() bool {
	for _, known := range Tables {
		if t == known {
			return true
		}
	}
	return false
}

// Entity is implemented by every row type the cache and the change feed carry.
type Entity interface {
	EntityID() string
	EntityTable() Table
	// ParentID is the owning workspace or project ID. A workspace is its own parent.
	ParentID() string
}

type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type WorkflowStage struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Tag struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Workspace struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Visibility string          `json:"visibility"`
	Workflow   []WorkflowStage `json:"workflow"`
	Tags       []Tag           `json:"tags"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type Membership struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

type Project struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ClientID    *string   `json:"client_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Archived    bool      `json:"archived"`
	StatusIndex int       `json:"status_index"`
	CreatedAt   time.Time `json:"created_at"`
}

type Client struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	Name          string    `json:"name"`
	ContactMethod string    `json:"contact_method"`
	Notes         string    `json:"notes"`
	CreatedAt     time.Time `json:"created_at"`
}

// Invitation is a pending workspace (or project) grant for an email address
// that is not a member yet.
type Invitation struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ProjectID   *string   `json:"project_id"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	TokenHash   string    `json:"-"`
	InvitedBy   string    `json:"invited_by"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Task.Tag is a copy of the workspace tag taken when it was assigned, not a
// live reference.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	StatusIndex int        `json:"status_index"`
	Tag         *Tag       `json:"tag"`
	AssigneeID  *string    `json:"assignee_id"`
	DueDate     *time.Time `json:"due_date"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Note struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type File struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	UploadedBy  string    `json:"uploaded_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type Milestone struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Title     string     `json:"title"`
	DueDate   *time.Time `json:"due_date"`
	Completed bool       `json:"completed"`
	TaskIDs   []string   `json:"task_ids"`
	CreatedAt time.Time  `json:"created_at"`
}

type ProjectMembership struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditEvent struct {
	ID          int64
	WorkspaceID string
	ProjectID   *string
	ActorID     string
	Action      string
	Payload     map[string]any
	CreatedAt   time.Time
}

type AuditFilter struct {
	ActorID   string
	ProjectID string
	Day       *time.Time
	Limit     int
}

func (w Workspace) EntityID() string   { return w.ID }
func (w Workspace) EntityTable() Table { return TableWorkspaces }
func (w Workspace) ParentID() string   { return w.ID }

func (m Membership) EntityID() string   { return m.ID }
func (m Membership) EntityTable() Table { return TableWorkspaceMembers }
func (m Membership) ParentID() string   { return m.WorkspaceID }

func (p Project) EntityID() string   { return p.ID }
func (p Project) EntityTable() Table { return TableProjects }
func (p Project) ParentID() string   { return p.WorkspaceID }

func (c Client) EntityID() string   { return c.ID }
func (c Client) EntityTable() Table { return TableClients }
func (c Client) ParentID() string   { return c.WorkspaceID }

func (i Invitation) EntityID() string   { return i.ID }
func (i Invitation) EntityTable() Table { return TableInvitations }
func (i Invitation) ParentID() string   { return i.WorkspaceID }

func (t Task) EntityID() string   { return t.ID }
func (t Task) EntityTable() Table { return TableTasks }
func (t Task) ParentID() string   { return t.ProjectID }

func (n Note) EntityID() string   { return n.ID }
func (n Note) EntityTable() Table { return TableNotes }
func (n Note) ParentID() string   { return n.ProjectID }

func (f File) EntityID() string   { return f.ID }
func (f File) EntityTable() Table { return TableFiles }
func (f File) ParentID() string   { return f.ProjectID }

func (m Milestone) EntityID() string   { return m.ID }
func (m Milestone) EntityTable() Table { return TableMilestones }
func (m Milestone) ParentID() string   { return m.ProjectID }

func (m ProjectMembership) EntityID() string   { return m.ID }
func (m ProjectMembership) EntityTable() Table { return TableProjectMembers }
func (m ProjectMembership) ParentID() string   { return m.ProjectID }
