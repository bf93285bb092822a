package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"crewspace/api/internal/config"
	"crewspace/api/internal/email"
	"crewspace/api/internal/search"
	"crewspace/api/internal/store"
)

// memStore is an in-memory dataStore. Filters are evaluated against the JSON
// form of each row, whose keys match the column names.
type memStore struct {
	mu     sync.Mutex
	rows   map[store.Table]map[string]store.Entity
	audits []store.AuditEvent
	// writeFn, when set, can fail any insert, update or delete.
	writeFn func(op string, entity store.Entity) error
}

func newMemStore(rows ...store.Entity) *memStore {
	s := &memStore{rows: make(map[store.Table]map[string]store.Entity)}
	for _, row := range rows {
		s.put(row)
	}
	return s
}

func (s *memStore) put(row store.Entity) {
	table := s.rows[row.EntityTable()]
	if table == nil {
		table = make(map[string]store.Entity)
		s.rows[row.EntityTable()] = table
	}
	table[row.EntityID()] = row
}

func (s *memStore) hook(op string, entity store.Entity) error {
	if s.writeFn != nil {
		return s.writeFn(op, entity)
	}
	return nil
}

func column(row store.Entity, name string) string {
	raw, _ := json.Marshal(row)
	var fields map[string]any
	_ = json.Unmarshal(raw, &fields)
	if fields[name] == nil {
		return ""
	}
	return fmt.Sprint(fields[name])
}

func matches(row store.Entity, filters []store.Filter) bool {
	for _, f := range filters {
		value := column(row, f.Column)
		if f.Op == "in" {
			found := false
			for _, v := range f.Values {
				if v == value {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if value != fmt.Sprint(f.Value) {
			return false
		}
	}
	return true
}

func (s *memStore) Get(_ context.Context, table store.Table, id string) (store.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[table][id]
	if !ok {
		return nil, fmt.Errorf("get %s %s: %w", table, id, store.ErrNotFound)
	}
	return row, nil
}

func (s *memStore) Select(_ context.Context, table store.Table, filters []store.Filter, _ ...store.Order) ([]store.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Entity
	for _, row := range s.rows[table] {
		if matches(row, filters) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memStore) Insert(_ context.Context, entity store.Entity) error {
	if err := s.hook("insert", entity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(entity)
	return nil
}

func (s *memStore) Update(_ context.Context, entity store.Entity) error {
	if err := s.hook("update", entity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[entity.EntityTable()][entity.EntityID()]; !ok {
		return fmt.Errorf("update %s %s: %w", entity.EntityTable(), entity.EntityID(), store.ErrNotFound)
	}
	s.put(entity)
	return nil
}

func (s *memStore) Upsert(_ context.Context, entity store.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(entity)
	return nil
}

func (s *memStore) Delete(_ context.Context, table store.Table, filters ...store.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, row := range s.rows[table] {
		if !matches(row, filters) {
			continue
		}
		if err := s.hook("delete", row); err != nil {
			return n, err
		}
		delete(s.rows[table], id)
		n++
	}
	return n, nil
}

func (s *memStore) UpdateWorkflowIfVersion(_ context.Context, workspace store.Workspace, expected int64) error {
	if err := s.hook("update", workspace); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[store.TableWorkspaces][workspace.ID]
	if !ok {
		return store.ErrNotFound
	}
	if row.(store.Workspace).Version != expected {
		return fmt.Errorf("update workflow %s: %w", workspace.ID, store.ErrVersionConflict)
	}
	workspace.Version = expected + 1
	s.put(workspace)
	return nil
}

func (s *memStore) InsertAuditEvent(_ context.Context, event store.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = int64(len(s.audits) + 1)
	s.audits = append(s.audits, event)
	return nil
}

func (s *memStore) ListAuditEvents(_ context.Context, workspaceID string, filter store.AuditFilter) ([]store.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.AuditEvent
	for i := len(s.audits) - 1; i >= 0; i-- {
		event := s.audits[i]
		if event.WorkspaceID != workspaceID {
			continue
		}
		if filter.ActorID != "" && event.ActorID != filter.ActorID {
			continue
		}
		out = append(out, event)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) row(table store.Table, id string) (store.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[table][id]
	return row, ok
}

func (s *memStore) count(table store.Table) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[table])
}

func (s *memStore) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.audits))
	for _, event := range s.audits {
		out = append(out, event.Action)
	}
	return out
}

type fakeBlobs struct {
	mu       sync.Mutex
	objects  map[string][]byte
	uploadFn func(path string) error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (b *fakeBlobs) Upload(_ context.Context, path string, data []byte, _ string) (string, error) {
	if b.uploadFn != nil {
		if err := b.uploadFn(path); err != nil {
			return "", err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = append([]byte(nil), data...)
	return path, nil
}

func (b *fakeBlobs) Download(_ context.Context, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[path]
	if !ok {
		return nil, fmt.Errorf("download %s: %w", path, store.ErrNotFound)
	}
	return data, nil
}

func (b *fakeBlobs) Remove(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, path)
	return nil
}

func (b *fakeBlobs) has(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []email.InvitationData
	to   []string
}

func (m *fakeMailer) IsConfigured() bool { return true }

func (m *fakeMailer) SendInvitation(to string, data email.InvitationData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.to = append(m.to, to)
	m.sent = append(m.sent, data)
	return nil
}

type fakeSearch struct {
	mu       sync.Mutex
	indexed  []string
	removed  []string
	searchFn func(search.Query) search.Response
}

func (f *fakeSearch) Index(entity store.Entity, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, entity.EntityID())
}

func (f *fakeSearch) RemoveEntities(_ store.Table, ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ids...)
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) wasIndexed(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, indexed := range f.indexed {
		if indexed == id {
			return true
		}
	}
	return false
}

func testConfig() config.Config {
	return config.Config{
		LoadTimeout:      2 * time.Second,
		SnapshotInterval: time.Hour,
		SubscribeTimeout: time.Second,
		CascadeBatchSize: 2,
		InviteTTL:        7 * 24 * time.Hour,
	}
}

var (
	ana = store.User{ID: "usr_ana", Email: "ana@example.com"}
	bo  = store.User{ID: "usr_bo", Email: "bo@example.com"}
	cy  = store.User{ID: "usr_cy", Email: "cy@example.com"}
)

func fourStages() []store.WorkflowStage {
	return []store.WorkflowStage{
		{Name: "Backlog", Color: "#6b7280"},
		{Name: "In Progress", Color: "#3b82f6"},
		{Name: "Review", Color: "#f59e0b"},
		{Name: "Done", Color: "#10b981"},
	}
}

// seedWorkspace returns rows for workspace ws_1 owned by ana with one project
// p_1 holding two tasks. Extra members are added with the given roles.
func seedWorkspace(roles map[store.User]string) []store.Entity {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []store.Entity{
		store.Workspace{ID: "ws_1", Name: "Studio", Visibility: "shared", Workflow: fourStages(), Tags: []store.Tag{{Name: "urgent", Color: "#ff0000"}}, Version: 1, CreatedAt: created},
		store.Membership{ID: "mem_ana", WorkspaceID: "ws_1", UserID: ana.ID, Email: ana.Email, Role: "owner", CreatedAt: created},
		store.Project{ID: "p_1", WorkspaceID: "ws_1", Name: "Launch", StatusIndex: 1, CreatedAt: created},
		store.Task{ID: "t_1", ProjectID: "p_1", Title: "Draft", StatusIndex: 0, CreatedAt: created},
		store.Task{ID: "t_2", ProjectID: "p_1", Title: "Ship", StatusIndex: 1, CreatedAt: created.Add(time.Minute)},
	}
	for user, role := range roles {
		rows = append(rows, store.Membership{ID: "mem_" + user.ID[4:], WorkspaceID: "ws_1", UserID: user.ID, Email: user.Email, Role: role, CreatedAt: created})
	}
	return rows
}

func openSession(t *testing.T, svc *Service, user store.User) *Session {
	t.Helper()
	sess, err := svc.Open(context.Background(), user, "ws_1")
	if err != nil {
		t.Fatalf("Open(%s) error = %v", user.ID, err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sess.WaitLoaded(ctx); err != nil {
		t.Fatalf("WaitLoaded() error = %v", err)
	}
	return sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
