package app

import (
	"context"
	"errors"
	"testing"

	"crewspace/api/internal/feed"
	"crewspace/api/internal/reconcile"
	"crewspace/api/internal/store"
)

func TestIssueMutationAuthorization(t *testing.T) {
	clientID := "c_1"
	cases := []struct {
		name     string
		user     store.User
		mutation reconcile.Mutation
		wantCode string
	}{
		{
			name:     "member writes task",
			user:     bo,
			mutation: reconcile.Mutation{Op: feed.OpInsert, Record: store.Task{ID: "t_new", ProjectID: "p_1", Title: "Write copy"}},
		},
		{
			name:     "limited cannot write task",
			user:     cy,
			mutation: reconcile.Mutation{Op: feed.OpInsert, Record: store.Task{ID: "t_new", ProjectID: "p_1", Title: "Write copy"}},
			wantCode: CodeUnauthorized,
		},
		{
			name:     "archived project denies owner",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpInsert, Record: store.Task{ID: "t_new", ProjectID: "p_arch", Title: "Late"}},
			wantCode: CodeUnauthorized,
		},
		{
			name:     "archived project can be restored",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpUpdate, Record: store.Project{ID: "p_arch", WorkspaceID: "ws_1", Name: "Old"}},
		},
		{
			name:     "member cannot create project",
			user:     bo,
			mutation: reconcile.Mutation{Op: feed.OpInsert, Record: store.Project{ID: "p_new", WorkspaceID: "ws_1", Name: "New"}},
			wantCode: CodeUnauthorized,
		},
		{
			name:     "owner creates project with client",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpInsert, Record: store.Project{ID: "p_new", WorkspaceID: "ws_1", Name: "New", ClientID: &clientID}},
		},
		{
			name:     "unknown client",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpInsert, Record: store.Project{ID: "p_new", WorkspaceID: "ws_1", Name: "New", ClientID: ptr("c_missing")}},
			wantCode: CodeValidationFailed,
		},
		{
			name:     "member cannot delete client",
			user:     bo,
			mutation: reconcile.Mutation{Op: feed.OpDelete, Record: store.Client{ID: "c_1", WorkspaceID: "ws_1"}},
			wantCode: CodeUnauthorized,
		},
		{
			name:     "project delete needs the cascade",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpDelete, Record: store.Project{ID: "p_1", WorkspaceID: "ws_1"}},
			wantCode: CodeValidationFailed,
		},
		{
			name:     "status index out of range",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpInsert, Record: store.Task{ID: "t_new", ProjectID: "p_1", Title: "x", StatusIndex: 4}},
			wantCode: CodeValidationFailed,
		},
		{
			name:     "blank task title",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpInsert, Record: store.Task{ID: "t_new", ProjectID: "p_1", Title: "  "}},
			wantCode: CodeValidationFailed,
		},
		{
			name:     "unknown tag",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpInsert, Record: store.Task{ID: "t_new", ProjectID: "p_1", Title: "x", Tag: &store.Tag{Name: "someday", Color: "#000000"}}},
			wantCode: CodeValidationFailed,
		},
		{
			name:     "membership rows use member operations",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpUpdate, Record: store.Membership{ID: "mem_bo", WorkspaceID: "ws_1", UserID: bo.ID, Role: "admin"}},
			wantCode: CodeValidationFailed,
		},
		{
			name:     "project in another workspace",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpInsert, Record: store.Project{ID: "p_x", WorkspaceID: "ws_2", Name: "Elsewhere"}},
			wantCode: CodeUnauthorized,
		},
		{
			name:     "task in unknown project",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpInsert, Record: store.Task{ID: "t_new", ProjectID: "p_missing", Title: "x"}},
			wantCode: CodeNotFound,
		},
		{
			name:     "blank note title",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpInsert, Record: store.Note{ID: "n_new", ProjectID: "p_1", Title: " "}},
			wantCode: CodeValidationFailed,
		},
		{
			name:     "uncached task without project",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpInsert, Record: store.Task{ID: "t_new", Title: "x"}},
			wantCode: CodeValidationFailed,
		},
		{
			name:     "task cannot move between projects",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpUpdate, Record: store.Task{ID: "t_1", ProjectID: "p_arch", Title: "Moved"}},
			wantCode: CodeValidationFailed,
		},
		{
			name:     "project membership without project",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpInsert, Record: store.ProjectMembership{ID: "pm_new", UserID: bo.ID, Role: "member"}},
			wantCode: CodeValidationFailed,
		},
		{
			name:     "workflow edits need MigrateWorkflow",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpUpdate, Record: store.Workspace{ID: "ws_1", Name: "Studio", Visibility: "shared", Version: 1}},
			wantCode: CodeValidationFailed,
		},
		{
			name:     "owner renames workspace",
			user:     ana,
			mutation: reconcile.Mutation{Op: feed.OpUpdate, Record: store.Workspace{ID: "ws_1", Name: "Studio 2", Visibility: "shared", Workflow: fourStages(), Tags: []store.Tag{{Name: "urgent", Color: "#ff0000"}}, Version: 1}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rows := append(seedWorkspace(map[store.User]string{bo: "member", cy: "limited"}),
				store.Project{ID: "p_arch", WorkspaceID: "ws_1", Name: "Old", Archived: true},
				store.Client{ID: "c_1", WorkspaceID: "ws_1", Name: "Acme"},
			)
			st := newMemStore(rows...)
			sess := openSession(t, newTestService(st), tc.user)

			h, err := sess.IssueMutation(context.Background(), tc.mutation)
			if tc.wantCode != "" {
				if !IsCode(err, tc.wantCode) {
					t.Fatalf("IssueMutation() error = %v, want %s", err, tc.wantCode)
				}
				if _, ok := st.row(tc.mutation.Record.EntityTable(), tc.mutation.Record.EntityID()); ok && tc.mutation.Op == feed.OpInsert {
					t.Fatal("rejected insert reached the store")
				}
				return
			}
			if err != nil {
				t.Fatalf("IssueMutation() error = %v", err)
			}
			if err := waitHandle(t, sess, h); err != nil {
				t.Fatalf("handle error = %v", err)
			}
			if _, ok := st.row(tc.mutation.Record.EntityTable(), tc.mutation.Record.EntityID()); !ok {
				t.Fatal("mutation did not reach the store")
			}
		})
	}
}

func TestProjectRoleOverridesWorkspaceRole(t *testing.T) {
	rows := append(seedWorkspace(map[store.User]string{cy: "limited"}),
		store.ProjectMembership{ID: "pm_cy", ProjectID: "p_1", UserID: cy.ID, Role: "member"},
		store.Project{ID: "p_2", WorkspaceID: "ws_1", Name: "Other"},
	)
	sess := openSession(t, newTestService(newMemStore(rows...)), cy)

	if _, err := sess.IssueMutation(context.Background(), reconcile.Mutation{Op: feed.OpInsert, Record: store.Note{ID: "n_1", ProjectID: "p_1", Title: "Plan"}}); err != nil {
		t.Fatalf("write in granted project: %v", err)
	}
	_, err := sess.IssueMutation(context.Background(), reconcile.Mutation{Op: feed.OpInsert, Record: store.Note{ID: "n_2", ProjectID: "p_2", Title: "Plan"}})
	if !IsCode(err, CodeUnauthorized) {
		t.Fatalf("write in other project = %v, want %s", err, CodeUnauthorized)
	}
}

func TestUpdateWithoutProjectKeepsCachedParent(t *testing.T) {
	rows := append(seedWorkspace(nil), store.Note{ID: "n_1", ProjectID: "p_1", Title: "Brief"})
	st := newMemStore(rows...)
	sess := openSession(t, newTestService(st), ana)

	h, err := sess.IssueMutation(context.Background(), reconcile.Mutation{Op: feed.OpUpdate, Record: store.Note{ID: "n_1", Title: "edited"}})
	if err != nil {
		t.Fatalf("IssueMutation() error = %v", err)
	}
	if err := waitHandle(t, sess, h); err != nil {
		t.Fatalf("handle error = %v", err)
	}
	row, _ := st.row(store.TableNotes, "n_1")
	if got := row.(store.Note); got.ProjectID != "p_1" || got.Title != "edited" {
		t.Fatalf("stored note = %+v, want p_1 and the new title", got)
	}
	notes := sess.View().Notes("p_1")
	if len(notes) != 1 || notes[0].Title != "edited" {
		t.Fatalf("cached notes in p_1 = %+v", notes)
	}
}

func TestFailedMutationRollsBackCache(t *testing.T) {
	st := newMemStore(seedWorkspace(nil)...)
	release := make(chan struct{})
	st.writeFn = func(op string, entity store.Entity) error {
		if op == "insert" && entity.EntityTable() == store.TableTasks {
			<-release
			return errors.New("disk full")
		}
		return nil
	}
	sess := openSession(t, newTestService(st), ana)

	h, err := sess.IssueMutation(context.Background(), reconcile.Mutation{Op: feed.OpInsert, Record: store.Task{ID: "t_new", ProjectID: "p_1", Title: "Doomed"}})
	if err != nil {
		t.Fatalf("IssueMutation() error = %v", err)
	}
	if _, ok := sess.View().Get(store.TableTasks, "t_new"); !ok {
		t.Fatal("optimistic insert not visible before the store answers")
	}
	close(release)
	if err := waitHandle(t, sess, h); err == nil {
		t.Fatal("handle error = nil, want store failure")
	}
	if _, ok := sess.View().Get(store.TableTasks, "t_new"); ok {
		t.Fatal("failed insert still cached")
	}
}

func TestDeleteOfVanishedRowIsBenign(t *testing.T) {
	st := newMemStore(seedWorkspace(nil)...)
	sess := openSession(t, newTestService(st), ana)

	// Someone else deleted it after our snapshot.
	if _, err := st.Delete(context.Background(), store.TableTasks, store.Eq("id", "t_1")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	h, err := sess.IssueMutation(context.Background(), reconcile.Mutation{Op: feed.OpDelete, Record: store.Task{ID: "t_1", ProjectID: "p_1"}})
	if err != nil {
		t.Fatalf("IssueMutation() error = %v", err)
	}
	if err := waitHandle(t, sess, h); err != nil {
		t.Fatalf("handle error = %v, want nil", err)
	}
	if _, ok := sess.View().Get(store.TableTasks, "t_1"); ok {
		t.Fatal("deleted task still cached")
	}
}

func TestDeleteClientDetachesProjects(t *testing.T) {
	clientID := "c_1"
	rows := append(seedWorkspace(nil),
		store.Client{ID: clientID, WorkspaceID: "ws_1", Name: "Acme"},
		store.Project{ID: "p_2", WorkspaceID: "ws_1", Name: "For Acme", ClientID: &clientID},
	)
	st := newMemStore(rows...)
	sess := openSession(t, newTestService(st), ana)

	h, err := sess.IssueMutation(context.Background(), reconcile.Mutation{Op: feed.OpDelete, Record: store.Client{ID: clientID, WorkspaceID: "ws_1"}})
	if err != nil {
		t.Fatalf("IssueMutation() error = %v", err)
	}
	if err := waitHandle(t, sess, h); err != nil {
		t.Fatalf("handle error = %v", err)
	}
	row, ok := st.row(store.TableProjects, "p_2")
	if !ok {
		t.Fatal("project removed with its client")
	}
	if row.(store.Project).ClientID != nil {
		t.Fatalf("ClientID = %v, want nil", *row.(store.Project).ClientID)
	}
	if _, ok := st.row(store.TableClients, clientID); ok {
		t.Fatal("client still stored")
	}
}

func TestArchiveRestoreAudited(t *testing.T) {
	st := newMemStore(seedWorkspace(nil)...)
	search := &fakeSearch{}
	svc := New(testConfig(), Deps{Store: st, Search: search})
	sess := openSession(t, svc, ana)

	h, err := sess.ArchiveProject(context.Background(), "p_1")
	if err != nil {
		t.Fatalf("ArchiveProject() error = %v", err)
	}
	if err := waitHandle(t, sess, h); err != nil {
		t.Fatalf("handle error = %v", err)
	}
	_, err = sess.IssueMutation(context.Background(), reconcile.Mutation{Op: feed.OpUpdate, Record: store.Task{ID: "t_1", ProjectID: "p_1", Title: "Edit"}})
	if !IsCode(err, CodeUnauthorized) {
		t.Fatalf("edit in archived project = %v, want %s", err, CodeUnauthorized)
	}
	h, err = sess.RestoreProject(context.Background(), "p_1")
	if err != nil {
		t.Fatalf("RestoreProject() error = %v", err)
	}
	if err := waitHandle(t, sess, h); err != nil {
		t.Fatalf("handle error = %v", err)
	}

	waitFor(t, "archive audit entries", func() bool {
		return hasAction(st.auditActions(), "project_archived") && hasAction(st.auditActions(), "project_restored")
	})
	waitFor(t, "project reindexed", func() bool { return search.wasIndexed("p_1") })
}

func ptr[T any](v T) *T { return &v }

func hasAction(actions []string, want string) bool {
	for _, action := range actions {
		if action == want {
			return true
		}
	}
	return false
}
