package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"crewspace/api/internal/cascade"
	"crewspace/api/internal/feed"
	"crewspace/api/internal/reconcile"
	"crewspace/api/internal/search"
	"crewspace/api/internal/store"
)

func TestDeleteProjectNeedsConfirmationAndClearsCache(t *testing.T) {
	rows := append(seedWorkspace(map[store.User]string{bo: "member"}),
		store.Note{ID: "n_1", ProjectID: "p_1", Title: "Brief"},
		store.Invitation{ID: "inv_p1", WorkspaceID: "ws_1", ProjectID: ptr("p_1"), Email: "x@example.com", Role: "member"},
	)
	st := newMemStore(rows...)
	index := &fakeSearch{}
	svc := New(testConfig(), Deps{Store: st, Search: index})
	sess := openSession(t, svc, ana)

	closure, needsConfirm, err := sess.PreviewDeleteProject(context.Background(), "p_1")
	if err != nil {
		t.Fatalf("PreviewDeleteProject() error = %v", err)
	}
	if !needsConfirm || closure.Count(store.TableTasks) != 2 {
		t.Fatalf("preview = %d tasks, confirm %v; want 2 tasks and confirmation", closure.Count(store.TableTasks), needsConfirm)
	}
	if _, err := sess.DeleteProject(context.Background(), "p_1", "delete"); !IsCode(err, CodeConfirmationRequired) {
		t.Fatalf("DeleteProject(wrong phrase) = %v, want %s", err, CodeConfirmationRequired)
	}
	if st.count(store.TableTasks) != 2 {
		t.Fatal("unconfirmed delete removed rows")
	}

	result, err := sess.DeleteProject(context.Background(), "p_1", cascade.ConfirmationPhrase)
	if err != nil {
		t.Fatalf("DeleteProject() error = %v", err)
	}
	if result.Deleted(store.TableTasks) != 2 || result.Deleted(store.TableProjects) != 1 {
		t.Fatalf("result = %+v", result)
	}
	if st.count(store.TableTasks) != 0 || st.count(store.TableNotes) != 0 || st.count(store.TableInvitations) != 0 {
		t.Fatal("closure rows left in the store")
	}
	if _, ok := st.row(store.TableWorkspaces, "ws_1"); !ok {
		t.Fatal("workspace removed with its project")
	}
	if _, ok := sess.View().Project("p_1"); ok {
		t.Fatal("project still cached")
	}
	if len(sess.View().Tasks("p_1")) != 0 || len(sess.View().Invitations("ws_1")) != 0 {
		t.Fatal("project content still cached")
	}
	if !hasAction(st.auditActions(), "project_deleted") {
		t.Fatalf("audit = %v, want project_deleted", st.auditActions())
	}
}

func TestDeleteProjectRequiresAdmin(t *testing.T) {
	st := newMemStore(seedWorkspace(map[store.User]string{bo: "manager"})...)
	sess := openSession(t, newTestService(st), bo)
	if _, err := sess.DeleteProject(context.Background(), "p_1", cascade.ConfirmationPhrase); !IsCode(err, CodeUnauthorized) {
		t.Fatalf("DeleteProject() error = %v, want %s", err, CodeUnauthorized)
	}
	if st.count(store.TableProjects) != 1 {
		t.Fatal("project deleted without permission")
	}
}

func TestDeleteProjectPartialFailure(t *testing.T) {
	rows := append(seedWorkspace(nil), store.Note{ID: "n_1", ProjectID: "p_1", Title: "Brief"})
	st := newMemStore(rows...)
	st.writeFn = func(op string, entity store.Entity) error {
		if op == "delete" && entity.EntityTable() == store.TableNotes {
			return errors.New("statement timeout")
		}
		return nil
	}
	sess := openSession(t, newTestService(st), ana)

	_, err := sess.DeleteProject(context.Background(), "p_1", cascade.ConfirmationPhrase)
	if !IsCode(err, CodePartialCascadeFailure) {
		t.Fatalf("DeleteProject() error = %v, want %s", err, CodePartialCascadeFailure)
	}
	var domain *DomainError
	if !errors.As(err, &domain) {
		t.Fatalf("error %T is not a DomainError", err)
	}
	details := domain.Details.(map[string]any)
	if failed := details["failed"].(map[string]any); failed["table"] != store.TableNotes {
		t.Fatalf("failed step = %v, want notes", failed)
	}
	if st.count(store.TableTasks) != 0 {
		t.Fatal("completed step was rolled back")
	}
	if _, ok := sess.View().Project("p_1"); !ok {
		t.Fatal("project dropped from cache after a partial failure")
	}
	if !hasAction(st.auditActions(), "project_delete_failed") {
		t.Fatalf("audit actions = %v, want project_delete_failed", st.auditActions())
	}
}

func TestSetVisibility(t *testing.T) {
	cases := []struct {
		name       string
		user       store.User
		members    map[store.User]string
		visibility string
		wantCode   string
	}{
		{name: "shared with members stays shared", user: ana, members: map[store.User]string{bo: "member"}, visibility: "private", wantCode: CodeValidationFailed},
		{name: "owner alone can go private", user: ana, visibility: "private"},
		{name: "admin cannot change visibility", user: bo, members: map[store.User]string{bo: "admin"}, visibility: "private", wantCode: CodeUnauthorized},
		{name: "unknown visibility", user: ana, visibility: "public", wantCode: CodeValidationFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newMemStore(seedWorkspace(tc.members)...)
			sess := openSession(t, newTestService(st), tc.user)
			err := sess.SetVisibility(context.Background(), tc.visibility)
			if tc.wantCode != "" {
				if !IsCode(err, tc.wantCode) {
					t.Fatalf("SetVisibility() error = %v, want %s", err, tc.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("SetVisibility() error = %v", err)
			}
			row, _ := st.row(store.TableWorkspaces, "ws_1")
			if got := row.(store.Workspace).Visibility; got != tc.visibility {
				t.Fatalf("stored visibility = %s, want %s", got, tc.visibility)
			}
		})
	}
}

func TestUploadDownloadAndDeleteFile(t *testing.T) {
	st := newMemStore(seedWorkspace(map[store.User]string{cy: "limited"})...)
	blobs := newFakeBlobs()
	svc := New(testConfig(), Deps{Store: st, Blobs: blobs})
	sess := openSession(t, svc, ana)

	file, err := sess.UploadFile(context.Background(), "p_1", "brief v2.pdf", "application/pdf", []byte("%PDF"))
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if !strings.HasPrefix(file.Path, "projects/p_1/"+file.ID+"-") || !blobs.has(file.Path) {
		t.Fatalf("path = %q, stored %v", file.Path, blobs.has(file.Path))
	}
	if file.Size != 4 {
		t.Fatalf("Size = %d, want 4", file.Size)
	}

	cySess := openSession(t, svc, cy)
	got, data, err := cySess.DownloadFile(context.Background(), file.ID)
	if err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}
	if string(data) != "%PDF" || got.Name != "brief v2.pdf" {
		t.Fatalf("download = %q %+v", data, got)
	}
	if _, err := cySess.UploadFile(context.Background(), "p_1", "x.txt", "", []byte("x")); !IsCode(err, CodeUnauthorized) {
		t.Fatalf("limited UploadFile() = %v, want %s", err, CodeUnauthorized)
	}

	h, err := sess.IssueMutation(context.Background(), reconcile.Mutation{Op: feed.OpDelete, Record: store.File{ID: file.ID, ProjectID: "p_1"}})
	if err != nil {
		t.Fatalf("IssueMutation(delete) error = %v", err)
	}
	if err := waitHandle(t, sess, h); err != nil {
		t.Fatalf("handle error = %v", err)
	}
	waitFor(t, "blob removal", func() bool { return !blobs.has(file.Path) })
}

func TestUploadRemovesBlobWhenRowFails(t *testing.T) {
	st := newMemStore(seedWorkspace(nil)...)
	st.writeFn = func(op string, entity store.Entity) error {
		if entity.EntityTable() == store.TableFiles {
			return errors.New("constraint violation")
		}
		return nil
	}
	blobs := newFakeBlobs()
	sess := openSession(t, New(testConfig(), Deps{Store: st, Blobs: blobs}), ana)

	if _, err := sess.UploadFile(context.Background(), "p_1", "a.txt", "text/plain", []byte("a")); err == nil {
		t.Fatal("UploadFile() error = nil, want failure")
	}
	blobs.mu.Lock()
	left := len(blobs.objects)
	blobs.mu.Unlock()
	if left != 0 {
		t.Fatalf("orphaned objects = %d, want 0", left)
	}
}

func TestFilesAndSearchNeedTheirBackends(t *testing.T) {
	sess := openSession(t, newTestService(newMemStore(seedWorkspace(nil)...)), ana)
	if _, err := sess.UploadFile(context.Background(), "p_1", "a.txt", "", nil); !IsCode(err, CodeUnavailable) {
		t.Fatalf("UploadFile() = %v, want %s", err, CodeUnavailable)
	}
	if _, err := sess.Search(context.Background(), "launch", "", 0, 0); !IsCode(err, CodeUnavailable) {
		t.Fatalf("Search() = %v, want %s", err, CodeUnavailable)
	}
}

func TestSearchIsScopedToSessionWorkspace(t *testing.T) {
	var got search.Query
	index := &fakeSearch{searchFn: func(q search.Query) search.Response {
		got = q
		return search.Response{Results: []search.Result{{Type: search.ResultTask, ID: "t_1", WorkspaceID: q.WorkspaceID}}, Total: 1, Query: q.Text}
	}}
	sess := openSession(t, New(testConfig(), Deps{Store: newMemStore(seedWorkspace(nil)...), Search: index}), ana)

	resp, err := sess.Search(context.Background(), "  draft ", search.ResultTask, 500, -3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if got.WorkspaceID != "ws_1" || got.Text != "draft" || got.Limit != 20 || got.Offset != 0 || got.FilterType != search.ResultTask {
		t.Fatalf("query = %+v", got)
	}
	if resp.Total != 1 || resp.Results[0].ID != "t_1" {
		t.Fatalf("response = %+v", resp)
	}
}
