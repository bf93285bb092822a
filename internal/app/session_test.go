package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"crewspace/api/internal/feed"
	"crewspace/api/internal/rbac"
	"crewspace/api/internal/reconcile"
	"crewspace/api/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestService(st *memStore) *Service {
	return New(testConfig(), Deps{Store: st})
}

func waitHandle(t *testing.T, sess *Session, h *reconcile.Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return sess.wait(ctx, h)
}

func TestOpenRequiresMembership(t *testing.T) {
	svc := newTestService(newMemStore(seedWorkspace(nil)...))
	_, err := svc.Open(context.Background(), bo, "ws_1")
	if !IsCode(err, CodeUnauthorized) {
		t.Fatalf("Open() error = %v, want %s", err, CodeUnauthorized)
	}
}

func TestSessionWithoutFeedLoadsSnapshotDegraded(t *testing.T) {
	svc := newTestService(newMemStore(seedWorkspace(nil)...))
	sess := openSession(t, svc, ana)

	status := sess.Status()
	if status.Mode != ModeDegraded || !status.Stale || !status.Loaded {
		t.Fatalf("Status() = %+v, want loaded degraded stale", status)
	}
	if status.LastSnapshot.IsZero() {
		t.Fatal("LastSnapshot not set")
	}
	if err := sess.Health(); !IsCode(err, CodeFeedUnavailable) {
		t.Fatalf("Health() = %v, want %s", err, CodeFeedUnavailable)
	}
	if got := len(sess.View().Tasks("p_1")); got != 2 {
		t.Fatalf("cached tasks = %d, want 2", got)
	}
	if role, _ := sess.View().MemberRole("ws_1", ana.ID); role != "owner" {
		t.Fatalf("MemberRole = %q, want owner", role)
	}
}

func TestSnapshotHidesInvitationTokenHash(t *testing.T) {
	rows := append(seedWorkspace(nil), store.Invitation{ID: "inv_1", WorkspaceID: "ws_1", Email: "dee@example.com", Role: "member", TokenHash: "secret-hash", ExpiresAt: time.Now().Add(time.Hour)})
	svc := newTestService(newMemStore(rows...))
	sess := openSession(t, svc, ana)

	invitations := sess.View().Invitations("ws_1")
	if len(invitations) != 1 {
		t.Fatalf("invitations = %d, want 1", len(invitations))
	}
	if invitations[0].TokenHash != "" {
		t.Fatal("token hash leaked into the cache")
	}
}

func TestCloseIsIdempotentAndRejectsMutations(t *testing.T) {
	svc := newTestService(newMemStore(seedWorkspace(nil)...))
	sess := openSession(t, svc, ana)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if sess.Status().Mode != ModeClosed {
		t.Fatalf("Mode = %s, want closed", sess.Status().Mode)
	}
	_, err := sess.IssueMutation(context.Background(), reconcile.Mutation{Op: feed.OpInsert, Record: store.Task{ID: "t_9", ProjectID: "p_1", Title: "late"}})
	if !errors.Is(err, reconcile.ErrClosed) {
		t.Fatalf("IssueMutation after Close = %v, want ErrClosed", err)
	}
}

func TestLiveFeedConvergesTwoSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := newMemStore(seedWorkspace(map[store.User]string{bo: "member"})...)
	svc := New(testConfig(), Deps{Store: st, Feed: feed.NewRedisFeed(client, "crewspace", time.Second)})
	anaSess := openSession(t, svc, ana)
	boSess := openSession(t, svc, bo)

	waitFor(t, "both sessions live", func() bool {
		return anaSess.Status().Mode == ModeLive && boSess.Status().Mode == ModeLive
	})
	if err := boSess.Health(); err != nil {
		t.Fatalf("Health() = %v, want nil", err)
	}
	waitFor(t, "project channel subscribers", func() bool {
		counts, err := client.PubSubNumSub(context.Background(), "crewspace:tasks:p_1").Result()
		return err == nil && counts["crewspace:tasks:p_1"] == 2
	})

	h, err := anaSess.IssueMutation(context.Background(), reconcile.Mutation{
		Op:     feed.OpInsert,
		Record: store.Task{ID: "t_live", ProjectID: "p_1", Title: "From Ana", CreatedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("IssueMutation() error = %v", err)
	}
	if err := waitHandle(t, anaSess, h); err != nil {
		t.Fatalf("handle error = %v", err)
	}
	waitFor(t, "task reaching the other session", func() bool {
		_, ok := boSess.View().Get(store.TableTasks, "t_live")
		return ok
	})

	// A new project is picked up and its content follows.
	h, err = anaSess.IssueMutation(context.Background(), reconcile.Mutation{
		Op:     feed.OpInsert,
		Record: store.Project{ID: "p_new", WorkspaceID: "ws_1", Name: "Second", CreatedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("IssueMutation(project) error = %v", err)
	}
	if err := waitHandle(t, anaSess, h); err != nil {
		t.Fatalf("project handle error = %v", err)
	}
	waitFor(t, "new project channel subscribers", func() bool {
		counts, err := client.PubSubNumSub(context.Background(), "crewspace:tasks:p_new").Result()
		return err == nil && counts["crewspace:tasks:p_new"] == 2
	})
	h, err = anaSess.IssueMutation(context.Background(), reconcile.Mutation{
		Op:     feed.OpInsert,
		Record: store.Task{ID: "t_new", ProjectID: "p_new", Title: "First", CreatedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("IssueMutation(task) error = %v", err)
	}
	if err := waitHandle(t, anaSess, h); err != nil {
		t.Fatalf("task handle error = %v", err)
	}
	waitFor(t, "task in new project", func() bool {
		return len(boSess.View().Tasks("p_new")) == 1
	})
}

func TestIDOnlyDeleteReachesOtherLiveSession(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := newMemStore(seedWorkspace(map[store.User]string{bo: "member"})...)
	svc := New(testConfig(), Deps{Store: st, Feed: feed.NewRedisFeed(client, "crewspace", time.Second)})
	anaSess := openSession(t, svc, ana)
	boSess := openSession(t, svc, bo)
	waitFor(t, "project channel subscribers", func() bool {
		counts, err := client.PubSubNumSub(context.Background(), "crewspace:tasks:p_1").Result()
		return err == nil && counts["crewspace:tasks:p_1"] == 2
	})

	h, err := anaSess.IssueMutation(context.Background(), reconcile.Mutation{Op: feed.OpDelete, Record: store.Task{ID: "t_1"}})
	if err != nil {
		t.Fatalf("IssueMutation() error = %v", err)
	}
	if err := waitHandle(t, anaSess, h); err != nil {
		t.Fatalf("handle error = %v", err)
	}
	if _, ok := st.row(store.TableTasks, "t_1"); ok {
		t.Fatal("task still stored")
	}
	waitFor(t, "delete reaching the other session", func() bool {
		_, ok := boSess.View().Get(store.TableTasks, "t_1")
		return !ok
	})
}

func TestRoleChangeAppliesToNextCheck(t *testing.T) {
	svc := newTestService(newMemStore(seedWorkspace(map[store.User]string{bo: "member"})...))
	sess := openSession(t, svc, bo)

	if !sess.CanPerform(rbac.ActionWriteContent, "p_1", nil) {
		t.Fatal("member should write content")
	}
	demoted := store.Membership{ID: "mem_bo", WorkspaceID: "ws_1", UserID: bo.ID, Email: bo.Email, Role: "limited"}
	if err := sess.recon.ApplyRemoteEvent(feed.Event{Op: feed.OpUpdate, Table: store.TableWorkspaceMembers, Record: demoted}); err != nil {
		t.Fatalf("ApplyRemoteEvent() error = %v", err)
	}
	if sess.CanPerform(rbac.ActionWriteContent, "p_1", nil) {
		t.Fatal("demoted member still writes content")
	}
	_, err := sess.IssueMutation(context.Background(), reconcile.Mutation{Op: feed.OpInsert, Record: store.Task{ID: "t_9", ProjectID: "p_1", Title: "x"}})
	if !IsCode(err, CodeUnauthorized) {
		t.Fatalf("IssueMutation() error = %v, want %s", err, CodeUnauthorized)
	}

	removed := demoted
	if err := sess.recon.ApplyRemoteEvent(feed.Event{Op: feed.OpDelete, Table: store.TableWorkspaceMembers, Record: removed}); err != nil {
		t.Fatalf("ApplyRemoteEvent(delete) error = %v", err)
	}
	if sess.CanPerform(rbac.ActionView, "", nil) {
		t.Fatal("removed member can still view")
	}
}

func TestRemoteProjectDeleteClearsContent(t *testing.T) {
	svc := newTestService(newMemStore(seedWorkspace(nil)...))
	sess := openSession(t, svc, ana)

	sess.applyEvent(feed.Event{Op: feed.OpDelete, Table: store.TableProjects, Record: store.Project{ID: "p_1", WorkspaceID: "ws_1"}})
	if _, ok := sess.View().Project("p_1"); ok {
		t.Fatal("project still cached")
	}
	if got := len(sess.View().Tasks("p_1")); got != 0 {
		t.Fatalf("tasks of deleted project = %d, want 0", got)
	}
}
