package search

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"crewspace/api/internal/store"
)

type fakePrimary struct {
	healthy  bool
	searchFn func(q Query) ([]Result, int, error)
	indexed  chan []Record
	deleted  chan []string
}

func (f *fakePrimary) Healthy() bool { return f.healthy }

func (f *fakePrimary) Search(q Query) ([]Result, int, error) { return f.searchFn(q) }

func (f *fakePrimary) IndexRecords(records []Record) error {
	f.indexed <- records
	return nil
}

func (f *fakePrimary) DeleteRecords(_ ResultType, ids []string) error {
	f.deleted <- ids
	return nil
}

type fakeFallback struct {
	calls   int
	results []Result
	records []Record
}

func (f *fakeFallback) Healthy() bool { return true }

func (f *fakeFallback) Search(Query) ([]Result, int, error) {
	f.calls++
	return f.results, len(f.results), nil
}

func (f *fakeFallback) LoadAllRecords(context.Context) ([]Record, error) {
	return f.records, nil
}

func newFakePrimary(healthy bool) *fakePrimary {
	return &fakePrimary{
		healthy: healthy,
		indexed: make(chan []Record, 4),
		deleted: make(chan []string, 4),
	}
}

func TestSearchFallsBackWhenPrimaryFails(t *testing.T) {
	primary := newFakePrimary(true)
	primary.searchFn = func(Query) ([]Result, int, error) { return nil, 0, errors.New("boom") }
	fb := &fakeFallback{results: []Result{{Type: ResultTask, ID: "tsk_1", WorkspaceID: "ws_1"}}}
	s := &Service{meili: primary, pgfts: fb}

	resp := s.Search(Query{Text: "launch", WorkspaceID: "ws_1"})
	if fb.calls != 1 {
		t.Fatalf("fallback calls = %d, want 1", fb.calls)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "tsk_1" {
		t.Fatalf("results = %+v", resp.Results)
	}
}

func TestSearchSkipsUnhealthyPrimary(t *testing.T) {
	primary := newFakePrimary(false)
	primary.searchFn = func(Query) ([]Result, int, error) {
		t.Fatal("unhealthy primary was queried")
		return nil, 0, nil
	}
	fb := &fakeFallback{}
	s := &Service{meili: primary, pgfts: fb}

	resp := s.Search(Query{Text: "x", WorkspaceID: "ws_1"})
	if fb.calls != 1 {
		t.Fatalf("fallback calls = %d, want 1", fb.calls)
	}
	if resp.Results == nil {
		t.Fatal("results should be an empty slice, not nil")
	}
}

func TestSearchNeverCrossesWorkspaces(t *testing.T) {
	primary := newFakePrimary(true)
	primary.searchFn = func(Query) ([]Result, int, error) {
		return []Result{
			{Type: ResultProject, ID: "prj_1", WorkspaceID: "ws_1"},
			{Type: ResultProject, ID: "prj_2", WorkspaceID: "ws_2"},
		}, 2, nil
	}
	s := &Service{meili: primary}

	resp := s.Search(Query{Text: "x", WorkspaceID: "ws_1"})
	if len(resp.Results) != 1 || resp.Results[0].ID != "prj_1" {
		t.Fatalf("results = %+v, want only prj_1", resp.Results)
	}

	if got := s.Search(Query{Text: "x"}); len(got.Results) != 0 {
		t.Fatalf("query without workspace returned %+v", got.Results)
	}
}

func TestIndexAndRemoveEntities(t *testing.T) {
	primary := newFakePrimary(true)
	s := &Service{meili: primary}

	s.Index(store.Task{ID: "tsk_1", ProjectID: "prj_1", Title: "Cut trailer"}, "ws_1")
	select {
	case records := <-primary.indexed:
		want := Record{ID: "tsk_1", Type: ResultTask, Title: "Cut trailer", ProjectID: "prj_1", WorkspaceID: "ws_1"}
		if len(records) != 1 || records[0] != want {
			t.Fatalf("indexed = %+v, want %+v", records, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task was not indexed")
	}

	s.Index(store.Client{ID: "cli_1"}, "ws_1")
	s.RemoveEntities(store.TableClients, []string{"cli_1"})

	s.RemoveEntities(store.TableNotes, []string{"nte_2", "nte_1"})
	select {
	case ids := <-primary.deleted:
		sort.Strings(ids)
		if len(ids) != 2 || ids[0] != "nte_1" {
			t.Fatalf("deleted = %v", ids)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notes were not removed")
	}

	select {
	case records := <-primary.indexed:
		t.Fatalf("unsearchable entity indexed: %+v", records)
	case ids := <-primary.deleted:
		t.Fatalf("unsearchable table removed: %v", ids)
	default:
	}
}

func TestReindexAllFromPG(t *testing.T) {
	primary := newFakePrimary(true)
	fb := &fakeFallback{records: []Record{{ID: "prj_1", Type: ResultProject}, {ID: "nte_1", Type: ResultNote}}}
	s := &Service{meili: primary, pgfts: fb}

	s.ReindexAllFromPG(context.Background())
	select {
	case records := <-primary.indexed:
		if len(records) != 2 {
			t.Fatalf("reindexed %d records, want 2", len(records))
		}
	default:
		t.Fatal("reindex did not push records")
	}
}

func TestRecordFor(t *testing.T) {
	cases := []struct {
		name   string
		entity store.Entity
		want   Record
		ok     bool
	}{
		{
			name:   "project uses its own workspace",
			entity: store.Project{ID: "prj_1", WorkspaceID: "ws_9", Name: "Launch", Description: "Q3"},
			want:   Record{ID: "prj_1", Type: ResultProject, Title: "Launch", Body: "Q3", ProjectID: "prj_1", WorkspaceID: "ws_9"},
			ok:     true,
		},
		{
			name:   "note",
			entity: store.Note{ID: "nte_1", ProjectID: "prj_1", Title: "Kickoff", Body: "agenda"},
			want:   Record{ID: "nte_1", Type: ResultNote, Title: "Kickoff", Body: "agenda", ProjectID: "prj_1", WorkspaceID: "ws_1"},
			ok:     true,
		},
		{name: "milestone", entity: store.Milestone{ID: "mst_1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := RecordFor(tc.entity, "ws_1")
			if ok != tc.ok || got != tc.want {
				t.Fatalf("RecordFor = %+v, %v, want %+v, %v", got, ok, tc.want, tc.ok)
			}
		})
	}
}
