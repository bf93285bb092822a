package search

import (
	"context"
	"log"

	"crewspace/api/internal/store"
)

type primary interface {
	Searcher
	IndexRecords(records []Record) error
	DeleteRecords(rtyp ResultType, ids []string) error
}

type fallback interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]Record, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili primary
	pgfts fallback
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if meili != nil {
		s.meili = meili
	}
	if pgfts != nil {
		s.pgfts = pgfts
	}
	return s
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS. A query
// without a workspace returns nothing.
func (s *Service) Search(q Query) Response {
	if q.WorkspaceID == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}
	if s.meiliReady() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: scopeResults(nonNil(results), q.WorkspaceID), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: scopeResults(nonNil(results), q.WorkspaceID), Total: total, Query: q.Text}
}

// Index pushes a project, task or note to Meilisearch (fire-and-forget).
// Other entities are ignored.
func (s *Service) Index(entity store.Entity, workspaceID string) {
	record, ok := RecordFor(entity, workspaceID)
	if !ok || !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexRecords([]Record{record}); err != nil {
			log.Printf("search: index %s %s: %v", record.Type, record.ID, err)
		}
	}()
}

// RemoveEntities drops rows of a searchable table from the index
// (fire-and-forget).
func (s *Service) RemoveEntities(table store.Table, ids []string) {
	rtyp, ok := typeForTable(table)
	if !ok || len(ids) == 0 || !s.meiliReady() {
		return
	}
	ids = append([]string(nil), ids...)
	go func() {
		if err := s.meili.DeleteRecords(rtyp, ids); err != nil {
			log.Printf("search: delete %d %s records: %v", len(ids), rtyp, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.meiliReady() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	if err := s.meili.IndexRecords(records); err != nil {
		log.Printf("search: reindex: %v", err)
		return
	}
	log.Printf("search: reindexed %d records", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// scopeResults drops any hit outside the queried workspace.
func scopeResults(results []Result, workspaceID string) []Result {
	filtered := make([]Result, 0, len(results))
	for _, result := range results {
		if result.WorkspaceID != workspaceID {
			continue
		}
		filtered = append(filtered, result)
	}
	return filtered
}
