package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

type ftsSource struct {
	rtyp      ResultType
	id        string
	title     string
	body      string
	from      string
	projectID string
}

var ftsSources = []ftsSource{
	{rtyp: ResultProject, id: "p.id", title: "p.name", body: "p.description", from: "projects p", projectID: "p.id"},
	{rtyp: ResultTask, id: "t.id", title: "t.title", body: "t.description", from: "tasks t JOIN projects p ON p.id = t.project_id", projectID: "t.project_id"},
	{rtyp: ResultNote, id: "n.id", title: "n.title", body: "n.body", from: "notes n JOIN projects p ON p.id = n.project_id", projectID: "n.project_id"},
}

// Search executes a UNION ALL query across projects, tasks and notes of one
// workspace using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.WorkspaceID}

	var subQueries []string
	for _, src := range ftsSources {
		if q.FilterType != "" && q.FilterType != src.rtyp {
			continue
		}
		vector := fmt.Sprintf("to_tsvector('english', coalesce(%s, '') || ' ' || coalesce(%s, ''))", src.title, src.body)
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT '%s'::text AS type, %s AS id, %s AS title,
				ts_headline('english', coalesce(%s, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				%s AS project_id, p.workspace_id,
				ts_rank(%s, %s) AS rank
			FROM %s
			WHERE p.workspace_id = $2 AND %s @@ %s`,
			src.rtyp, src.id, src.title,
			src.body, tsQuery,
			src.projectID,
			vector, tsQuery,
			src.from,
			vector, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, project_id, workspace_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID, &r.WorkspaceID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable record for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]Record, error) {
	records := make([]Record, 0)
	for _, src := range ftsSources {
		rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s, %s, %s, %s, p.workspace_id
			FROM %s`,
			src.id, src.title, src.body, src.projectID, src.from))
		if err != nil {
			return nil, fmt.Errorf("load %ss: %w", src.rtyp, err)
		}
		for rows.Next() {
			r := Record{Type: src.rtyp}
			if err := rows.Scan(&r.ID, &r.Title, &r.Body, &r.ProjectID, &r.WorkspaceID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s: %w", src.rtyp, err)
			}
			records = append(records, r)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate %ss: %w", src.rtyp, err)
		}
	}
	return records, nil
}
