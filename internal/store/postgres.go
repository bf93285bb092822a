package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Filter restricts a select or delete. Exactly one of Value or Values is used:
// Values (even empty) selects set membership, otherwise Value is compared with Op.
type Filter struct {
	Column string
	Op     string
	Value  any
	Values []string
}

func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: "=", Value: value}
}

func Gt(column string, value any) Filter {
	return Filter{Column: column, Op: ">", Value: value}
}

func In(column string, values []string) Filter {
	if values == nil {
		values = []string{}
	}
	return Filter{Column: column, Op: "in", Values: values}
}

type Order struct {
	Column string
	Desc   bool
}

func (s *PostgresStore) Get(ctx context.Context, table Table, id string) (Entity, error) {
	rows, err := s.Select(ctx, table, []Filter{Eq("id", id)})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("get %s %s: %w", table, id, ErrNotFound)
	}
	return rows[0], nil
}

func (s *PostgresStore) Select(ctx context.Context, table Table, filters []Filter, order ...Order) ([]Entity, error) {
	schema, ok := schemas[table]
	if !ok {
		return nil, fmt.Errorf("select: unknown table %q", table)
	}
	where, args, err := schema.where(filters, 0)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}

	query := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(schema.columns, ", "), table, where)
	if len(order) > 0 {
		parts := make([]string, 0, len(order))
		for _, o := range order {
			if !schema.hasColumn(o.Column) {
				return nil, fmt.Errorf("select %s: unknown order column %q", table, o.Column)
			}
			direction := "ASC"
			if o.Desc {
				direction = "DESC"
			}
			parts = append(parts, o.Column+" "+direction)
		}
		query += " ORDER BY " + strings.Join(parts, ", ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	items := make([]Entity, 0)
	for rows.Next() {
		item, err := schema.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return items, nil
}

func (s *PostgresStore) Insert(ctx context.Context, entity Entity) error {
	schema, values, err := encode(entity)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		entity.EntityTable(), strings.Join(schema.columns, ", "), schema.placeholders())
	if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("insert %s: %w", entity.EntityTable(), err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, entity Entity) error {
	schema, values, err := encode(entity)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id=$1", entity.EntityTable(), schema.assignments())
	result, err := s.db.ExecContext(ctx, query, values...)
	if err != nil {
		return fmt.Errorf("update %s: %w", entity.EntityTable(), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s rows affected: %w", entity.EntityTable(), err)
	}
	if affected == 0 {
		return fmt.Errorf("update %s %s: %w", entity.EntityTable(), entity.EntityID(), ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, entity Entity) error {
	schema, values, err := encode(entity)
	if err != nil {
		return err
	}
	updates := make([]string, 0, len(schema.columns)-1)
	for _, column := range schema.columns[1:] {
		updates = append(updates, fmt.Sprintf("%s=EXCLUDED.%s", column, column))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		entity.EntityTable(), strings.Join(schema.columns, ", "), schema.placeholders(), strings.Join(updates, ", "))
	if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("upsert %s: %w", entity.EntityTable(), err)
	}
	return nil
}

// Delete removes every row matching all filters and reports how many went.
// At least one filter is required.
func (s *PostgresStore) Delete(ctx context.Context, table Table, filters ...Filter) (int64, error) {
	schema, ok := schemas[table]
	if !ok {
		return 0, fmt.Errorf("delete: unknown table %q", table)
	}
	if len(filters) == 0 {
		return 0, fmt.Errorf("delete %s: refusing unfiltered delete", table)
	}
	where, args, err := schema.where(filters, 0)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s%s", table, where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete %s rows affected: %w", table, err)
	}
	return affected, nil
}

// UpdateWorkflowIfVersion saves a workspace's workflow and tags only when the
// stored version still equals expected, bumping it to expected+1.
func (s *PostgresStore) UpdateWorkflowIfVersion(ctx context.Context, workspace Workspace, expected int64) error {
	workflow, err := json.Marshal(nonNilStages(workspace.Workflow))
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	tags, err := json.Marshal(nonNilTags(workspace.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE workspaces
		SET name=$2, visibility=$3, workflow=$4::jsonb, tags=$5::jsonb, version=$6 + 1, updated_at=NOW()
		WHERE id=$1 AND version=$6
	`, workspace.ID, workspace.Name, workspace.Visibility, string(workflow), string(tags), expected)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update workflow rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM workspaces WHERE id=$1)`, workspace.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check workspace: %w", err)
	}
	if !exists {
		return fmt.Errorf("update workflow %s: %w", workspace.ID, ErrNotFound)
	}
	return fmt.Errorf("update workflow %s at version %d: %w", workspace.ID, expected, ErrVersionConflict)
}

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (workspace_id, project_id, actor_id, action, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, event.WorkspaceID, event.ProjectID, event.ActorID, event.Action, string(encoded))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, workspaceID string, filter AuditFilter) ([]AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	var dayStart, dayEnd *time.Time
	if filter.Day != nil {
		start := time.Date(filter.Day.Year(), filter.Day.Month(), filter.Day.Day(), 0, 0, 0, 0, filter.Day.Location())
		end := start.AddDate(0, 0, 1)
		dayStart, dayEnd = &start, &end
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, project_id, actor_id, action, payload, created_at
		FROM audit_events
		WHERE workspace_id=$1
		  AND ($2='' OR actor_id=$2)
		  AND ($3='' OR project_id=$3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		  AND ($5::timestamptz IS NULL OR created_at < $5)
		ORDER BY created_at DESC, id DESC
		LIMIT $6
	`, workspaceID, filter.ActorID, filter.ProjectID, dayStart, dayEnd, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var item AuditEvent
		var payloadRaw []byte
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.ProjectID, &item.ActorID, &item.Action, &payloadRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		_ = json.Unmarshal(payloadRaw, &item.Payload)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func encode(entity Entity) (tableSchema, []any, error) {
	if entity == nil {
		return tableSchema{}, nil, errors.New("encode: nil entity")
	}
	schema, ok := schemas[entity.EntityTable()]
	if !ok {
		return tableSchema{}, nil, fmt.Errorf("encode: unknown table %q", entity.EntityTable())
	}
	values, err := schema.values(entity)
	if err != nil {
		return tableSchema{}, nil, fmt.Errorf("encode %s: %w", entity.EntityTable(), err)
	}
	return schema, values, nil
}
