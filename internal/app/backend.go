package app

import (
	"context"
	"fmt"
	"log"

	"crewspace/api/internal/feed"
	"crewspace/api/internal/reconcile"
	"crewspace/api/internal/store"
)

type dataStore interface {
	Get(ctx context.Context, table store.Table, id string) (store.Entity, error)
	Select(ctx context.Context, table store.Table, filters []store.Filter, order ...store.Order) ([]store.Entity, error)
	Insert(ctx context.Context, entity store.Entity) error
	Update(ctx context.Context, entity store.Entity) error
	Upsert(ctx context.Context, entity store.Entity) error
	Delete(ctx context.Context, table store.Table, filters ...store.Filter) (int64, error)
	UpdateWorkflowIfVersion(ctx context.Context, workspace store.Workspace, expected int64) error
	InsertAuditEvent(ctx context.Context, event store.AuditEvent) error
	ListAuditEvents(ctx context.Context, workspaceID string, filter store.AuditFilter) ([]store.AuditEvent, error)
	Ping(ctx context.Context) error
}

type publisher interface {
	Publish(ctx context.Context, op feed.Op, entity store.Entity) error
}

// storeBackend writes mutations to Postgres and announces each applied row
// on the change feed.
type storeBackend struct {
	store dataStore
	feed  publisher
}

var _ reconcile.Backend = (*storeBackend)(nil)

func (b *storeBackend) Apply(ctx context.Context, m reconcile.Mutation) error {
	if err := b.write(ctx, m); err != nil {
		return err
	}
	b.announce(ctx, m.Op, m.Record)
	return nil
}

func (b *storeBackend) write(ctx context.Context, m reconcile.Mutation) error {
	switch m.Op {
	case feed.OpInsert:
		return b.store.Insert(ctx, m.Record)
	case feed.OpUpdate:
		if m.IfVersion != nil {
			workspace, ok := m.Record.(store.Workspace)
			if !ok {
				return fmt.Errorf("%w: version check on %s", reconcile.ErrInvalidMutation, m.Record.EntityTable())
			}
			return b.store.UpdateWorkflowIfVersion(ctx, workspace, *m.IfVersion)
		}
		return b.store.Update(ctx, m.Record)
	case feed.OpDelete:
		n, err := b.store.Delete(ctx, m.Record.EntityTable(), store.Eq("id", m.Record.EntityID()))
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("delete %s %s: %w", m.Record.EntityTable(), m.Record.EntityID(), store.ErrNotFound)
		}
		return nil
	default:
		return fmt.Errorf("%w: op %q", reconcile.ErrInvalidMutation, m.Op)
	}
}

// announce is best effort. Subscribers that miss it converge on their next
// snapshot.
func (b *storeBackend) announce(ctx context.Context, op feed.Op, record store.Entity) {
	if b.feed == nil {
		return
	}
	if err := b.feed.Publish(ctx, op, record); err != nil {
		log.Printf("app: publish %s %s %s: %v", op, record.EntityTable(), record.EntityID(), err)
	}
}
