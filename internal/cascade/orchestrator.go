// Package cascade deletes a workspace or project together with everything it
// owns, child tables first, without relying on database-level cascades.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"crewspace/api/internal/feed"
	"crewspace/api/internal/store"
)

// ConfirmationPhrase must be typed back before a non-empty target is deleted.
const ConfirmationPhrase = "Delete"

const defaultBatchSize = 500

var ErrConfirmationRequired = errors.New("confirmation required")

type Store interface {
	Select(ctx context.Context, table store.Table, filters []store.Filter, order ...store.Order) ([]store.Entity, error)
	Delete(ctx context.Context, table store.Table, filters ...store.Filter) (int64, error)
	InsertAuditEvent(ctx context.Context, event store.AuditEvent) error
}

type Publisher interface {
	Publish(ctx context.Context, op feed.Op, entity store.Entity) error
}

type Blobs interface {
	Remove(ctx context.Context, path string) error
}

type Index interface {
	RemoveEntities(table store.Table, ids []string)
}

type Options struct {
	Feed      Publisher
	Blobs     Blobs
	Index     Index
	BatchSize int
}

type Orchestrator struct {
	store     Store
	feed      Publisher
	blobs     Blobs
	index     Index
	batchSize int
}

func New(s Store, opts Options) *Orchestrator {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Orchestrator{store: s, feed: opts.Feed, blobs: opts.Blobs, index: opts.Index, batchSize: batch}
}

type Request struct {
	Root         Root
	ActorID      string
	Confirmation string
}

type StepResult struct {
	Table   store.Table
	Deleted int64
}

type Result struct {
	Root  Root
	Steps []StepResult
}

func (r Result) Deleted(table store.Table) int64 {
	for _, step := range r.Steps {
		if step.Table == table {
			return step.Deleted
		}
	}
	return 0
}

// PartialFailure reports a cascade that stopped part way. Nothing already
// deleted is restored.
type PartialFailure struct {
	Root      Root
	Completed []StepResult
	Failed    StepResult
	Remaining []store.Table
	Err       error
}

func (e *PartialFailure) Error() string {
	done := make([]string, 0, len(e.Completed))
	for _, step := range e.Completed {
		done = append(done, string(step.Table))
	}
	return fmt.Sprintf("cascade delete %s %s failed at %s after [%s]: %v",
		e.Root.Kind, e.Root.ID, e.Failed.Table, strings.Join(done, ", "), e.Err)
}

func (e *PartialFailure) Unwrap() error {
	return e.Err
}

// Preview computes what deleting root would remove.
func (o *Orchestrator) Preview(ctx context.Context, root Root) (Closure, error) {
	return o.closure(ctx, root)
}

// Delete removes the root and its closure. The closure is computed once up
// front; a failing step aborts the rest and returns *PartialFailure.
func (o *Orchestrator) Delete(ctx context.Context, req Request) (Result, error) {
	c, err := o.closure(ctx, req.Root)
	if err != nil {
		return Result{Root: req.Root}, err
	}
	if c.NeedsConfirmation(req.ActorID) && req.Confirmation != ConfirmationPhrase {
		return Result{Root: req.Root}, fmt.Errorf("delete %s %s holding %d rows: %w", req.Root.Kind, req.Root.ID, c.Size(), ErrConfirmationRequired)
	}

	result := Result{Root: req.Root}
	steps := req.Root.Steps()
	for i, table := range steps {
		deleted, gone, err := o.deleteStep(ctx, table, c.IDs(table))
		if err != nil {
			// Chunks that committed before the failure are gone for good, so
			// live caches still hear about them.
			o.publishDeletes(ctx, rowsWithIDs(c.Rows[table], gone))
			failure := &PartialFailure{
				Root:      req.Root,
				Completed: result.Steps,
				Failed:    StepResult{Table: table, Deleted: deleted},
				Remaining: append([]store.Table(nil), steps[i+1:]...),
				Err:       err,
			}
			log.Printf("cascade: %v", failure)
			if err := o.auditFailure(ctx, req, c, failure); err != nil {
				log.Printf("cascade: audit failed %s %s: %v", req.Root.Kind, req.Root.ID, err)
			}
			return result, failure
		}
		result.Steps = append(result.Steps, StepResult{Table: table, Deleted: deleted})
		o.publishDeletes(ctx, c.Rows[table])
	}

	o.removeBlobs(ctx, c.Rows[store.TableFiles])
	o.dropFromIndex(c)
	if err := o.audit(ctx, req, c, result); err != nil {
		log.Printf("cascade: audit %s %s: %v", req.Root.Kind, req.Root.ID, err)
	}
	return result, nil
}

// deleteStep removes ids from table in chunks and returns the ids of every
// chunk that went through. The step fails as a whole on the first failing
// chunk; earlier chunks stay deleted.
func (o *Orchestrator) deleteStep(ctx context.Context, table store.Table, ids []string) (int64, []string, error) {
	var total int64
	for start := 0; start < len(ids); start += o.batchSize {
		end := start + o.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := ctx.Err(); err != nil {
			return total, ids[:start], err
		}
		n, err := o.store.Delete(ctx, table, store.In("id", ids[start:end]))
		if err != nil {
			return total, ids[:start], fmt.Errorf("delete %s: %w", table, err)
		}
		total += n
	}
	return total, ids, nil
}

func rowsWithIDs(rows []store.Entity, ids []string) []store.Entity {
	if len(ids) == 0 {
		return nil
	}
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	out := make([]store.Entity, 0, len(ids))
	for _, row := range rows {
		if keep[row.EntityID()] {
			out = append(out, row)
		}
	}
	return out
}

func (o *Orchestrator) publishDeletes(ctx context.Context, rows []store.Entity) {
	if o.feed == nil {
		return
	}
	for _, row := range rows {
		if err := o.feed.Publish(ctx, feed.OpDelete, row); err != nil {
			log.Printf("cascade: publish delete %s %s: %v", row.EntityTable(), row.EntityID(), err)
		}
	}
}

func (o *Orchestrator) removeBlobs(ctx context.Context, files []store.Entity) {
	if o.blobs == nil {
		return
	}
	for _, row := range files {
		file := row.(store.File)
		if file.Path == "" {
			continue
		}
		if err := o.blobs.Remove(ctx, file.Path); err != nil {
			log.Printf("cascade: remove blob %s: %v", file.Path, err)
		}
	}
}

func (o *Orchestrator) dropFromIndex(c Closure) {
	if o.index == nil {
		return
	}
	for _, table := range []store.Table{store.TableProjects, store.TableTasks, store.TableNotes} {
		if ids := c.IDs(table); len(ids) > 0 {
			o.index.RemoveEntities(table, ids)
		}
	}
}

func (o *Orchestrator) audit(ctx context.Context, req Request, c Closure, result Result) error {
	event := auditEvent(req, c, string(req.Root.Kind)+"_deleted")
	event.Payload["deleted"] = stepCounts(result.Steps)
	return o.store.InsertAuditEvent(ctx, event)
}

// auditFailure records how far a stopped cascade got.
func (o *Orchestrator) auditFailure(ctx context.Context, req Request, c Closure, failure *PartialFailure) error {
	remaining := make([]string, 0, len(failure.Remaining))
	for _, table := range failure.Remaining {
		remaining = append(remaining, string(table))
	}
	event := auditEvent(req, c, string(req.Root.Kind)+"_delete_failed")
	event.Payload["deleted"] = stepCounts(failure.Completed)
	event.Payload["failed"] = map[string]any{
		"table":   string(failure.Failed.Table),
		"deleted": failure.Failed.Deleted,
	}
	event.Payload["remaining"] = remaining
	event.Payload["error"] = failure.Err.Error()
	return o.store.InsertAuditEvent(ctx, event)
}

func auditEvent(req Request, c Closure, action string) store.AuditEvent {
	event := store.AuditEvent{
		WorkspaceID: c.WorkspaceID,
		ActorID:     req.ActorID,
		Action:      action,
		Payload: map[string]any{
			"id":   req.Root.ID,
			"name": c.Name,
		},
	}
	if req.Root.Kind == KindProject {
		projectID := req.Root.ID
		event.ProjectID = &projectID
	}
	return event
}

func stepCounts(steps []StepResult) map[string]any {
	counts := make(map[string]any, len(steps))
	for _, step := range steps {
		counts[string(step.Table)] = step.Deleted
	}
	return counts
}
