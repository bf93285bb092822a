// Package reconcile folds local optimistic mutations and remote feed events
// into the session cache. It is the cache's only writer.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"crewspace/api/internal/cache"
	"crewspace/api/internal/feed"
	"crewspace/api/internal/store"
)

var (
	ErrClosed          = errors.New("reconciler closed")
	ErrInvalidMutation = errors.New("invalid mutation")
)

// Mutation is a write the session sends to the backing store. For deletes
// Record only needs its ID and parent.
type Mutation struct {
	Op     feed.Op
	Record store.Entity
	// IfVersion makes a workspace update conditional on the stored version.
	IfVersion *int64
}

func (m Mutation) key() rowKey {
	return rowKey{table: m.Record.EntityTable(), id: m.Record.EntityID()}
}

func (m Mutation) validate() error {
	if !m.Op.Valid() {
		return fmt.Errorf("%w: op %q", ErrInvalidMutation, m.Op)
	}
	if m.Record == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidMutation)
	}
	if !m.Record.EntityTable().Valid() {
		return fmt.Errorf("%w: table %q", ErrInvalidMutation, m.Record.EntityTable())
	}
	if m.Record.EntityID() == "" {
		return fmt.Errorf("%w: %s without id", ErrInvalidMutation, m.Record.EntityTable())
	}
	// Rows are scoped and announced by parent, so an orphan can be neither.
	if m.Record.ParentID() == "" {
		return fmt.Errorf("%w: %s %s without parent", ErrInvalidMutation, m.Record.EntityTable(), m.Record.EntityID())
	}
	if m.IfVersion != nil && m.Record.EntityTable() != store.TableWorkspaces {
		return fmt.Errorf("%w: version check on %s", ErrInvalidMutation, m.Record.EntityTable())
	}
	return nil
}

// Backend delivers a mutation to the backing store.
type Backend interface {
	Apply(ctx context.Context, m Mutation) error
}

type rowKey struct {
	table store.Table
	id    string
}

// ScopeRows is the authoritative content of one table for one parent.
type ScopeRows struct {
	Table    store.Table
	ParentID string
	Rows     []store.Entity
}

type Snapshot []ScopeRows

type Reconciler struct {
	mu      sync.Mutex
	cache   *cache.Store
	backend Backend
	closed  bool
	seq     uint64
	// suppressed maps a locally deleted row to the delete that suppressed it.
	suppressed map[rowKey]uint64
	// writtenBy maps a row to the local mutation that last wrote it, so a
	// failed mutation only rolls back rows nobody has touched since.
	writtenBy map[rowKey]uint64
	pending   int
	idle      chan struct{}
}

func New(c *cache.Store, backend Backend) *Reconciler {
	return &Reconciler{
		cache:      c,
		backend:    backend,
		suppressed: make(map[rowKey]uint64),
		writtenBy:  make(map[rowKey]uint64),
		idle:       closedChan(),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// View is the read-only cache the reconciler maintains.
func (r *Reconciler) View() cache.View {
	return r.cache
}

// ApplyLocalMutation applies m to the cache immediately and sends it to the
// backend in the background. The returned handle resolves when the backend
// answers; the send is not cancelled by ctx or by Close.
func (r *Reconciler) ApplyLocalMutation(ctx context.Context, m Mutation) (*Handle, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	key := m.key()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.seq++
	seq := r.seq
	previous, existed := r.cache.Get(key.table, key.id)

	var err error
	switch m.Op {
	case feed.OpInsert:
		err = r.cache.Put(m.Record)
		r.writtenBy[key] = seq
	case feed.OpUpdate:
		// An update for a row this session never loaded is still sent; the
		// feed will deliver the result.
		if existed {
			err = r.cache.Put(m.Record)
			r.writtenBy[key] = seq
		}
	case feed.OpDelete:
		_, _, err = r.cache.Remove(key.table, key.id)
		r.suppressed[key] = seq
		r.writtenBy[key] = seq
	}
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("apply local %s %s: %w", m.Op, key.table, err)
	}
	if r.pending == 0 {
		r.idle = make(chan struct{})
	}
	r.pending++
	r.mu.Unlock()

	h := &Handle{done: make(chan struct{})}
	go func() {
		defer r.settled()
		sendErr := r.backend.Apply(context.WithoutCancel(ctx), m)
		h.finish(r.complete(m, seq, previous, existed, sendErr))
	}()
	return h, nil
}

// complete settles a finished mutation and returns the error its handle reports.
func (r *Reconciler) complete(m Mutation, seq uint64, previous store.Entity, existed bool, sendErr error) error {
	key := m.key()
	benign := sendErr == nil || errors.Is(sendErr, store.ErrNotFound)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		if benign {
			return nil
		}
		return sendErr
	}

	ours := r.writtenBy[key] == seq
	if ours {
		delete(r.writtenBy, key)
	}
	if m.Op == feed.OpDelete && r.suppressed[key] == seq {
		delete(r.suppressed, key)
	}

	if benign {
		if m.Op == feed.OpDelete {
			// A snapshot taken before the delete landed may have restored it.
			if _, _, err := r.cache.Remove(key.table, key.id); err != nil {
				log.Printf("reconcile: remove confirmed %s %s: %v", key.table, key.id, err)
			}
		}
		return nil
	}

	if ours {
		if err := r.rollback(m, previous, existed); err != nil {
			log.Printf("reconcile: rollback %s %s %s: %v", m.Op, key.table, key.id, err)
		} else {
			log.Printf("reconcile: rolled back %s %s %s: %v", m.Op, key.table, key.id, sendErr)
		}
	}
	return sendErr
}

func (r *Reconciler) rollback(m Mutation, previous store.Entity, existed bool) error {
	key := m.key()
	switch m.Op {
	case feed.OpInsert:
		if existed {
			return r.cache.Put(previous)
		}
		_, _, err := r.cache.Remove(key.table, key.id)
		return err
	case feed.OpUpdate, feed.OpDelete:
		if existed {
			return r.cache.Put(previous)
		}
	}
	return nil
}

// ApplyRemoteEvent folds one feed event into the cache. Events for a row with
// a local delete in flight are dropped, except the delete that confirms it.
// Deleting an absent row is a no-op.
func (r *Reconciler) ApplyRemoteEvent(e feed.Event) error {
	if !e.Op.Valid() || e.Record == nil {
		return fmt.Errorf("apply remote event: %w", feed.ErrMalformedEvent)
	}
	key := rowKey{table: e.Record.EntityTable(), id: e.Record.EntityID()}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	if _, ok := r.suppressed[key]; ok {
		if e.Op != feed.OpDelete {
			return nil
		}
		delete(r.suppressed, key)
	}
	delete(r.writtenBy, key)

	switch e.Op {
	case feed.OpInsert, feed.OpUpdate:
		if err := r.cache.Put(e.Record); err != nil {
			return fmt.Errorf("apply remote %s %s: %w", e.Op, key.table, err)
		}
	case feed.OpDelete:
		if _, _, err := r.cache.Remove(key.table, key.id); err != nil {
			return fmt.Errorf("apply remote delete %s: %w", key.table, err)
		}
	}
	return nil
}

// Resync replaces each scope in the snapshot wholesale and lifts suppression
// for every ID the snapshot contains.
func (r *Reconciler) Resync(snapshot Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	for _, scope := range snapshot {
		for _, id := range r.cache.ScopeIDs(scope.Table, scope.ParentID) {
			delete(r.writtenBy, rowKey{table: scope.Table, id: id})
		}
		if err := r.cache.ReplaceScope(scope.Table, scope.ParentID, scope.Rows); err != nil {
			return fmt.Errorf("resync %s: %w", scope.Table, err)
		}
		for _, row := range scope.Rows {
			key := rowKey{table: scope.Table, id: row.EntityID()}
			delete(r.suppressed, key)
			delete(r.writtenBy, key)
		}
	}
	return nil
}

// Suppressed reports whether remote events for the row are being dropped.
func (r *Reconciler) Suppressed(table store.Table, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.suppressed[rowKey{table: table, id: id}]
	return ok
}

// Close discards suppression state and stops accepting work. Mutations
// already sent still complete; their results are discarded.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.suppressed = make(map[rowKey]uint64)
	r.writtenBy = make(map[rowKey]uint64)
}

func (r *Reconciler) settled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
	if r.pending == 0 {
		close(r.idle)
	}
}

// Drain waits until no mutation is in flight.
func (r *Reconciler) Drain(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
