package cache

import (
	"fmt"
	"sort"
	"time"

	"crewspace/api/internal/store"
)

// rowSet is the untyped face of a Table so the Store can route by table name.
type rowSet interface {
	get(id string) (store.Entity, bool)
	put(row store.Entity) error
	remove(id string) (store.Entity, bool)
	replaceScope(parentID string, rows []store.Entity) error
	scopeIDs(parentID string) []string
	clear()
	len() int
}

// Table holds the cached rows of one entity type keyed by ID.
type Table[T store.Entity] struct {
	name store.Table
	rows map[string]T
}

func newTable[T store.Entity](name store.Table) *Table[T] {
	return &Table[T]{name: name, rows: make(map[string]T)}
}

func (t *Table[T]) get(id string) (store.Entity, bool) {
	row, ok := t.rows[id]
	if !ok {
		return nil, false
	}
	return row, true
}

func (t *Table[T]) put(row store.Entity) error {
	typed, ok := row.(T)
	if !ok {
		return fmt.Errorf("cache %s: unexpected row type %T", t.name, row)
	}
	t.rows[typed.EntityID()] = typed
	return nil
}

func (t *Table[T]) remove(id string) (store.Entity, bool) {
	row, ok := t.rows[id]
	if !ok {
		return nil, false
	}
	delete(t.rows, id)
	return row, true
}

// replaceScope drops every row owned by parentID and stores rows in their place.
// An empty parentID replaces the whole table.
func (t *Table[T]) replaceScope(parentID string, rows []store.Entity) error {
	typed := make([]T, 0, len(rows))
	for _, row := range rows {
		value, ok := row.(T)
		if !ok {
			return fmt.Errorf("cache %s: unexpected row type %T", t.name, row)
		}
		typed = append(typed, value)
	}
	for id, row := range t.rows {
		if parentID == "" || row.ParentID() == parentID {
			delete(t.rows, id)
		}
	}
	for _, row := range typed {
		t.rows[row.EntityID()] = row
	}
	return nil
}

func (t *Table[T]) scopeIDs(parentID string) []string {
	ids := make([]string, 0)
	for id, row := range t.rows {
		if parentID == "" || row.ParentID() == parentID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (t *Table[T]) clear() {
	t.rows = make(map[string]T)
}

func (t *Table[T]) len() int {
	return len(t.rows)
}

func (t *Table[T]) where(match func(T) bool) []T {
	out := make([]T, 0)
	for _, row := range t.rows {
		if match(row) {
			out = append(out, row)
		}
	}
	return out
}

// newestFirst orders rows by creation time descending, ties broken by ID.
func newestFirst[T store.Entity](rows []T, createdAt func(T) time.Time) []T {
	sort.Slice(rows, func(i, j int) bool {
		a, b := createdAt(rows[i]), createdAt(rows[j])
		if !a.Equal(b) {
			return a.After(b)
		}
		return rows[i].EntityID() < rows[j].EntityID()
	})
	return rows
}
