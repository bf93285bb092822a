// Package feed carries row changes between sessions over Redis pub/sub.
// Payloads are parsed into typed events here so nothing downstream sees raw
// JSON.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"

	"crewspace/api/internal/store"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

func (o Op) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// Event is one row change. Record always holds the concrete row type for
// Table; for deletes only its ID and parent are meaningful.
type Event struct {
	Op     Op
	Table  store.Table
	Record store.Entity
}

func (e Event) ID() string {
	if e.Record == nil {
		return ""
	}
	return e.Record.EntityID()
}

var ErrMalformedEvent = errors.New("malformed feed event")

type wireEvent struct {
	Op     Op              `json:"op"`
	Table  store.Table     `json:"table"`
	Record json.RawMessage `json:"record"`
}

func Encode(e Event) ([]byte, error) {
	if !e.Op.Valid() || e.Record == nil {
		return nil, fmt.Errorf("encode event: %w", ErrMalformedEvent)
	}
	record, err := json.Marshal(e.Record)
	if err != nil {
		return nil, fmt.Errorf("encode event record: %w", err)
	}
	return json.Marshal(wireEvent{Op: e.Op, Table: e.Record.EntityTable(), Record: record})
}

func Decode(payload []byte) (Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if !wire.Op.Valid() {
		return Event{}, fmt.Errorf("%w: unknown op %q", ErrMalformedEvent, wire.Op)
	}
	if len(wire.Record) == 0 {
		return Event{}, fmt.Errorf("%w: missing record", ErrMalformedEvent)
	}
	record, err := decodeRecord(wire.Table, wire.Record)
	if err != nil {
		return Event{}, err
	}
	if record.EntityID() == "" {
		return Event{}, fmt.Errorf("%w: %s record without id", ErrMalformedEvent, wire.Table)
	}
	return Event{Op: wire.Op, Table: wire.Table, Record: record}, nil
}

func decodeRecord(table store.Table, raw json.RawMessage) (store.Entity, error) {
	switch table {
	case store.TableWorkspaces:
		return decodeAs[store.Workspace](table, raw)
	case store.TableWorkspaceMembers:
		return decodeAs[store.Membership](table, raw)
	case store.TableProjects:
		return decodeAs[store.Project](table, raw)
	case store.TableClients:
		return decodeAs[store.Client](table, raw)
	case store.TableInvitations:
		return decodeAs[store.Invitation](table, raw)
	case store.TableTasks:
		return decodeAs[store.Task](table, raw)
	case store.TableNotes:
		return decodeAs[store.Note](table, raw)
	case store.TableFiles:
		return decodeAs[store.File](table, raw)
	case store.TableMilestones:
		return decodeAs[store.Milestone](table, raw)
	case store.TableProjectMembers:
		return decodeAs[store.ProjectMembership](table, raw)
	default:
		return nil, fmt.Errorf("%w: unknown table %q", ErrMalformedEvent, table)
	}
}

func decodeAs[T store.Entity](table store.Table, raw json.RawMessage) (store.Entity, error) {
	var record T
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("%w: %s record: %v", ErrMalformedEvent, table, err)
	}
	return record, nil
}

// Topic selects the events of one table owned by one parent row.
type Topic struct {
	Table    store.Table
	ParentID string
}

func (t Topic) Channel(prefix string) string {
	return prefix + ":" + string(t.Table) + ":" + t.ParentID
}

// TopicFor is the topic an entity's changes are published on.
func TopicFor(entity store.Entity) Topic {
	return Topic{Table: entity.EntityTable(), ParentID: entity.ParentID()}
}

// WorkspaceTopics covers a workspace row, its directly owned tables and the
// content tables of each listed project.
func WorkspaceTopics(workspaceID string, projectIDs []string) []Topic {
	topics := make([]Topic, 0, len(store.Tables)+len(projectIDs)*5)
	for _, table := range store.Tables {
		if table.WorkspaceScoped() {
			topics = append(topics, Topic{Table: table, ParentID: workspaceID})
		}
	}
	for _, projectID := range projectIDs {
		topics = append(topics, ProjectTopics(projectID)...)
	}
	return topics
}

func ProjectTopics(projectID string) []Topic {
	topics := make([]Topic, 0, 5)
	for _, table := range store.Tables {
		if !table.WorkspaceScoped() {
			topics = append(topics, Topic{Table: table, ParentID: projectID})
		}
	}
	return topics
}
