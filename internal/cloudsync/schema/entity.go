package schema

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record, queue item or mapping does not exist.
var ErrNotFound = errors.New("not found")

// EntityType names a record type subject to sync.
type EntityType string

const (
	EntityWorkspace    EntityType = "workspace"
	EntitySession      EntityType = "session"
	EntityInboxMessage EntityType = "inbox_message"
	EntityComment      EntityType = "comment"
)

// EntityTypes lists every synced type in dependency order: a type only
// references types that appear before it.
var EntityTypes = []EntityType{
	EntityWorkspace,
	EntitySession,
	EntityInboxMessage,
	EntityComment,
}

// Valid reports whether t is one of the synced entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityWorkspace, EntitySession, EntityInboxMessage, EntityComment:
		return true
	}
	return false
}

// ParseEntityType converts a string into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// Operation is the kind of mutation recorded in the queue.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// ParseOperation converts a string into an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return op, nil
}

// SyncStatus mirrors whether a local row has been acknowledged by the cloud.
type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusSynced   SyncStatus = "synced"
	StatusConflict SyncStatus = "conflict"
)

// Meta is the sync bookkeeping embedded in every record.
type Meta struct {
	LocalID    string     `json:"localId"`
	CloudID    string     `json:"cloudId,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
	SyncStatus SyncStatus `json:"syncStatus,omitempty"`
}

// IsTombstone reports whether the record has been soft deleted.
func (m *Meta) IsTombstone() bool {
	return m.DeletedAt != nil
}

// Touch bumps UpdatedAt to now, truncated to milliseconds. UpdatedAt never
// decreases: if now is not after the current value the timestamp advances by
// one millisecond instead.
func (m *Meta) Touch(now time.Time) {
	next := Millis(now)
	if !next.After(m.UpdatedAt) {
		next = m.UpdatedAt.Add(time.Millisecond)
	}
	m.UpdatedAt = next
	m.SyncStatus = StatusPending
}

// MarkDeleted turns the record into a tombstone.
func (m *Meta) MarkDeleted(now time.Time) {
	m.Touch(now)
	deleted := m.UpdatedAt
	m.DeletedAt = &deleted
}

func (m *Meta) validate() error {
	if m.LocalID == "" {
		return fmt.Errorf("localId is required")
	}
	if m.UpdatedAt.IsZero() {
		return fmt.Errorf("updatedAt is required")
	}
	if m.SyncStatus != "" && m.SyncStatus != StatusPending && m.SyncStatus != StatusSynced && m.SyncStatus != StatusConflict {
		return fmt.Errorf("invalid syncStatus %q", m.SyncStatus)
	}
	return nil
}

// NewID returns a time-ordered UUIDv7, falling back to a random UUID if the
// clock cannot be read.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Millis truncates t to millisecond precision in UTC.
func Millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// Record is a synced entity. The set of implementations is closed; see the
// package documentation.
type Record interface {
	EntityType() EntityType
	SyncMeta() *Meta
	Validate() error

	sealed()
}

// QueueItem is a pending mutation waiting to be pushed to the cloud.
type QueueItem struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Operation  Operation  `json:"operation"`
	Payload    Record     `json:"-"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"lastError,omitempty"`
}

// Validate checks the item and its payload. Creates and updates need a
// payload of the matching type whose local id equals EntityID; deletes may
// omit the payload.
func (q *QueueItem) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !q.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", q.EntityType)
	}
	if q.EntityID == "" {
		return fmt.Errorf("entityId is required")
	}
	if !q.Operation.Valid() {
		return fmt.Errorf("unknown operation %q", q.Operation)
	}
	if q.Payload == nil {
		if q.Operation == OpDelete {
			return nil
		}
		return fmt.Errorf("%s %s requires a payload", q.Operation, q.EntityType)
	}
	if q.Payload.EntityType() != q.EntityType {
		return fmt.Errorf("payload is a %s, item is a %s", q.Payload.EntityType(), q.EntityType)
	}
	if id := q.Payload.SyncMeta().LocalID; id != q.EntityID {
		return fmt.Errorf("payload localId %q does not match entityId %q", id, q.EntityID)
	}
	if err := q.Payload.Validate(); err != nil {
		return fmt.Errorf("invalid %s payload: %w", q.EntityType, err)
	}
	return nil
}
