package sync

import (
	"context"

	"github.com/agentdesk/agentdesk/internal/cloudsync/db"
	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
)

// QueueStore is the durable outbound queue.
type QueueStore interface {
	Enqueue(ctx context.Context, item *schema.QueueItem) error
	ListQueue(ctx context.Context) ([]*schema.QueueItem, error)
	RemoveQueueItem(ctx context.Context, id string) error
	MarkAttempt(ctx context.Context, id string, cause error) error
	QueueCount(ctx context.Context) (int, error)
}

// IDMap maps local ids to cloud ids per entity type.
type IDMap interface {
	ResolveCloudID(ctx context.Context, t schema.EntityType, localID string) (string, bool, error)
	ResolveLocalID(ctx context.Context, t schema.EntityType, cloudID string) (string, bool, error)
	RecordCloudID(ctx context.Context, t schema.EntityType, localID, cloudID string) error
}

// EntityStore holds the local copies of synced records.
type EntityStore interface {
	UpsertRecord(ctx context.Context, rec schema.Record) error
	GetRecord(ctx context.Context, t schema.EntityType, localID string) (schema.Record, error)
	ListRecords(ctx context.Context, t schema.EntityType) ([]schema.Record, error)
	ListUnmapped(ctx context.Context, t schema.EntityType) ([]schema.Record, error)
	MarkSynced(ctx context.Context, rec schema.Record) error
}

// LocalStore is everything the engine needs from local persistence.
type LocalStore interface {
	QueueStore
	IDMap
	EntityStore

	// SaveAndEnqueue writes a local edit and queues it atomically.
	SaveAndEnqueue(ctx context.Context, rec schema.Record, item *schema.QueueItem) error
}

var _ LocalStore = (*db.DB)(nil)
