package coordinator

import (
	"context"
	"errors"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
	cloudsync "github.com/agentdesk/agentdesk/internal/cloudsync/sync"
)

// ErrDetached is returned to a pass that outlived the identity it started
// with. Its results are discarded.
var ErrDetached = errors.New("coordinator detached from identity")

// guardedStore is the view of the local store handed to one pass. Writes
// fail with ErrDetached once the coordinator's epoch has moved on, so a
// transport call that completes after sign-out never lands locally.
type guardedStore struct {
	cloudsync.LocalStore
	c     *Coordinator
	epoch uint64
}

func (g *guardedStore) guard(write func() error) error {
	g.c.mu.Lock()
	defer g.c.mu.Unlock()
	if g.c.epoch != g.epoch {
		return ErrDetached
	}
	return write()
}

func (g *guardedStore) RecordCloudID(ctx context.Context, t schema.EntityType, localID, cloudID string) error {
	return g.guard(func() error { return g.LocalStore.RecordCloudID(ctx, t, localID, cloudID) })
}

func (g *guardedStore) UpsertRecord(ctx context.Context, rec schema.Record) error {
	return g.guard(func() error { return g.LocalStore.UpsertRecord(ctx, rec) })
}

func (g *guardedStore) MarkSynced(ctx context.Context, rec schema.Record) error {
	return g.guard(func() error { return g.LocalStore.MarkSynced(ctx, rec) })
}

func (g *guardedStore) RemoveQueueItem(ctx context.Context, id string) error {
	return g.guard(func() error { return g.LocalStore.RemoveQueueItem(ctx, id) })
}

func (g *guardedStore) MarkAttempt(ctx context.Context, id string, cause error) error {
	return g.guard(func() error { return g.LocalStore.MarkAttempt(ctx, id, cause) })
}
