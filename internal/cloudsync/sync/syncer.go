package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
	"github.com/agentdesk/agentdesk/internal/cloudsync/transport"
)

// Syncer runs the engine's building blocks over the whole local store.
//
// It holds no state of its own besides its collaborators; scheduling,
// single flight and status reporting belong to the coordinator.
type Syncer interface {
	// Apply pushes one queued mutation through the synchronizer of its type.
	// Failures are returned as *ItemError.
	Apply(ctx context.Context, id transport.Identity, item *schema.QueueItem) error

	// PushUnmapped bulk-pushes every live workspace and session that has no
	// cloud id yet, workspaces before sessions, in a single PushChanges
	// call, and records the returned ids. It returns how many records were
	// pushed.
	PushUnmapped(ctx context.Context, id transport.Identity) (int, error)

	// FoldSnapshot folds every record of snap into the local store in
	// dependency order. Records that fail are skipped and their errors
	// joined into the returned error.
	FoldSnapshot(ctx context.Context, snap transport.Snapshot) (FoldStats, error)

	// FoldSnapshotStrict is FoldSnapshot that stops at the first record that
	// fails. Records after it are left unfolded.
	FoldSnapshotStrict(ctx context.Context, snap transport.Snapshot) (FoldStats, error)
}

// FoldStats counts fold outcomes.
type FoldStats struct {
	Inserted  int
	Replaced  int
	KeptLocal int
	Failed    int
}

// Total returns the number of records folded, failures included.
func (s FoldStats) Total() int {
	return s.Inserted + s.Replaced + s.KeptLocal + s.Failed
}

type syncer struct {
	store    LocalStore
	tr       transport.Transport
	registry Registry
	logger   *log.Logger
}

// New creates a Syncer over store and tr.
//
// If logger is nil, a default logger writing to stderr is used.
//
// Example:
//
//	store, err := db.Open(path)
//	if err != nil {
//	    return err
//	}
//	if err := store.InitSchema(); err != nil {
//	    return err
//	}
//	s := sync.New(store, transport.NewMemoryCloud(), nil)
func New(store LocalStore, tr transport.Transport, logger *log.Logger) Syncer {
	return NewWithRegistry(store, tr, NewRegistry(store, tr, logger), logger)
}

// NewWithRegistry creates a Syncer that dispatches through registry.
func NewWithRegistry(store LocalStore, tr transport.Transport, registry Registry, logger *log.Logger) Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &syncer{
		store:    store,
		tr:       tr,
		registry: registry,
		logger:   logger,
	}
}

// Apply implements Syncer.Apply.
func (s *syncer) Apply(ctx context.Context, id transport.Identity, item *schema.QueueItem) error {
	synchronizer, err := s.registry.Lookup(item.EntityType)
	if err != nil {
		return &ItemError{Item: item, Err: err}
	}
	cloudID, err := synchronizer.ApplyLocal(ctx, id, item)
	if err != nil {
		return &ItemError{Item: item, Err: err}
	}
	s.logger.Printf("Pushed %s %s %s -> %s", item.Operation, item.EntityType, item.EntityID, cloudID)
	return nil
}

// PushUnmapped implements Syncer.PushUnmapped.
func (s *syncer) PushUnmapped(ctx context.Context, id transport.Identity) (int, error) {
	if id.IsZero() {
		return 0, ErrIdentity
	}

	var changes transport.ChangeSet
	pushed := make(map[schema.EntityType]map[string]schema.Record)
	for _, t := range []schema.EntityType{schema.EntityWorkspace, schema.EntitySession} {
		recs, err := s.store.ListUnmapped(ctx, t)
		if err != nil {
			return 0, fmt.Errorf("failed to list unmapped %s records: %w", t, err)
		}
		pushed[t] = make(map[string]schema.Record, len(recs))
		for _, rec := range recs {
			pushed[t][rec.SyncMeta().LocalID] = rec
			switch r := rec.(type) {
			case *schema.Workspace:
				changes.Workspaces = append(changes.Workspaces, r)
			case *schema.Session:
				// Workspaces in this push are resolved by the cloud from
				// workspaceLocalId; earlier ones are sent as cloud ids.
				if r.WorkspaceLocalID != "" {
					cloudID, ok, err := s.store.ResolveCloudID(ctx, schema.EntityWorkspace, r.WorkspaceLocalID)
					if err != nil {
						return 0, err
					}
					if ok {
						r.WorkspaceCloudID = cloudID
					}
				}
				changes.Sessions = append(changes.Sessions, r)
			}
		}
	}
	if changes.Empty() {
		return 0, nil
	}

	res, err := s.tr.PushChanges(ctx, id, changes)
	if err != nil {
		return 0, transportError("push changes", err)
	}

	var errs []error
	record := func(t schema.EntityType, pairs []transport.IDPair) {
		for _, p := range pairs {
			if err := s.store.RecordCloudID(ctx, t, p.LocalID, p.CloudID); err != nil {
				errs = append(errs, mappingError("%w", err))
				continue
			}
			if rec, ok := pushed[t][p.LocalID]; ok {
				if err := s.store.MarkSynced(ctx, rec); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	record(schema.EntityWorkspace, res.Workspaces)
	record(schema.EntitySession, res.Sessions)

	n := len(changes.Workspaces) + len(changes.Sessions)
	s.logger.Printf("Bulk pushed %d workspace(s) and %d session(s)", len(changes.Workspaces), len(changes.Sessions))
	return n, errors.Join(errs...)
}

// FoldSnapshot implements Syncer.FoldSnapshot.
func (s *syncer) FoldSnapshot(ctx context.Context, snap transport.Snapshot) (FoldStats, error) {
	return s.fold(ctx, snap, false)
}

// FoldSnapshotStrict implements Syncer.FoldSnapshotStrict.
func (s *syncer) FoldSnapshotStrict(ctx context.Context, snap transport.Snapshot) (FoldStats, error) {
	return s.fold(ctx, snap, true)
}

func (s *syncer) fold(ctx context.Context, snap transport.Snapshot, stopOnError bool) (FoldStats, error) {
	var (
		stats FoldStats
		errs  []error
	)
	for _, rec := range snap.Records() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		synchronizer, err := s.registry.Lookup(rec.EntityType())
		if err != nil {
			stats.Failed++
			errs = append(errs, err)
			if stopOnError {
				break
			}
			continue
		}
		outcome, err := synchronizer.FoldRemote(ctx, rec)
		if err != nil {
			stats.Failed++
			if Classify(err) == KindMapping {
				s.logger.Printf("MAPPING: failed to fold %s %s: %v", rec.EntityType(), rec.SyncMeta().CloudID, err)
			} else {
				s.logger.Printf("Failed to fold %s %s: %v", rec.EntityType(), rec.SyncMeta().CloudID, err)
			}
			errs = append(errs, fmt.Errorf("fold %s %s: %w", rec.EntityType(), rec.SyncMeta().CloudID, err))
			if stopOnError {
				break
			}
			continue
		}
		switch outcome {
		case FoldInserted:
			stats.Inserted++
		case FoldReplaced:
			stats.Replaced++
		case FoldKeptLocal:
			stats.KeptLocal++
		}
	}
	if stats.Total() > 0 {
		s.logger.Printf("Folded %d record(s): %d inserted, %d replaced, %d kept local, %d failed",
			stats.Total(), stats.Inserted, stats.Replaced, stats.KeptLocal, stats.Failed)
	}
	return stats, errors.Join(errs...)
}
