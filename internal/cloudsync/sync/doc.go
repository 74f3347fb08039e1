// Package sync moves records between the local store and the cloud.
//
// # Overview
//
// The package has three layers:
//
//	Resolve                 last-write-wins between two versions of a record
//	Synchronizer            one per entity type: push a queued mutation,
//	                        fold a remote record into local state
//	Syncer                  bulk operations over the whole store: apply an
//	                        item, bootstrap push, fold a snapshot
//
// Synchronizers are selected through a Registry keyed by entity type.
//
// # Identifiers
//
// Records are created locally under a local id. The first successful push
// records the cloud id in the ID map, and every later update or delete uses
// it. References between records (session to workspace, message and comment
// to session, reply to parent comment) are stored locally as local ids and
// rewritten to cloud ids on the way out, and back to local ids on the way in.
//
// # Conflicts
//
// Resolve compares UpdatedAt: the strictly newer side wins in full, and the
// cloud wins ties. A push that the cloud rejects as stale is not an error;
// the cloud's version is folded locally instead.
//
// # Errors
//
// Failures are classified by Classify into transport, identity, mapping and
// invalid payload errors. Mapping errors point at an ordering bug and are
// logged with a MAPPING prefix so they stand out from network noise.
//
// Usage
//
//	store, err := db.Open(filepath.Join(dataDir, "agentdesk.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	if err := store.InitSchema(); err != nil {
//	    return err
//	}
//
//	s := sync.New(store, transport.NewHTTPClient(cloudURL, nil), nil)
//	items, _ := store.ListQueue(ctx)
//	for _, item := range items {
//	    if err := s.Apply(ctx, identity, item); err != nil {
//	        _ = store.MarkAttempt(ctx, item.ID, err)
//	        continue
//	    }
//	    _ = store.RemoveQueueItem(ctx, item.ID)
//	}
package sync
