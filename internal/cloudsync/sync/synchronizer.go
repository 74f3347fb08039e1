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

// FoldOutcome reports what folding a remote record did locally.
type FoldOutcome int

const (
	// FoldInserted means the record was new on this device.
	FoldInserted FoldOutcome = iota
	// FoldReplaced means the remote version won over the local row.
	FoldReplaced
	// FoldKeptLocal means the local row is newer and was left alone.
	FoldKeptLocal
)

func (o FoldOutcome) String() string {
	switch o {
	case FoldInserted:
		return "inserted"
	case FoldReplaced:
		return "replaced"
	}
	return "kept_local"
}

// Synchronizer moves one entity type between the local store and the cloud.
type Synchronizer interface {
	EntityType() schema.EntityType

	// ApplyLocal pushes a queued mutation and returns the cloud id of the
	// entity. Creates are no-ops once a mapping exists; deletes of never
	// synced entities are no-ops; updates of unmapped entities fail with
	// ErrMapping. A version conflict is not an error: the cloud's newer
	// version is folded locally and the item counts as applied.
	ApplyLocal(ctx context.Context, id transport.Identity, item *schema.QueueItem) (string, error)

	// FoldRemote merges a remote record into the local store.
	FoldRemote(ctx context.Context, rec schema.Record) (FoldOutcome, error)
}

// reference is a pointer from one record to another, held both as a local id
// and as a cloud id.
type reference struct {
	name   string
	target schema.EntityType
	local  func(schema.Record) *string
	cloud  func(schema.Record) *string
}

// entitySync implements Synchronizer for any record type; the types differ
// only in their references.
type entitySync struct {
	typ    schema.EntityType
	refs   []reference
	store  LocalStore
	tr     transport.Transport
	logger *log.Logger
	newID  func() string
}

func newEntitySync(t schema.EntityType, refs []reference, store LocalStore, tr transport.Transport, logger *log.Logger) *entitySync {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &entitySync{
		typ:    t,
		refs:   refs,
		store:  store,
		tr:     tr,
		logger: logger,
		newID:  schema.NewID,
	}
}

// NewWorkspaceSynchronizer returns the synchronizer for workspaces.
func NewWorkspaceSynchronizer(store LocalStore, tr transport.Transport, logger *log.Logger) Synchronizer {
	return newEntitySync(schema.EntityWorkspace, nil, store, tr, logger)
}

// NewSessionSynchronizer returns the synchronizer for sessions. A session
// references its workspace.
func NewSessionSynchronizer(store LocalStore, tr transport.Transport, logger *log.Logger) Synchronizer {
	return newEntitySync(schema.EntitySession, []reference{{
		name:   "workspace",
		target: schema.EntityWorkspace,
		local:  func(r schema.Record) *string { return &r.(*schema.Session).WorkspaceLocalID },
		cloud:  func(r schema.Record) *string { return &r.(*schema.Session).WorkspaceCloudID },
	}}, store, tr, logger)
}

// NewInboxSynchronizer returns the synchronizer for inbox messages.
func NewInboxSynchronizer(store LocalStore, tr transport.Transport, logger *log.Logger) Synchronizer {
	return newEntitySync(schema.EntityInboxMessage, []reference{{
		name:   "session",
		target: schema.EntitySession,
		local:  func(r schema.Record) *string { return &r.(*schema.InboxMessage).SessionLocalID },
		cloud:  func(r schema.Record) *string { return &r.(*schema.InboxMessage).SessionCloudID },
	}}, store, tr, logger)
}

// NewCommentSynchronizer returns the synchronizer for diff comments. A
// comment references its session and, for replies, its parent comment.
func NewCommentSynchronizer(store LocalStore, tr transport.Transport, logger *log.Logger) Synchronizer {
	return newEntitySync(schema.EntityComment, []reference{
		{
			name:   "session",
			target: schema.EntitySession,
			local:  func(r schema.Record) *string { return &r.(*schema.DiffComment).SessionLocalID },
			cloud:  func(r schema.Record) *string { return &r.(*schema.DiffComment).SessionCloudID },
		},
		{
			name:   "parent",
			target: schema.EntityComment,
			local:  func(r schema.Record) *string { return &r.(*schema.DiffComment).ParentLocalID },
			cloud:  func(r schema.Record) *string { return &r.(*schema.DiffComment).ParentCloudID },
		},
	}, store, tr, logger)
}

func (s *entitySync) EntityType() schema.EntityType {
	return s.typ
}

// ApplyLocal implements Synchronizer.
func (s *entitySync) ApplyLocal(ctx context.Context, id transport.Identity, item *schema.QueueItem) (string, error) {
	if id.IsZero() {
		return "", ErrIdentity
	}
	if item.EntityType != s.typ {
		return "", invalidPayload(fmt.Errorf("%s synchronizer got a %s item", s.typ, item.EntityType))
	}
	switch item.Operation {
	case schema.OpCreate:
		return s.create(ctx, id, item)
	case schema.OpUpdate:
		return s.update(ctx, id, item)
	case schema.OpDelete:
		return s.remove(ctx, id, item)
	}
	return "", invalidPayload(fmt.Errorf("unknown operation %q", item.Operation))
}

func (s *entitySync) create(ctx context.Context, id transport.Identity, item *schema.QueueItem) (string, error) {
	cloudID, ok, err := s.store.ResolveCloudID(ctx, s.typ, item.EntityID)
	if err != nil {
		return "", err
	}
	if ok {
		return cloudID, nil
	}

	rec, err := s.outbound(ctx, item.Payload, "")
	if err != nil {
		return "", err
	}
	cloudID, err = s.tr.Create(ctx, id, rec)
	if err != nil {
		return "", transportError("create "+string(s.typ), err)
	}
	if cloudID == "" {
		return "", transportError("create "+string(s.typ), errors.New("cloud returned an empty id"))
	}
	if err := s.store.RecordCloudID(ctx, s.typ, item.EntityID, cloudID); err != nil {
		return "", mappingError("%w", err)
	}
	if err := s.store.MarkSynced(ctx, item.Payload); err != nil {
		return "", err
	}
	return cloudID, nil
}

func (s *entitySync) update(ctx context.Context, id transport.Identity, item *schema.QueueItem) (string, error) {
	cloudID, ok, err := s.store.ResolveCloudID(ctx, s.typ, item.EntityID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", mappingError("%s %s was never created in the cloud", s.typ, item.EntityID)
	}

	rec, err := s.outbound(ctx, item.Payload, cloudID)
	if err != nil {
		return "", err
	}
	err = s.tr.Update(ctx, id, cloudID, rec)
	var conflict *transport.ConflictError
	switch {
	case errors.As(err, &conflict):
		s.logger.Printf("Conflict on %s %s: cloud holds a version at least as new", s.typ, item.EntityID)
		if conflict.Current != nil {
			if _, err := s.FoldRemote(ctx, conflict.Current); err != nil {
				return "", err
			}
		}
		return cloudID, nil
	case err != nil:
		return "", transportError("update "+string(s.typ), err)
	}
	if err := s.store.MarkSynced(ctx, item.Payload); err != nil {
		return "", err
	}
	return cloudID, nil
}

func (s *entitySync) remove(ctx context.Context, id transport.Identity, item *schema.QueueItem) (string, error) {
	cloudID, ok, err := s.store.ResolveCloudID(ctx, s.typ, item.EntityID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	if err := s.tr.Remove(ctx, id, s.typ, cloudID); err != nil {
		return "", transportError("remove "+string(s.typ), err)
	}
	return cloudID, nil
}

// outbound copies payload for the wire: the cloud id is set and every
// reference carries the cloud id of its target.
func (s *entitySync) outbound(ctx context.Context, payload schema.Record, cloudID string) (schema.Record, error) {
	rec, err := schema.CloneRecord(payload)
	if err != nil {
		return nil, invalidPayload(err)
	}
	meta := rec.SyncMeta()
	meta.CloudID = cloudID
	meta.SyncStatus = ""
	for _, ref := range s.refs {
		localRef := *ref.local(rec)
		if localRef == "" {
			continue
		}
		target, ok, err := s.store.ResolveCloudID(ctx, ref.target, localRef)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, mappingError("%s %s references %s %s which has no cloud id",
				s.typ, meta.LocalID, ref.target, localRef)
		}
		*ref.cloud(rec) = target
	}
	return rec, nil
}

// inbound rewrites references of a remote record to local ids. References
// to entities this device has never seen keep only their cloud id.
func (s *entitySync) inbound(ctx context.Context, rec schema.Record) error {
	for _, ref := range s.refs {
		cloudRef := *ref.cloud(rec)
		if cloudRef == "" {
			continue
		}
		localRef, ok, err := s.store.ResolveLocalID(ctx, ref.target, cloudRef)
		if err != nil {
			return err
		}
		if !ok {
			s.logger.Printf("%s %s references unknown %s %s", s.typ, rec.SyncMeta().CloudID, ref.target, cloudRef)
			localRef = ""
		}
		*ref.local(rec) = localRef
	}
	return nil
}

// FoldRemote implements Synchronizer.
func (s *entitySync) FoldRemote(ctx context.Context, remote schema.Record) (FoldOutcome, error) {
	if remote.EntityType() != s.typ {
		return 0, invalidPayload(fmt.Errorf("%s synchronizer got a %s record", s.typ, remote.EntityType()))
	}
	cloudID := remote.SyncMeta().CloudID
	if cloudID == "" {
		return 0, invalidPayload(fmt.Errorf("remote %s without cloud id", s.typ))
	}

	rec, err := schema.CloneRecord(remote)
	if err != nil {
		return 0, invalidPayload(err)
	}
	meta := rec.SyncMeta()

	localID, mapped, err := s.store.ResolveLocalID(ctx, s.typ, cloudID)
	if err != nil {
		return 0, err
	}
	if !mapped {
		if localID, err = s.adoptLocalID(ctx, meta.LocalID); err != nil {
			return 0, err
		}
	}
	meta.LocalID = localID
	if err := s.inbound(ctx, rec); err != nil {
		return 0, err
	}
	if err := rec.Validate(); err != nil {
		return 0, invalidPayload(err)
	}

	outcome := FoldInserted
	local, err := s.store.GetRecord(ctx, s.typ, localID)
	switch {
	case errors.Is(err, schema.ErrNotFound):
	case err != nil:
		return 0, err
	case Resolve(local.SyncMeta(), meta) == Local:
		outcome = FoldKeptLocal
	default:
		outcome = FoldReplaced
	}

	if outcome != FoldKeptLocal {
		meta.SyncStatus = schema.StatusSynced
		if err := s.store.UpsertRecord(ctx, rec); err != nil {
			return 0, err
		}
	}
	if !mapped {
		if err := s.store.RecordCloudID(ctx, s.typ, localID, cloudID); err != nil {
			return 0, mappingError("%w", err)
		}
	}
	return outcome, nil
}

// adoptLocalID picks the local id for a remote record this device has no
// mapping for. The remote's own local id is kept when it is free here or
// names the same, still unmapped, entity (a create whose mapping was lost).
func (s *entitySync) adoptLocalID(ctx context.Context, candidate string) (string, error) {
	if candidate == "" {
		return s.newID(), nil
	}
	_, taken, err := s.store.ResolveCloudID(ctx, s.typ, candidate)
	if err != nil {
		return "", err
	}
	if taken {
		return s.newID(), nil
	}
	return candidate, nil
}
