package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
)

// ErrUnreachable is returned by MemoryCloud while it is set offline.
var ErrUnreachable = errors.New("cloud unreachable")

// FailFunc decides whether a MemoryCloud call should fail. op is one of
// "push", "state", "changes", "create", "update" or "remove"; id is the local
// id for creates and the cloud id otherwise.
type FailFunc func(op string, t schema.EntityType, id string) error

// MemoryCloud is an in-process cloud store. It applies the same rules as the
// hosted one: creates are idempotent by local id, updates older than the
// stored version are rejected with a *ConflictError, removals tombstone.
type MemoryCloud struct {
	mu        sync.Mutex
	users     map[string]*cloudState
	next      int
	offline   bool
	pushCalls int
	lastPush  ChangeSet
	fail      FailFunc
	now       func() time.Time
}

type cloudState struct {
	records map[schema.EntityType]map[string]schema.Record // by cloud id
	byLocal map[schema.EntityType]map[string]string        // origin local id -> cloud id
}

// NewMemoryCloud returns an empty cloud.
func NewMemoryCloud() *MemoryCloud {
	return &MemoryCloud{
		users: make(map[string]*cloudState),
		now:   time.Now,
	}
}

// SetFailFunc installs a hook consulted before every call. nil clears it.
func (m *MemoryCloud) SetFailFunc(fn FailFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// SetOffline makes every call, Ping included, fail with ErrUnreachable.
func (m *MemoryCloud) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// PushCalls returns how many PushChanges calls carried a signed-in identity.
func (m *MemoryCloud) PushCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushCalls
}

// LastPush returns the change set of the most recent PushChanges call.
func (m *MemoryCloud) LastPush() ChangeSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPush
}

// Count returns how many records of type t the user has, tombstones included.
func (m *MemoryCloud) Count(id Identity, t schema.EntityType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[id.UserID]
	if !ok {
		return 0
	}
	return len(st.records[t])
}

// Get returns a copy of the record stored under cloudID.
func (m *MemoryCloud) Get(id Identity, t schema.EntityType, cloudID string) (schema.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[id.UserID]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", t, cloudID, schema.ErrNotFound)
	}
	rec, ok := st.records[t][cloudID]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", t, cloudID, schema.ErrNotFound)
	}
	return schema.CloneRecord(rec)
}

// Put stores rec as written by another device and returns its cloud id. The
// record is stored as given, without the stale-version check.
func (m *MemoryCloud) Put(id Identity, rec schema.Record) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(id)
	meta := rec.SyncMeta()
	if meta.CloudID == "" {
		if existing, ok := st.byLocal[rec.EntityType()][meta.LocalID]; ok {
			meta.CloudID = existing
		} else {
			meta.CloudID = m.newID(rec.EntityType())
		}
	}
	if err := m.store(st, rec); err != nil {
		return "", err
	}
	return meta.CloudID, nil
}

// Ping implements Pinger.
func (m *MemoryCloud) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnreachable
	}
	return ctx.Err()
}

// PushChanges implements Transport.
func (m *MemoryCloud) PushChanges(ctx context.Context, id Identity, changes ChangeSet) (PushResult, error) {
	var res PushResult
	if id.IsZero() {
		return res, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "push", "", ""); err != nil {
		return res, err
	}
	m.pushCalls++
	m.lastPush = changes

	st := m.state(id)
	for _, ws := range changes.Workspaces {
		cloudID, err := m.create(st, ws)
		if err != nil {
			return PushResult{}, err
		}
		res.Workspaces = append(res.Workspaces, IDPair{LocalID: ws.LocalID, CloudID: cloudID})
	}
	for _, s := range changes.Sessions {
		cloudID, err := m.create(st, s)
		if err != nil {
			return PushResult{}, err
		}
		res.Sessions = append(res.Sessions, IDPair{LocalID: s.LocalID, CloudID: cloudID})
	}
	return res, nil
}

// GetFullState implements Transport.
func (m *MemoryCloud) GetFullState(ctx context.Context, id Identity) (Snapshot, error) {
	return m.snapshot(ctx, id, "state", time.Time{})
}

// GetChangesSince implements Transport.
func (m *MemoryCloud) GetChangesSince(ctx context.Context, id Identity, since time.Time) (Snapshot, error) {
	return m.snapshot(ctx, id, "changes", since)
}

// Create implements Transport.
func (m *MemoryCloud) Create(ctx context.Context, id Identity, rec schema.Record) (string, error) {
	if id.IsZero() {
		return "", nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "create", rec.EntityType(), rec.SyncMeta().LocalID); err != nil {
		return "", err
	}
	return m.create(m.state(id), rec)
}

// Update implements Transport.
func (m *MemoryCloud) Update(ctx context.Context, id Identity, cloudID string, rec schema.Record) error {
	if id.IsZero() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := rec.EntityType()
	if err := m.check(ctx, "update", t, cloudID); err != nil {
		return err
	}

	st := m.state(id)
	current, ok := st.records[t][cloudID]
	if !ok {
		return fmt.Errorf("%s %s: %w", t, cloudID, schema.ErrNotFound)
	}

	incoming, err := schema.CloneRecord(rec)
	if err != nil {
		return err
	}
	meta := incoming.SyncMeta()
	meta.CloudID = cloudID
	meta.LocalID = current.SyncMeta().LocalID
	meta.SyncStatus = ""
	m.resolveRefs(st, incoming)

	if !meta.UpdatedAt.After(current.SyncMeta().UpdatedAt) {
		if sameRecord(current, incoming) {
			return nil
		}
		snapshot, err := schema.CloneRecord(current)
		if err != nil {
			return err
		}
		return &ConflictError{EntityType: t, CloudID: cloudID, Current: snapshot}
	}

	st.records[t][cloudID] = incoming
	return nil
}

// Remove implements Transport.
func (m *MemoryCloud) Remove(ctx context.Context, id Identity, t schema.EntityType, cloudID string) error {
	if id.IsZero() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "remove", t, cloudID); err != nil {
		return err
	}
	st := m.state(id)
	rec, ok := st.records[t][cloudID]
	if !ok || rec.SyncMeta().IsTombstone() {
		return nil
	}
	rec.SyncMeta().MarkDeleted(m.now())
	rec.SyncMeta().SyncStatus = ""
	return nil
}

func (m *MemoryCloud) snapshot(ctx context.Context, id Identity, op string, since time.Time) (Snapshot, error) {
	var snap Snapshot
	if id.IsZero() {
		return snap, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, op, "", ""); err != nil {
		return snap, err
	}
	st, ok := m.users[id.UserID]
	if !ok {
		return snap, nil
	}

	for _, t := range schema.EntityTypes {
		recs := make([]schema.Record, 0, len(st.records[t]))
		for _, rec := range st.records[t] {
			if rec.SyncMeta().UpdatedAt.Before(since) {
				continue
			}
			c, err := schema.CloneRecord(rec)
			if err != nil {
				return Snapshot{}, err
			}
			recs = append(recs, c)
		}
		sort.Slice(recs, func(i, j int) bool {
			a, b := recs[i].SyncMeta(), recs[j].SyncMeta()
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
			return a.CloudID < b.CloudID
		})
		for _, rec := range recs {
			switch r := rec.(type) {
			case *schema.Workspace:
				snap.Workspaces = append(snap.Workspaces, r)
			case *schema.Session:
				snap.Sessions = append(snap.Sessions, r)
			case *schema.InboxMessage:
				snap.InboxMessages = append(snap.InboxMessages, r)
			case *schema.DiffComment:
				snap.DiffComments = append(snap.DiffComments, r)
			}
		}
	}
	return snap, nil
}

func (m *MemoryCloud) check(ctx context.Context, op string, t schema.EntityType, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.offline {
		return ErrUnreachable
	}
	if m.fail != nil {
		return m.fail(op, t, id)
	}
	return nil
}

func (m *MemoryCloud) state(id Identity) *cloudState {
	st, ok := m.users[id.UserID]
	if !ok {
		st = &cloudState{
			records: make(map[schema.EntityType]map[string]schema.Record),
			byLocal: make(map[schema.EntityType]map[string]string),
		}
		for _, t := range schema.EntityTypes {
			st.records[t] = make(map[string]schema.Record)
			st.byLocal[t] = make(map[string]string)
		}
		m.users[id.UserID] = st
	}
	return st
}

func (m *MemoryCloud) newID(t schema.EntityType) string {
	m.next++
	prefix := map[schema.EntityType]string{
		schema.EntityWorkspace:    "ws",
		schema.EntitySession:      "ses",
		schema.EntityInboxMessage: "msg",
		schema.EntityComment:      "cmt",
	}[t]
	return fmt.Sprintf("%s_%d", prefix, m.next)
}

func (m *MemoryCloud) create(st *cloudState, rec schema.Record) (string, error) {
	t := rec.EntityType()
	localID := rec.SyncMeta().LocalID
	if cloudID, ok := st.byLocal[t][localID]; ok {
		return cloudID, nil
	}
	stored, err := schema.CloneRecord(rec)
	if err != nil {
		return "", err
	}
	stored.SyncMeta().CloudID = m.newID(t)
	if err := m.store(st, stored); err != nil {
		return "", err
	}
	return stored.SyncMeta().CloudID, nil
}

func (m *MemoryCloud) store(st *cloudState, rec schema.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid %s: %w", rec.EntityType(), err)
	}
	stored, err := schema.CloneRecord(rec)
	if err != nil {
		return err
	}
	meta := stored.SyncMeta()
	meta.SyncStatus = ""
	m.resolveRefs(st, stored)
	st.records[stored.EntityType()][meta.CloudID] = stored
	st.byLocal[stored.EntityType()][meta.LocalID] = meta.CloudID
	return nil
}

// resolveRefs fills in cloud references from local ones the cloud has seen.
func (m *MemoryCloud) resolveRefs(st *cloudState, rec schema.Record) {
	lookup := func(t schema.EntityType, localID string) string {
		if localID == "" {
			return ""
		}
		return st.byLocal[t][localID]
	}
	switch r := rec.(type) {
	case *schema.Session:
		if r.WorkspaceCloudID == "" {
			r.WorkspaceCloudID = lookup(schema.EntityWorkspace, r.WorkspaceLocalID)
		}
	case *schema.InboxMessage:
		if r.SessionCloudID == "" {
			r.SessionCloudID = lookup(schema.EntitySession, r.SessionLocalID)
		}
	case *schema.DiffComment:
		if r.SessionCloudID == "" {
			r.SessionCloudID = lookup(schema.EntitySession, r.SessionLocalID)
		}
		if r.ParentCloudID == "" {
			r.ParentCloudID = lookup(schema.EntityComment, r.ParentLocalID)
		}
	}
}

func sameRecord(a, b schema.Record) bool {
	ea, errA := schema.EncodeRecord(a)
	eb, errB := schema.EncodeRecord(b)
	return errA == nil && errB == nil && bytes.Equal(ea, eb)
}
