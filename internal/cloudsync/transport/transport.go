// Package transport is the boundary between the sync engine and the cloud
// store.
//
// Transport is consumed by the engine; this package also ships two
// implementations of it: HTTPClient, which talks JSON over HTTP to a cloud
// endpoint, and MemoryCloud, an in-process cloud used by tests and by the
// memory:// URL. NewHandler serves any Transport over HTTP so the two can be
// wired back to back.
//
// Every call is scoped by an Identity. A zero Identity means nobody is signed
// in: calls return empty results and perform no writes, they never fail.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
)

// Identity is the signed-in user as seen by the cloud. The token is opaque.
type Identity struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// IsZero reports whether nobody is signed in.
func (id Identity) IsZero() bool {
	return id.UserID == ""
}

// ChangeSet is the payload of a bulk push. Workspaces are created before
// sessions so a session's workspaceLocalId can be resolved in the same call.
type ChangeSet struct {
	Workspaces []*schema.Workspace `json:"workspaces"`
	Sessions   []*schema.Session   `json:"sessions"`
}

// Empty reports whether there is nothing to push.
func (c ChangeSet) Empty() bool {
	return len(c.Workspaces) == 0 && len(c.Sessions) == 0
}

// IDPair is one local id with the cloud id assigned to it.
type IDPair struct {
	LocalID string `json:"localId"`
	CloudID string `json:"cloudId"`
}

// PushResult lists the cloud ids assigned by a bulk push.
type PushResult struct {
	Workspaces []IDPair `json:"workspaces"`
	Sessions   []IDPair `json:"sessions"`
}

// Snapshot is a set of remote records, either the full state of a user or
// the changes since a point in time. Records carry their cloud id and the
// cloud ids of the records they reference.
type Snapshot struct {
	Workspaces    []*schema.Workspace    `json:"workspaces"`
	Sessions      []*schema.Session      `json:"sessions"`
	InboxMessages []*schema.InboxMessage `json:"inboxMessages"`
	DiffComments  []*schema.DiffComment  `json:"diffComments"`
}

// Len returns the number of records in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Workspaces) + len(s.Sessions) + len(s.InboxMessages) + len(s.DiffComments)
}

// Records flattens the snapshot in dependency order. A reply comes after its
// parent comment when both are in the snapshot.
func (s Snapshot) Records() []schema.Record {
	recs := make([]schema.Record, 0, s.Len())
	for _, r := range s.Workspaces {
		recs = append(recs, r)
	}
	for _, r := range s.Sessions {
		recs = append(recs, r)
	}
	for _, r := range s.InboxMessages {
		recs = append(recs, r)
	}
	for _, r := range parentsFirst(s.DiffComments) {
		recs = append(recs, r)
	}
	return recs
}

func parentsFirst(comments []*schema.DiffComment) []*schema.DiffComment {
	byCloudID := make(map[string]*schema.DiffComment, len(comments))
	for _, c := range comments {
		if c.CloudID != "" {
			byCloudID[c.CloudID] = c
		}
	}

	out := make([]*schema.DiffComment, 0, len(comments))
	placed := make(map[*schema.DiffComment]bool, len(comments))
	var place func(c *schema.DiffComment)
	place = func(c *schema.DiffComment) {
		if placed[c] {
			return
		}
		placed[c] = true
		if parent, ok := byCloudID[c.ParentCloudID]; ok && c.ParentCloudID != "" {
			place(parent)
		}
		out = append(out, c)
	}
	for _, c := range comments {
		place(c)
	}
	return out
}

// Transport is the cloud API used by the sync engine.
type Transport interface {
	// PushChanges creates every workspace and session in changes that the
	// cloud does not know yet and returns the cloud ids of all of them.
	// Records already known by local id are not created twice.
	PushChanges(ctx context.Context, id Identity, changes ChangeSet) (PushResult, error)

	// GetFullState returns every record of the user, tombstones included.
	GetFullState(ctx context.Context, id Identity) (Snapshot, error)

	// GetChangesSince returns records with updatedAt >= since.
	GetChangesSince(ctx context.Context, id Identity, since time.Time) (Snapshot, error)

	// Create stores rec and returns its cloud id. Creating a record whose
	// local id the cloud has already seen returns the existing cloud id.
	Create(ctx context.Context, id Identity, rec schema.Record) (string, error)

	// Update replaces the record stored under cloudID. If the cloud holds a
	// version at least as new as rec it returns a *ConflictError carrying
	// that version.
	Update(ctx context.Context, id Identity, cloudID string, rec schema.Record) error

	// Remove tombstones the record stored under cloudID. Removing an unknown
	// record succeeds.
	Remove(ctx context.Context, id Identity, t schema.EntityType, cloudID string) error
}

// Pinger is implemented by transports that can check reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrConflict matches every *ConflictError.
var ErrConflict = errors.New("version conflict")

// ConflictError reports that the cloud rejected an update because it holds
// a version at least as new. Current is that version when the cloud sent it.
type ConflictError struct {
	EntityType schema.EntityType
	CloudID    string
	Current    schema.Record
}

func (e *ConflictError) Error() string {
	if e.CloudID == "" {
		return "version conflict"
	}
	return fmt.Sprintf("version conflict for %s %s", e.EntityType, e.CloudID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// HTTPError is a non-2xx response that is not a conflict.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is lets callers match 404 responses against schema.ErrNotFound.
func (e *HTTPError) Is(target error) bool {
	return target == schema.ErrNotFound && e.StatusCode == 404
}
