package sync

import "github.com/agentdesk/agentdesk/internal/cloudsync/schema"

// Side names the winner of a conflict.
type Side int

const (
	Local Side = iota
	Remote
)

func (s Side) String() string {
	if s == Remote {
		return "remote"
	}
	return "local"
}

// Resolve picks the winning version of an entity by last-write-wins on
// UpdatedAt. A strictly newer local version wins; on an exact tie the remote
// version wins. The same rule applies to every entity type, on push and on
// pull.
func Resolve(local, remote *schema.Meta) Side {
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return Local
	}
	return Remote
}

// ResolveEntity returns the winning record in full, DeletedAt included.
func ResolveEntity(local, remote schema.Record) schema.Record {
	if Resolve(local.SyncMeta(), remote.SyncMeta()) == Local {
		return local
	}
	return remote
}
