package sync

import (
	"fmt"
	"log"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
	"github.com/agentdesk/agentdesk/internal/cloudsync/transport"
)

// Registry selects the synchronizer for an entity type.
type Registry map[schema.EntityType]Synchronizer

// NewRegistry returns a registry holding the synchronizers of all four
// entity types.
func NewRegistry(store LocalStore, tr transport.Transport, logger *log.Logger) Registry {
	r := Registry{}
	for _, s := range []Synchronizer{
		NewWorkspaceSynchronizer(store, tr, logger),
		NewSessionSynchronizer(store, tr, logger),
		NewInboxSynchronizer(store, tr, logger),
		NewCommentSynchronizer(store, tr, logger),
	} {
		r[s.EntityType()] = s
	}
	return r
}

// Lookup returns the synchronizer for t.
func (r Registry) Lookup(t schema.EntityType) (Synchronizer, error) {
	s, ok := r[t]
	if !ok {
		return nil, invalidPayload(fmt.Errorf("no synchronizer for entity type %q", t))
	}
	return s, nil
}
