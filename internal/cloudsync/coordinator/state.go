package coordinator

import (
	"fmt"
	"time"
)

// Status is the aggregate sync status shown to the user.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// State is the observable state of a Coordinator. It is never persisted.
type State struct {
	Status       Status     `json:"status" yaml:"status"`
	LastSyncAt   *time.Time `json:"lastSyncAt,omitempty" yaml:"lastSyncAt,omitempty"`
	PendingCount int        `json:"pendingCount" yaml:"pendingCount"`
	Error        string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// clone returns a copy that shares no pointers with s.
func (s State) clone() State {
	if s.LastSyncAt != nil {
		t := *s.LastSyncAt
		s.LastSyncAt = &t
	}
	return s
}

// String renders the state on one line, e.g. "error: 2 pending (2 item(s) failed to sync)".
func (s State) String() string {
	out := fmt.Sprintf("%s: %d pending", s.Status, s.PendingCount)
	if s.Error != "" {
		out += " (" + s.Error + ")"
	}
	return out
}

func failureSummary(n int) string {
	return fmt.Sprintf("%d item(s) failed to sync", n)
}
