package sync

import (
	"errors"
	"fmt"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
)

var (
	// ErrTransport wraps any failure reported by the transport. The item
	// stays queued and is retried on the next drain.
	ErrTransport = errors.New("transport error")

	// ErrIdentity means nobody is signed in. Callers treat it as a no-op.
	ErrIdentity = errors.New("no signed-in identity")

	// ErrMapping means a record references a local entity that has no cloud
	// id: an update for something never created remotely, or a child pushed
	// before its parent. It points at an ordering bug, not a transient fault.
	ErrMapping = errors.New("missing id mapping")

	// ErrInvalidPayload means a record failed validation.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Kind classifies sync errors.
type Kind int

const (
	KindNone Kind = iota
	KindTransport
	KindIdentity
	KindMapping
	KindInvalidPayload
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransport:
		return "transport"
	case KindIdentity:
		return "identity"
	case KindMapping:
		return "mapping"
	case KindInvalidPayload:
		return "invalid_payload"
	}
	return "other"
}

// Classify returns the kind of err.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrMapping):
		return KindMapping
	case errors.Is(err, ErrIdentity):
		return KindIdentity
	case errors.Is(err, ErrInvalidPayload):
		return KindInvalidPayload
	case errors.Is(err, ErrTransport):
		return KindTransport
	}
	return KindOther
}

// ItemError ties a failure to the queue item that caused it.
type ItemError struct {
	Item *schema.QueueItem
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Item.Operation, e.Item.EntityType, e.Item.EntityID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

func transportError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

func mappingError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMapping}, args...)...)
}

func invalidPayload(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
}
