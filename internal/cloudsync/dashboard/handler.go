package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/agentdesk/agentdesk/internal/cloudsync/coordinator"
	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
)

// StateSource is the part of the coordinator the dashboard watches.
type StateSource interface {
	State() coordinator.State
	Subscribe(fn func(coordinator.State)) (unsubscribe func())
}

// QueueLister lists pending mutations.
type QueueLister interface {
	ListQueue(ctx context.Context) ([]*schema.QueueItem, error)
}

// QueueItemData is one pending mutation as shown on the dashboard.
type QueueItemData struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Operation  string    `json:"operation"`
	CreatedAt  time.Time `json:"created_at"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
}

// QueueData contains the pending mutations in push order.
type QueueData struct {
	Items []QueueItemData `json:"items"`
}

// Handler subscribes to a coordinator and turns state changes into
// dashboard messages.
type Handler struct {
	server *Server
	source StateSource
	queue  QueueLister
	logger *log.Logger

	mu          sync.Mutex
	lastPending int
	unsubscribe func()
}

// NewHandler creates a handler feeding server from source. queue may be
// nil, in which case no queue messages are sent.
func NewHandler(server *Server, source StateSource, queue QueueLister, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{
		server:      server,
		source:      source,
		queue:       queue,
		logger:      logger,
		lastPending: -1,
	}
}

// Attach starts broadcasting state changes and registers the connect
// snapshot with the server.
func (h *Handler) Attach() {
	h.server.SetSnapshot(h.snapshot)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsubscribe == nil {
		h.unsubscribe = h.source.Subscribe(h.OnState)
	}
}

// Detach stops broadcasting.
func (h *Handler) Detach() {
	h.mu.Lock()
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	h.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// OnState broadcasts a state change.
func (h *Handler) OnState(state coordinator.State) {
	msg, ok := h.stateMessage(state)
	if !ok {
		return
	}
	h.server.Broadcast(msg)

	h.mu.Lock()
	changed := state.PendingCount != h.lastPending
	h.lastPending = state.PendingCount
	h.mu.Unlock()

	if changed {
		if msg, ok := h.queueMessage(); ok {
			h.server.Broadcast(msg)
		}
	}
}

func (h *Handler) snapshot() []Message {
	var msgs []Message
	if msg, ok := h.stateMessage(h.source.State()); ok {
		msgs = append(msgs, msg)
	}
	if msg, ok := h.queueMessage(); ok {
		msgs = append(msgs, msg)
	}
	return msgs
}

func (h *Handler) stateMessage(state coordinator.State) (Message, bool) {
	data, err := json.Marshal(state)
	if err != nil {
		h.logger.Printf("Failed to marshal sync state: %v", err)
		return Message{}, false
	}
	return Message{
		Type:      MessageTypeSyncState,
		Timestamp: time.Now(),
		Data:      data,
	}, true
}

func (h *Handler) queueMessage() (Message, bool) {
	if h.queue == nil {
		return Message{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	items, err := h.queue.ListQueue(ctx)
	if err != nil {
		h.logger.Printf("Failed to list queue: %v", err)
		return Message{}, false
	}

	data := QueueData{Items: make([]QueueItemData, 0, len(items))}
	for _, item := range items {
		data.Items = append(data.Items, QueueItemData{
			ID:         item.ID,
			EntityType: string(item.EntityType),
			EntityID:   item.EntityID,
			Operation:  string(item.Operation),
			CreatedAt:  item.CreatedAt,
			Attempts:   item.Attempts,
			LastError:  item.LastError,
		})
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal queue: %v", err)
		return Message{}, false
	}
	return Message{
		Type:      MessageTypeQueue,
		Timestamp: time.Now(),
		Data:      dataJSON,
	}, true
}
