package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/agentdesk/agentdesk/internal/cloudsync/coordinator"
	"github.com/agentdesk/agentdesk/internal/cloudsync/db"
	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
	"github.com/agentdesk/agentdesk/internal/cloudsync/transport"
)

var quiet = log.New(io.Discard, "", 0)

type fixture struct {
	server *Server
	http   *httptest.Server
	coord  *coordinator.Coordinator
	store  *db.DB
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "agentdesk.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	config := coordinator.DefaultConfig()
	config.Logger = quiet
	coord, err := coordinator.NewWithConfig(store, transport.NewMemoryCloud(), config)
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: quiet})
	handler := NewHandler(server, coord, store, quiet)
	handler.Attach()
	t.Cleanup(handler.Detach)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.Stop()
		ts.Close()
	})

	return &fixture{server: server, http: ts, coord: coord, store: store}
}

func (f *fixture) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	deadline := time.Now().Add(2 * time.Second)
	for f.server.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

// readUntil reads messages until match returns true.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, match func(Message) bool) Message {
	t.Helper()
	for {
		msg := readMessage(t, ctx, conn)
		if match(msg) {
			return msg
		}
	}
}

func decodeState(t *testing.T, msg Message) coordinator.State {
	t.Helper()
	var state coordinator.State
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	return state
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: quiet})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.Addr(); strings.HasSuffix(addr, ":0") {
		t.Errorf("Addr() = %s, want the bound port", addr)
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketSnapshotOnConnect(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncState {
		t.Fatalf("first message type = %s, want %s", msg.Type, MessageTypeSyncState)
	}
	if state := decodeState(t, msg); state.Status != coordinator.StatusIdle {
		t.Errorf("Status = %s, want idle", state.Status)
	}

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeQueue {
		t.Fatalf("second message type = %s, want %s", msg.Type, MessageTypeQueue)
	}
}

func TestWebSocketBroadcastsStateChanges(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	readMessage(t, ctx, conn) // sync_state snapshot
	readMessage(t, ctx, conn) // queue snapshot

	if err := f.coord.SignIn(ctx, transport.Identity{UserID: "alice", Token: "t"}); err != nil {
		t.Fatalf("SignIn() failed: %v", err)
	}
	readUntil(t, ctx, conn, func(m Message) bool {
		return m.Type == MessageTypeSyncState && decodeState(t, m).Status == coordinator.StatusSyncing
	})

	ws := &schema.Workspace{
		Meta:   schema.Meta{LocalID: "ws-1", UpdatedAt: schema.Millis(time.Now())},
		Name:   "api",
		Folder: "/src/api",
	}
	ws.SetDefaults()
	if err := f.coord.QueueMutation(ctx, schema.EntityWorkspace, "ws-1", schema.OpCreate, ws); err != nil {
		t.Fatalf("QueueMutation() failed: %v", err)
	}

	msg := readUntil(t, ctx, conn, func(m Message) bool { return m.Type == MessageTypeQueue })
	var queue QueueData
	if err := json.Unmarshal(msg.Data, &queue); err != nil {
		t.Fatalf("Failed to decode queue: %v", err)
	}
	if len(queue.Items) != 1 || queue.Items[0].EntityID != "ws-1" {
		t.Errorf("queue = %+v, want the ws-1 create", queue.Items)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := setup(t)

	resp, err := http.Get(f.http.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestStateEndpoint(t *testing.T) {
	f := setup(t)

	resp, err := http.Get(f.http.URL + "/state")
	if err != nil {
		t.Fatalf("GET /state failed: %v", err)
	}
	defer resp.Body.Close()

	var msgs []Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Type != MessageTypeSyncState {
		t.Fatalf("state = %+v, want sync_state and queue", msgs)
	}
	if state := decodeState(t, msgs[0]); state.PendingCount != 0 {
		t.Errorf("PendingCount = %d, want 0", state.PendingCount)
	}
}
