package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
)

// newTestServer serves a MemoryCloud through NewHandler.
func newTestServer(t *testing.T) (*MemoryCloud, *HTTPClient) {
	t.Helper()
	cloud := NewMemoryCloud()
	srv := httptest.NewServer(NewHandler(cloud, nil))
	t.Cleanup(srv.Close)
	client := NewHTTPClient(srv.URL, srv.Client())
	client.SetRetryPolicy(2, time.Millisecond, 5*time.Millisecond)
	return cloud, client
}

func TestHTTPClient_RoundTrip(t *testing.T) {
	cloud, client := newTestServer(t)
	ctx := context.Background()

	res, err := client.PushChanges(ctx, alice, ChangeSet{
		Workspaces: []*schema.Workspace{workspace("ws-1", 10)},
		Sessions:   []*schema.Session{session("s-1", "ws-1", 11)},
	})
	if err != nil {
		t.Fatalf("PushChanges() failed: %v", err)
	}
	if len(res.Workspaces) != 1 || len(res.Sessions) != 1 {
		t.Fatalf("PushChanges() = %+v", res)
	}
	if cloud.PushCalls() != 1 {
		t.Errorf("PushCalls() = %d, want 1", cloud.PushCalls())
	}

	msg := &schema.InboxMessage{
		Meta:           schema.Meta{LocalID: "m-1", UpdatedAt: time.UnixMilli(12).UTC()},
		SessionLocalID: "s-1",
		SessionCloudID: res.Sessions[0].CloudID,
		Message:        "needs review",
		CreatedAt:      time.UnixMilli(12).UTC(),
	}
	msgID, err := client.Create(ctx, alice, msg)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	snap, err := client.GetFullState(ctx, alice)
	if err != nil {
		t.Fatalf("GetFullState() failed: %v", err)
	}
	if snap.Len() != 3 {
		t.Fatalf("GetFullState() = %d records, want 3", snap.Len())
	}
	if snap.InboxMessages[0].CloudID != msgID {
		t.Errorf("message cloud id = %q, want %q", snap.InboxMessages[0].CloudID, msgID)
	}

	changes, err := client.GetChangesSince(ctx, alice, time.UnixMilli(11))
	if err != nil {
		t.Fatalf("GetChangesSince() failed: %v", err)
	}
	if changes.Len() != 2 {
		t.Errorf("GetChangesSince() = %d records, want 2", changes.Len())
	}

	if err := client.Remove(ctx, alice, schema.EntityInboxMessage, msgID); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	rec, err := cloud.Get(alice, schema.EntityInboxMessage, msgID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !rec.SyncMeta().IsTombstone() {
		t.Error("Remove() did not tombstone the message")
	}

	if err := client.Ping(ctx); err != nil {
		t.Errorf("Ping() failed: %v", err)
	}
}

func TestHTTPClient_Conflict(t *testing.T) {
	_, client := newTestServer(t)
	ctx := context.Background()

	cloudID, err := client.Create(ctx, alice, workspace("ws-1", 200))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	stale := workspace("ws-1", 100)
	stale.Name = "stale"
	err = client.Update(ctx, alice, cloudID, stale)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Update() error = %v, want *ConflictError", err)
	}
	if conflict.CloudID != cloudID {
		t.Errorf("CloudID = %q, want %q", conflict.CloudID, cloudID)
	}
	if conflict.Current == nil || conflict.Current.SyncMeta().UpdatedAt.UnixMilli() != 200 {
		t.Errorf("Current = %+v, want version at 200", conflict.Current)
	}
}

func TestHTTPClient_NotFound(t *testing.T) {
	_, client := newTestServer(t)

	err := client.Update(context.Background(), alice, "ws_404", workspace("ws-1", 1))
	if !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("Update(unknown) error = %v, want ErrNotFound", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Errorf("error = %v, want HTTP 404", err)
	}
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") != "Bearer t-alice" || r.Header.Get(userHeader) != "alice" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, Snapshot{})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, srv.Client())
	client.SetRetryPolicy(3, time.Millisecond, 5*time.Millisecond)

	if _, err := client.GetFullState(context.Background(), alice); err != nil {
		t.Fatalf("GetFullState() failed: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestHTTPClient_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "internal", Message: "down"})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, srv.Client())
	client.SetRetryPolicy(2, time.Millisecond, 5*time.Millisecond)

	_, err := client.GetFullState(context.Background(), alice)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("GetFullState() error = %v, want HTTP 500", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestHTTPClient_ZeroIdentitySendsNothing(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, srv.Client())
	ctx := context.Background()
	if _, err := client.PushChanges(ctx, Identity{}, ChangeSet{}); err != nil {
		t.Errorf("PushChanges() failed: %v", err)
	}
	if _, err := client.GetChangesSince(ctx, Identity{}, time.Now()); err != nil {
		t.Errorf("GetChangesSince() failed: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("server saw %d calls, want 0", calls.Load())
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"-1", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.header); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}
