package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
)

// setupTestDB opens a fresh store with the schema applied.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "agentdesk.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

func testWorkspace(id string, updated int64) *schema.Workspace {
	return &schema.Workspace{
		Meta:         schema.Meta{LocalID: id, UpdatedAt: time.UnixMilli(updated).UTC()},
		Name:         "ws " + id,
		Folder:       "/src/" + id,
		OriginBranch: "main",
		CreatedAt:    time.UnixMilli(updated).UTC(),
	}
}

func TestInitSchema_Tables(t *testing.T) {
	store := setupTestDB(t)

	tables := []string{"workspaces", "sessions", "inbox_messages", "diff_comments", "sync_queue", "id_map"}
	for _, name := range tables {
		var count int
		err := store.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", name, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", name)
		}
	}

	if err := store.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestQueue_FIFO(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	// Same timestamp on every item: order must come from enqueue order.
	created := time.UnixMilli(1000).UTC()
	ids := []string{"c", "a", "b"}
	for _, id := range ids {
		item := &schema.QueueItem{
			ID:         id,
			EntityType: schema.EntityWorkspace,
			EntityID:   "ws-" + id,
			Operation:  schema.OpCreate,
			Payload:    testWorkspace("ws-"+id, 1000),
			CreatedAt:  created,
		}
		if err := store.Enqueue(ctx, item); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
	}

	items, err := store.ListQueue(ctx)
	if err != nil {
		t.Fatalf("ListQueue() failed: %v", err)
	}
	if len(items) != len(ids) {
		t.Fatalf("ListQueue() returned %d items, want %d", len(items), len(ids))
	}
	for i, item := range items {
		if item.ID != ids[i] {
			t.Errorf("items[%d].ID = %q, want %q", i, item.ID, ids[i])
		}
		ws, ok := item.Payload.(*schema.Workspace)
		if !ok {
			t.Fatalf("items[%d].Payload is %T, want *schema.Workspace", i, item.Payload)
		}
		if ws.LocalID != item.EntityID {
			t.Errorf("payload localId = %q, want %q", ws.LocalID, item.EntityID)
		}
	}
}

func TestEnqueue_GeneratesID(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	item := &schema.QueueItem{
		EntityType: schema.EntityWorkspace,
		EntityID:   "ws-1",
		Operation:  schema.OpDelete,
	}
	if err := store.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if item.ID == "" {
		t.Error("Enqueue() did not assign an id")
	}
	if item.CreatedAt.IsZero() {
		t.Error("Enqueue() did not set CreatedAt")
	}
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name string
		item *schema.QueueItem
	}{
		{"create without payload", &schema.QueueItem{EntityType: schema.EntityWorkspace, EntityID: "ws-1", Operation: schema.OpCreate}},
		{"payload type mismatch", &schema.QueueItem{EntityType: schema.EntitySession, EntityID: "ws-1", Operation: schema.OpCreate, Payload: testWorkspace("ws-1", 1)}},
		{"payload id mismatch", &schema.QueueItem{EntityType: schema.EntityWorkspace, EntityID: "ws-2", Operation: schema.OpUpdate, Payload: testWorkspace("ws-1", 1)}},
		{"unknown operation", &schema.QueueItem{EntityType: schema.EntityWorkspace, EntityID: "ws-1", Operation: "upsert"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.Enqueue(ctx, tt.item); err == nil {
				t.Error("Enqueue() succeeded, want error")
			}
		})
	}

	count, err := store.QueueCount(ctx)
	if err != nil {
		t.Fatalf("QueueCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("QueueCount() = %d, want 0", count)
	}
}

func TestQueue_RemoveAndMarkAttempt(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"q1", "q2"} {
		item := &schema.QueueItem{ID: id, EntityType: schema.EntityWorkspace, EntityID: "ws-1", Operation: schema.OpDelete}
		if err := store.Enqueue(ctx, item); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	if err := store.MarkAttempt(ctx, "q2", errors.New("boom")); err != nil {
		t.Fatalf("MarkAttempt() failed: %v", err)
	}
	if err := store.MarkAttempt(ctx, "q2", errors.New("boom again")); err != nil {
		t.Fatalf("MarkAttempt() failed: %v", err)
	}
	if err := store.RemoveQueueItem(ctx, "q1"); err != nil {
		t.Fatalf("RemoveQueueItem() failed: %v", err)
	}

	items, err := store.ListQueue(ctx)
	if err != nil {
		t.Fatalf("ListQueue() failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != "q2" {
		t.Fatalf("ListQueue() = %v, want only q2", items)
	}
	if items[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", items[0].Attempts)
	}
	if items[0].LastError != "boom again" {
		t.Errorf("LastError = %q, want %q", items[0].LastError, "boom again")
	}

	if err := store.RemoveQueueItem(ctx, "missing"); !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("RemoveQueueItem(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.MarkAttempt(ctx, "missing", nil); !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("MarkAttempt(missing) error = %v, want ErrNotFound", err)
	}
}

func TestQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentdesk.db")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	item := &schema.QueueItem{EntityType: schema.EntityWorkspace, EntityID: "ws-1", Operation: schema.OpCreate, Payload: testWorkspace("ws-1", 5)}
	if err := store.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reopened.Close()

	count, err := reopened.QueueCount(ctx)
	if err != nil {
		t.Fatalf("QueueCount() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("QueueCount() after reopen = %d, want 1", count)
	}
}

func TestRecordCloudID(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	if err := store.UpsertRecord(ctx, testWorkspace("ws-1", 100)); err != nil {
		t.Fatalf("UpsertRecord() failed: %v", err)
	}

	if _, ok, err := store.ResolveCloudID(ctx, schema.EntityWorkspace, "ws-1"); err != nil || ok {
		t.Fatalf("ResolveCloudID() before record = (%v, %v), want unmapped", ok, err)
	}

	if err := store.RecordCloudID(ctx, schema.EntityWorkspace, "ws-1", "cloud-1"); err != nil {
		t.Fatalf("RecordCloudID() failed: %v", err)
	}
	// Same pair again is a no-op.
	if err := store.RecordCloudID(ctx, schema.EntityWorkspace, "ws-1", "cloud-1"); err != nil {
		t.Errorf("RecordCloudID() repeat failed: %v", err)
	}
	if err := store.RecordCloudID(ctx, schema.EntityWorkspace, "ws-1", "cloud-2"); !errors.Is(err, ErrCloudIDConflict) {
		t.Errorf("RecordCloudID() with new cloud id error = %v, want ErrCloudIDConflict", err)
	}
	if err := store.RecordCloudID(ctx, schema.EntityWorkspace, "ws-2", "cloud-1"); !errors.Is(err, ErrCloudIDConflict) {
		t.Errorf("RecordCloudID() reusing cloud id error = %v, want ErrCloudIDConflict", err)
	}
	// Types have separate id spaces.
	if err := store.RecordCloudID(ctx, schema.EntitySession, "ws-1", "cloud-1"); err != nil {
		t.Errorf("RecordCloudID() for another type failed: %v", err)
	}

	cloudID, ok, err := store.ResolveCloudID(ctx, schema.EntityWorkspace, "ws-1")
	if err != nil || !ok || cloudID != "cloud-1" {
		t.Errorf("ResolveCloudID() = (%q, %v, %v), want cloud-1", cloudID, ok, err)
	}
	localID, ok, err := store.ResolveLocalID(ctx, schema.EntityWorkspace, "cloud-1")
	if err != nil || !ok || localID != "ws-1" {
		t.Errorf("ResolveLocalID() = (%q, %v, %v), want ws-1", localID, ok, err)
	}

	rec, err := store.GetRecord(ctx, schema.EntityWorkspace, "ws-1")
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if rec.SyncMeta().CloudID != "cloud-1" {
		t.Errorf("row cloud id = %q, want cloud-1", rec.SyncMeta().CloudID)
	}
}

func TestUpsertRecord_RoundTrip(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	line := 42
	comment := &schema.DiffComment{
		Meta:           schema.Meta{LocalID: "c-1", UpdatedAt: time.UnixMilli(200).UTC()},
		SessionLocalID: "s-1",
		FilePath:       "main.go",
		LineNumber:     &line,
		Author:         "user",
		Content:        "rename this",
		Status:         schema.CommentOpen,
	}
	comment.MarkDeleted(time.UnixMilli(300))

	if err := store.UpsertRecord(ctx, comment); err != nil {
		t.Fatalf("UpsertRecord() failed: %v", err)
	}

	rec, err := store.GetRecord(ctx, schema.EntityComment, "c-1")
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	got := rec.(*schema.DiffComment)
	if got.Content != "rename this" || got.LineNumber == nil || *got.LineNumber != 42 {
		t.Errorf("GetRecord() = %+v, fields lost", got)
	}
	if !got.IsTombstone() {
		t.Error("tombstone lost on round trip")
	}
	if got.UpdatedAt.UnixMilli() != 300 {
		t.Errorf("UpdatedAt = %d, want 300", got.UpdatedAt.UnixMilli())
	}
	if got.SyncStatus != schema.StatusPending {
		t.Errorf("SyncStatus = %q, want pending", got.SyncStatus)
	}

	if _, err := store.GetRecord(ctx, schema.EntityComment, "nope"); !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("GetRecord(nope) error = %v, want ErrNotFound", err)
	}
}

func TestUpsertRecord_KeepsCloudID(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	ws := testWorkspace("ws-1", 100)
	if err := store.UpsertRecord(ctx, ws); err != nil {
		t.Fatalf("UpsertRecord() failed: %v", err)
	}
	if err := store.RecordCloudID(ctx, schema.EntityWorkspace, "ws-1", "cloud-1"); err != nil {
		t.Fatalf("RecordCloudID() failed: %v", err)
	}

	// A later local edit built from a stale copy carries no cloud id.
	edit := testWorkspace("ws-1", 200)
	edit.Name = "renamed"
	if err := store.UpsertRecord(ctx, edit); err != nil {
		t.Fatalf("UpsertRecord() failed: %v", err)
	}

	rec, err := store.GetRecord(ctx, schema.EntityWorkspace, "ws-1")
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if rec.SyncMeta().CloudID != "cloud-1" {
		t.Errorf("CloudID = %q, want cloud-1", rec.SyncMeta().CloudID)
	}
	if rec.(*schema.Workspace).Name != "renamed" {
		t.Errorf("Name = %q, want renamed", rec.(*schema.Workspace).Name)
	}
}

func TestListUnmapped(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	deleted := testWorkspace("ws-3", 100)
	deleted.MarkDeleted(time.UnixMilli(150))
	for _, rec := range []schema.Record{testWorkspace("ws-1", 100), testWorkspace("ws-2", 110), deleted} {
		if err := store.UpsertRecord(ctx, rec); err != nil {
			t.Fatalf("UpsertRecord() failed: %v", err)
		}
	}
	if err := store.RecordCloudID(ctx, schema.EntityWorkspace, "ws-1", "cloud-1"); err != nil {
		t.Fatalf("RecordCloudID() failed: %v", err)
	}

	recs, err := store.ListUnmapped(ctx, schema.EntityWorkspace)
	if err != nil {
		t.Fatalf("ListUnmapped() failed: %v", err)
	}
	if len(recs) != 1 || recs[0].SyncMeta().LocalID != "ws-2" {
		t.Errorf("ListUnmapped() = %d records, want only ws-2", len(recs))
	}

	all, err := store.ListRecords(ctx, schema.EntityWorkspace)
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListRecords() = %d records, want 3", len(all))
	}
}

func TestMarkSynced_OnlyPushedVersion(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	pushed := testWorkspace("ws-1", 100)
	if err := store.UpsertRecord(ctx, pushed); err != nil {
		t.Fatalf("UpsertRecord() failed: %v", err)
	}
	if err := store.UpsertRecord(ctx, testWorkspace("ws-1", 200)); err != nil {
		t.Fatalf("UpsertRecord() failed: %v", err)
	}

	if err := store.MarkSynced(ctx, pushed); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	total, pending, err := store.RecordCount(ctx, schema.EntityWorkspace)
	if err != nil {
		t.Fatalf("RecordCount() failed: %v", err)
	}
	if total != 1 || pending != 1 {
		t.Errorf("RecordCount() = (%d, %d), want (1, 1)", total, pending)
	}
}

func TestSaveAndEnqueue(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	ws := testWorkspace("ws-1", 100)
	item := &schema.QueueItem{EntityType: schema.EntityWorkspace, EntityID: "ws-1", Operation: schema.OpCreate, Payload: ws}
	if err := store.SaveAndEnqueue(ctx, ws, item); err != nil {
		t.Fatalf("SaveAndEnqueue() failed: %v", err)
	}
	if _, err := store.GetRecord(ctx, schema.EntityWorkspace, "ws-1"); err != nil {
		t.Errorf("GetRecord() failed: %v", err)
	}
	if n, _ := store.QueueCount(ctx); n != 1 {
		t.Errorf("QueueCount() = %d, want 1", n)
	}

	t.Run("failed enqueue leaves no row", func(t *testing.T) {
		other := testWorkspace("ws-2", 200)
		bad := &schema.QueueItem{EntityType: schema.EntityWorkspace, EntityID: "ws-2", Operation: "rename", Payload: other}
		if err := store.SaveAndEnqueue(ctx, other, bad); err == nil {
			t.Fatal("SaveAndEnqueue() with an invalid item should fail")
		}
		if _, err := store.GetRecord(ctx, schema.EntityWorkspace, "ws-2"); !errors.Is(err, schema.ErrNotFound) {
			t.Errorf("GetRecord(ws-2) error = %v, want ErrNotFound", err)
		}
		if n, _ := store.QueueCount(ctx); n != 1 {
			t.Errorf("QueueCount() = %d, want 1", n)
		}
	})
}
