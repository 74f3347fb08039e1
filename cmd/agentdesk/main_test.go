package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentdesk/agentdesk/internal/cloudsync/coordinator"
	"github.com/agentdesk/agentdesk/internal/cloudsync/db"
	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
	"github.com/agentdesk/agentdesk/internal/cloudsync/transport"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		expr    string
		want    time.Time
		wantErr bool
	}{
		{expr: "2026-03-09T08:00:00Z", want: time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)},
		{expr: "2 hours ago", want: now.Add(-2 * time.Hour)},
		{expr: "in 2 hours", wantErr: true},
		{expr: "not a time", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := parseSince(tt.expr, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseSince(%q) = %v, want error", tt.expr, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSince(%q) failed: %v", tt.expr, err)
			}
			if d := got.Sub(tt.want); d < -time.Minute || d > time.Minute {
				t.Errorf("parseSince(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestNewTransport(t *testing.T) {
	tr, err := newTransport("memory://")
	if err != nil {
		t.Fatalf("newTransport(memory) failed: %v", err)
	}
	if _, ok := tr.(*transport.MemoryCloud); !ok {
		t.Errorf("memory:// gave %T, want *transport.MemoryCloud", tr)
	}

	tr, err = newTransport("https://cloud.example.com")
	if err != nil {
		t.Fatalf("newTransport(https) failed: %v", err)
	}
	if _, ok := tr.(*transport.HTTPClient); !ok {
		t.Errorf("https:// gave %T, want *transport.HTTPClient", tr)
	}

	if _, err := newTransport("ftp://example.com"); err == nil {
		t.Error("newTransport(ftp) should fail")
	}
}

func TestWriteStatus(t *testing.T) {
	last := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	report := statusReport{
		Source:   "local",
		User:     "alice",
		CloudURL: "memory://",
		Database: "/tmp/agentdesk.db",
		State: coordinator.State{
			Status:       coordinator.StatusError,
			LastSyncAt:   &last,
			PendingCount: 2,
			Error:        "2 item(s) failed to sync",
		},
		Records: []recordCount{{Type: schema.EntityWorkspace, Total: 3, Pending: 2}},
	}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := writeStatus(&buf, "json", report); err != nil {
			t.Fatalf("writeStatus() failed: %v", err)
		}
		var got statusReport
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("output is not JSON: %v", err)
		}
		if got.State.PendingCount != 2 || got.State.Status != coordinator.StatusError {
			t.Errorf("state = %+v", got.State)
		}
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		if err := writeStatus(&buf, "yaml", report); err != nil {
			t.Fatalf("writeStatus() failed: %v", err)
		}
		var got map[string]any
		if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("output is not YAML: %v", err)
		}
		if got["user"] != "alice" {
			t.Errorf("user = %v, want alice", got["user"])
		}
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		if err := writeStatus(&buf, "text", report); err != nil {
			t.Fatalf("writeStatus() failed: %v", err)
		}
		out := buf.String()
		for _, want := range []string{"Pending:   2", "2 item(s) failed to sync", "workspace"} {
			if !strings.Contains(out, want) {
				t.Errorf("text output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		if err := writeStatus(&bytes.Buffer{}, "xml", report); err == nil {
			t.Error("writeStatus(xml) should fail")
		}
	})
}

func TestCLIRoundTrip(t *testing.T) {
	dir := t.TempDir()

	if err := run(t, "init", "--config-dir", dir); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := run(t, "cloud", "sync", "--config-dir", dir); err == nil {
		t.Error("sync before login should fail")
	}
	if err := run(t, "cloud", "login", "--config-dir", dir, "--user", "alice", "--token", "t"); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	record := filepath.Join(dir, "ws.json")
	if err := os.WriteFile(record, []byte(`{"localId":"ws-1","name":"api","folder":"/src/api"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := run(t, "cloud", "save", "workspace", "--config-dir", dir, "-f", record); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := run(t, "cloud", "enqueue", "workspace", "delete", "ws-gone", "--config-dir", dir, "-f", ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := run(t, "cloud", "queue", "--config-dir", dir); err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if err := run(t, "cloud", "status", "--config-dir", dir, "--format", "json"); err != nil {
		t.Fatalf("status failed: %v", err)
	}

	store, err := db.Open(filepath.Join(dir, "agentdesk.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	n, err := store.QueueCount(context.Background())
	store.Close()
	if err != nil || n != 2 {
		t.Fatalf("QueueCount() = %d, %v; want 2", n, err)
	}

	if err := run(t, "cloud", "sync", "--config-dir", dir); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	store, err = db.Open(filepath.Join(dir, "agentdesk.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()
	if n, _ := store.QueueCount(context.Background()); n != 0 {
		t.Errorf("QueueCount() after sync = %d, want 0", n)
	}
	if _, ok, _ := store.ResolveCloudID(context.Background(), schema.EntityWorkspace, "ws-1"); !ok {
		t.Error("ws-1 should be mapped after sync")
	}

	if err := run(t, "cloud", "logout", "--config-dir", dir); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "identity.json")); !os.IsNotExist(err) {
		t.Errorf("identity file still present: %v", err)
	}
}

func TestWorkspaceAndSessionAdd(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	repo := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"symbolic-ref", "HEAD", "refs/heads/develop"},
		{"-c", "user.name=Test User", "-c", "user.email=test@example.com", "-c", "commit.gpgsign=false",
			"commit", "--allow-empty", "-m", "initial"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}

	if err := run(t, "workspace", "add", repo, "--config-dir", dir, "--name", "api"); err != nil {
		t.Fatalf("workspace add failed: %v", err)
	}

	ctx := context.Background()
	store, err := db.Open(filepath.Join(dir, "agentdesk.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()

	recs, err := store.ListRecords(ctx, schema.EntityWorkspace)
	if err != nil || len(recs) != 1 {
		t.Fatalf("ListRecords(workspace) = %d, %v; want 1", len(recs), err)
	}
	ws := recs[0].(*schema.Workspace)
	if ws.Name != "api" || ws.OriginBranch != "develop" {
		t.Errorf("workspace = %+v, want name api on develop", ws)
	}

	if err := run(t, "session", "add", ws.LocalID, repo, "--config-dir", dir, "--name", "fix-bug"); err != nil {
		t.Fatalf("session add failed: %v", err)
	}
	recs, err = store.ListRecords(ctx, schema.EntitySession)
	if err != nil || len(recs) != 1 {
		t.Fatalf("ListRecords(session) = %d, %v; want 1", len(recs), err)
	}
	s := recs[0].(*schema.Session)
	if s.WorkspaceLocalID != ws.LocalID {
		t.Errorf("WorkspaceLocalID = %q, want %q", s.WorkspaceLocalID, ws.LocalID)
	}
	if len(s.BaseCommit) != 40 {
		t.Errorf("BaseCommit = %q, want a commit hash", s.BaseCommit)
	}
	if n, _ := store.QueueCount(ctx); n != 2 {
		t.Errorf("QueueCount() = %d, want 2", n)
	}

	if err := run(t, "session", "add", ws.LocalID, t.TempDir(), "--config-dir", dir, "--name", "x"); err == nil {
		t.Error("session add outside the repository should fail")
	}
}
