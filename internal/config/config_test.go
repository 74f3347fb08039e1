package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.CloudURL != MemoryURL {
		t.Errorf("CloudURL = %q, want %q", cfg.CloudURL, MemoryURL)
	}
	if cfg.ReconnectDebounce != 2*time.Second {
		t.Errorf("ReconnectDebounce = %v, want 2s", cfg.ReconnectDebounce)
	}
	if cfg.PullInterval != time.Minute {
		t.Errorf("PullInterval = %v, want 1m", cfg.PullInterval)
	}
	if cfg.IdentityFile != filepath.Join(dir, "identity.json") {
		t.Errorf("IdentityFile = %q", cfg.IdentityFile)
	}
	if cfg.DBPath() != filepath.Join(dir, "agentdesk.db") {
		t.Errorf("DBPath() = %q", cfg.DBPath())
	}
	if !cfg.AutoDrain {
		t.Error("AutoDrain should default to true")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `cloud_url: https://cloud.example.com
pull_interval: 5m
reconnect_debounce: 500ms
dashboard_addr: 127.0.0.1:9999
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENTDESK_PULL_INTERVAL", "30s")
	t.Setenv("AGENTDESK_USER_ID", "alice")
	t.Setenv("AGENTDESK_TOKEN", "secret")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.CloudURL != "https://cloud.example.com" {
		t.Errorf("CloudURL = %q", cfg.CloudURL)
	}
	if cfg.ReconnectDebounce != 500*time.Millisecond {
		t.Errorf("ReconnectDebounce = %v, want 500ms", cfg.ReconnectDebounce)
	}
	if cfg.PullInterval != 30*time.Second {
		t.Errorf("PullInterval = %v, want the env override 30s", cfg.PullInterval)
	}
	if cfg.DashboardAddr != "127.0.0.1:9999" {
		t.Errorf("DashboardAddr = %q", cfg.DashboardAddr)
	}
	if cfg.UserID != "alice" || cfg.Token != "secret" {
		t.Errorf("identity = %q/%q, want alice/secret", cfg.UserID, cfg.Token)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad scheme", "cloud_url: ftp://example.com\n", "scheme"},
		{"missing host", "cloud_url: https://\n", "missing host"},
		{"negative debounce", "reconnect_debounce: -1s\n", "reconnect_debounce"},
		{"zero probe", "probe_interval: 0s\n", "probe_interval"},
		{"token without user", "token: abc\n", "set together"},
		{"malformed yaml", "cloud_url: [\n", "failed to read config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(dir)
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	path, err := WriteDefault(dir)
	if err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("cloud_url: http://127.0.0.1:8787\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A second call keeps the edited file.
	if _, err := WriteDefault(dir); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.CloudURL != "http://127.0.0.1:8787" {
		t.Errorf("CloudURL = %q, want the edited value", cfg.CloudURL)
	}
}

func TestDefaultConfigFileLoads(t *testing.T) {
	dir := t.TempDir()
	if _, err := WriteDefault(dir); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}
	if _, err := Load(dir); err != nil {
		t.Errorf("Load(default file) failed: %v", err)
	}
}
