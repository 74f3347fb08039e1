package logging

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerPrefix(t *testing.T) {
	var buf bytes.Buffer
	out, err := NewOutput(Options{Console: &buf})
	if err != nil {
		t.Fatalf("NewOutput() failed: %v", err)
	}
	defer out.Close()

	out.Logger("coordinator").Printf("Signed in as %s", "alice")

	if !strings.Contains(buf.String(), "[coordinator] ") {
		t.Errorf("output %q missing prefix", buf.String())
	}
	if !strings.Contains(buf.String(), "Signed in as alice") {
		t.Errorf("output %q missing message", buf.String())
	}
}

func TestOutputTeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agentdesk.log")
	var buf bytes.Buffer

	out, err := NewOutput(Options{File: path, Console: &buf})
	if err != nil {
		t.Fatalf("NewOutput() failed: %v", err)
	}
	out.Logger("sync").Println("pushed 3 items")
	if err := out.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if !strings.Contains(string(data), "[sync] pushed 3 items") {
		t.Errorf("log file = %q", data)
	}
	if !strings.Contains(buf.String(), "[sync] pushed 3 items") {
		t.Errorf("console = %q", buf.String())
	}
}

func TestFileOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentdesk.log")
	out, err := NewOutput(Options{File: path, Console: io.Discard})
	if err != nil {
		t.Fatalf("NewOutput() failed: %v", err)
	}
	defer out.Close()

	if _, err := out.Writer().Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Errorf("log file not written: %v", err)
	}
}
