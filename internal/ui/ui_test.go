package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestColorDisabledForBuffers(t *testing.T) {
	if ColorEnabled(&bytes.Buffer{}) {
		t.Error("ColorEnabled(buffer) = true, want false")
	}
}

func TestRenderPlain(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	if got := RenderStatus("error"); got != "error" {
		t.Errorf("RenderStatus(error) = %q, want plain text without a color profile", got)
	}
	if got := RenderPass("✓"); got != "✓" {
		t.Errorf("RenderPass() = %q", got)
	}
}

func TestTable(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	out := Table(
		[]string{"ID", "OPERATION"},
		[][]string{
			{"1", "create"},
			{"1234", "update"},
		},
	)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out)
	}
	for _, line := range lines[1:] {
		if idx := strings.Index(line, "create"); idx >= 0 && idx != 6 {
			t.Errorf("create starts at column %d, want 6:\n%s", idx, out)
		}
		if idx := strings.Index(line, "update"); idx >= 0 && idx != 6 {
			t.Errorf("update starts at column %d, want 6:\n%s", idx, out)
		}
	}
	if !strings.HasPrefix(lines[0], "ID    OPERATION") {
		t.Errorf("header = %q", lines[0])
	}
}
