package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("info", "text", &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("run finished", "status", "PASS")
	out := buf.String()
	if !strings.Contains(out, "run finished") || !strings.Contains(out, "status=PASS") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("info", "json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("sweep level", "n", 2)
	out := buf.String()
	if !strings.Contains(out, `"msg":"sweep level"`) || !strings.Contains(out, `"n":2`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("warn", "text", &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestRejectsUnknownFormat(t *testing.T) {
	if _, err := NewWithWriter("info", "xml", &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"loud", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("dropped")
}
