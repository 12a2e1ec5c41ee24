package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWithContextAddsRunID(t *testing.T) {
	var buf bytes.Buffer
	prev := Slog()
	defer Set(prev)
	Set(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := ContextWithRunID(context.Background(), "run-123")
	InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if rec["run_id"] != "run-123" {
		t.Errorf("expected run_id=run-123, got %v", rec["run_id"])
	}
	if rec["msg"] != "hello" {
		t.Errorf("expected msg=hello, got %v", rec["msg"])
	}
}

func TestInitJSON(t *testing.T) {
	var buf bytes.Buffer
	prev := Slog()
	prevDefault := slog.Default()
	defer func() {
		Set(prev)
		slog.SetDefault(prevDefault)
	}()

	l := Init(Options{Level: "warn", JSON: true, Output: &buf})
	l.Info("dropped")
	l.Warn("kept")

	out := buf.String()
	if bytes.Contains([]byte(out), []byte("dropped")) {
		t.Errorf("info line should be filtered at warn level: %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("kept")) {
		t.Errorf("warn line missing: %q", out)
	}
}
