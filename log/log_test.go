package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

// newTestLogger returns a Logger that writes JSON into buf.
func newTestLogger(buf *bytes.Buffer, level slog.Level) *Logger {
	h := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level})
	return NewWithHandler(h)
}

// ---------------------------------------------------------------------------
// Logger.Module
// ---------------------------------------------------------------------------

func TestLogger_Module(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, slog.LevelDebug)
	child := l.Module("archiver")

	child.Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v (raw: %s)", err, buf.String())
	}

	if entry["module"] != "archiver" {
		t.Fatalf("module = %v, want %q", entry["module"], "archiver")
	}
	if entry["msg"] != "hello" {
		t.Fatalf("msg = %v, want %q", entry["msg"], "hello")
	}
}

func TestLogger_ModuleChain(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, slog.LevelDebug)
	child := l.Module("archivertask").With("segmentIndex", 7)

	child.Info("segment archived")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v (raw: %s)", err, buf.String())
	}

	if entry["module"] != "archivertask" {
		t.Fatalf("module = %v, want %q", entry["module"], "archivertask")
	}
	if v, ok := entry["segmentIndex"].(float64); !ok || v != 7 {
		t.Fatalf("segmentIndex = %v, want 7", entry["segmentIndex"])
	}
}

// ---------------------------------------------------------------------------
// Logger levels
// ---------------------------------------------------------------------------

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		level  slog.Level
		logFn  func(l *Logger)
		expect bool // whether message should appear
	}{
		{slog.LevelInfo, func(l *Logger) { l.Debug("nope") }, false},
		{slog.LevelInfo, func(l *Logger) { l.Info("yes") }, true},
		{slog.LevelInfo, func(l *Logger) { l.Warn("yes") }, true},
		{slog.LevelInfo, func(l *Logger) { l.Error("yes") }, true},
		{slog.LevelWarn, func(l *Logger) { l.Info("nope") }, false},
		{slog.LevelWarn, func(l *Logger) { l.Warn("yes") }, true},
		{slog.LevelDebug, func(l *Logger) { l.Debug("yes") }, true},
	}

	for i, tt := range tests {
		var buf bytes.Buffer
		l := newTestLogger(&buf, tt.level)
		tt.logFn(l)

		got := buf.Len() > 0
		if got != tt.expect {
			t.Errorf("test %d: output=%v, want %v (level=%v, buf=%s)",
				i, got, tt.expect, tt.level, buf.String())
		}
	}
}

// ---------------------------------------------------------------------------
// Structured key-value args
// ---------------------------------------------------------------------------

func TestLogger_KeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, slog.LevelInfo)

	l.Info("segment archived", "segmentIndex", 100, "segmentRoot", "0xabc")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	// slog renders numbers as float64 in JSON.
	if v, ok := entry["segmentIndex"].(float64); !ok || v != 100 {
		t.Fatalf("segmentIndex = %v, want 100", entry["segmentIndex"])
	}
	if entry["segmentRoot"] != "0xabc" {
		t.Fatalf("segmentRoot = %v, want %q", entry["segmentRoot"], "0xabc")
	}
}

// ---------------------------------------------------------------------------
// Default logger
// ---------------------------------------------------------------------------

func TestDefaultLogger(t *testing.T) {
	// The package init() sets a default logger; verify it is not nil and
	// does not panic.
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}

	// Replace the default with a test logger and verify the package-level
	// functions use it.
	var buf bytes.Buffer
	l := newTestLogger(&buf, slog.LevelInfo)
	SetDefault(l)
	defer SetDefault(New(slog.LevelInfo)) // restore

	Info("test info", "k", "v")

	if !strings.Contains(buf.String(), "test info") {
		t.Fatalf("output missing 'test info': %s", buf.String())
	}

	// SetDefault(nil) should be a no-op.
	SetDefault(nil)
	if Default() != l {
		t.Fatal("SetDefault(nil) replaced the logger")
	}
}

// ---------------------------------------------------------------------------
// NewWithFormat / FormatterHandler
// ---------------------------------------------------------------------------

func TestNewWithFormat_Text(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithHandler(NewFormatterHandler(&buf, &TextFormatter{}, slog.LevelInfo))

	l.Module("archiver").Info("segment archived", "segmentIndex", 3)

	out := buf.String()
	if !strings.Contains(out, "INFO") || !strings.Contains(out, "segment archived") {
		t.Fatalf("unexpected text output: %q", out)
	}
	if !strings.Contains(out, "module=archiver") {
		t.Fatalf("missing module field in text output: %q", out)
	}
	if !strings.Contains(out, "segmentIndex=3") {
		t.Fatalf("missing segmentIndex field in text output: %q", out)
	}
}

func TestNewWithFormat_UnknownFallsBackToJSON(t *testing.T) {
	l := NewWithFormat(slog.LevelInfo, "nonsense")
	if l == nil {
		t.Fatal("NewWithFormat returned nil")
	}
}

func TestFormatterHandler_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	h := NewFormatterHandler(&buf, &TextFormatter{}, slog.LevelWarn)
	l := NewWithHandler(h)

	l.Info("should be dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected INFO to be filtered out by a WARN-level handler, got: %q", buf.String())
	}

	l.Warn("should appear")
	if buf.Len() == 0 {
		t.Fatal("expected WARN to pass the level filter")
	}
}

// ---------------------------------------------------------------------------
// Package-level functions
// ---------------------------------------------------------------------------

func TestPackageLevelFunctions(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, slog.LevelDebug)
	SetDefault(l)
	defer SetDefault(New(slog.LevelInfo))

	Debug("d")
	Info("i")
	Warn("w")
	Error("e")

	out := buf.String()
	for _, msg := range []string{"d", "i", "w", "e"} {
		if !strings.Contains(out, msg) {
			t.Errorf("missing message %q in output", msg)
		}
	}
}
