package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"error":   slog.LevelError,
		"WARNING": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"Info":    slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewTextSinkFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Writer: &buf, Level: "warning"})

	logger.Info("hidden")
	logger.Warn("shown", "lease", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "lease=3") {
		t.Fatalf("expected warn line, got %s", out)
	}
}

func TestNewJSONSink(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Writer: &buf, JSON: true})
	logger.Info("fetched", "count", 2)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON line: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "fetched" || entry["app"] != "rhubarbe" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestOpenFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "monitor.log")

	logger, closer, err := OpenFile(path, "info")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	logger.Info("first")
	closer.Close()

	logger, closer, err = OpenFile(path, "info")
	if err != nil {
		t.Fatalf("OpenFile again: %v", err)
	}
	logger.Info("second")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "first") || !strings.Contains(string(data), "second") {
		t.Fatalf("expected both lines, got %s", data)
	}
}

func TestOpenFileRequiresPath(t *testing.T) {
	if _, _, err := OpenFile("", "info"); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
