package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerFiltersByLevel(t *testing.T) {
	var a, b bytes.Buffer
	log := newLogger(zerolog.WarnLevel, &a, &b)

	log.Info().Msg("hidden")
	log.Warn().Str("source", "mic").Msg("Input overflow")

	for name, buf := range map[string]*bytes.Buffer{"first": &a, "second": &b} {
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 1 {
			t.Fatalf("%s writer: expected 1 line, got %d: %q", name, len(lines), buf.String())
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
			t.Fatalf("%s writer: %v", name, err)
		}
		if entry["message"] != "Input overflow" || entry["source"] != "mic" {
			t.Fatalf("%s writer: unexpected entry %v", name, entry)
		}
		if _, ok := entry["time"]; !ok {
			t.Fatalf("%s writer: missing timestamp", name)
		}
		if _, ok := entry["caller"]; !ok {
			t.Fatalf("%s writer: missing caller", name)
		}
	}
}

func TestNewWithLevelRejectsUnknownLevel(t *testing.T) {
	if _, err := NewWithLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewWithLevelWritesLogFile(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("LOCALAPPDATA", t.TempDir())

	log, err := NewWithLevel("debug")
	if err != nil {
		t.Fatalf("NewWithLevel: %v", err)
	}
	if log.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}
	if filepath.Base(LogPath()) != "hearsay.log" {
		t.Fatalf("unexpected log path %q", LogPath())
	}
}
