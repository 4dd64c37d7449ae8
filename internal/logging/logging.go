package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New creates a zerolog logger with console and file output at info level.
func New() (zerolog.Logger, error) {
	return NewWithLevel("info")
}

// NewWithLevel creates a zerolog logger with console and file output. The
// console goes to stderr so stdout stays free for raw audio.
func NewWithLevel(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("logging: %w", err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	logPath := LogPath()

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return zerolog.Nop(), fmt.Errorf("logging: create log directory: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("logging: open log file: %w", err)
	}

	return newLogger(lvl, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}, logFile), nil
}

func newLogger(lvl zerolog.Level, writers ...io.Writer) zerolog.Logger {
	// Multi-writer: console + file
	multi := zerolog.MultiLevelWriter(writers...)
	return zerolog.New(multi).Level(lvl).With().Timestamp().Caller().Logger()
}

// LogPath returns the platform-specific log file path
func LogPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Logs"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/state"
		}
	}

	return filepath.Join(base, "hearsay", "hearsay.log")
}
