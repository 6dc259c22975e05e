package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"phishguard/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWritesJSONToFileAndRedacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phishguard.log")
	logger, closeFn, err := New(config.LoggingConfig{Level: "debug", Format: "json", File: path})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("signed", "url", "http://example.com/", "mac", "c2VjcmV0")
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.Contains(line, `"msg":"signed"`) || !strings.Contains(line, `"url":"http://example.com/"`) {
		t.Errorf("unexpected log line: %s", line)
	}
	if strings.Contains(line, "c2VjcmV0") {
		t.Errorf("mac written to log: %s", line)
	}
}
