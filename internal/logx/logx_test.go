package logx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

// TestNewLoggerWritesJSONFile — файл логов всегда в JSON, даже в pretty-режиме
func TestNewLoggerWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	logger, err := NewLogger("debug", true, LogRotationConfig{Filename: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("NewLogger() failed: %v", err)
	}
	logger.Debug("dispatch cycle finished")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	line := strings.TrimSpace(strings.Split(string(raw), "\n")[0])

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("file log is not JSON: %q", line)
	}
	if entry["msg"] != "dispatch cycle finished" || entry["ts"] == nil {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNewLoggerUnknownLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	logger, err := NewLogger("loud", false, LogRotationConfig{Filename: path})
	if err != nil {
		t.Fatalf("NewLogger() failed: %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug must be disabled after fallback to info")
	}
	_ = logger.Sync()

	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), "unknown log level") {
		t.Errorf("fallback warning not logged: %s", raw)
	}
}
