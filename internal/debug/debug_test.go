package debug

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestWithDebug(t *testing.T) {
	if IsEnabled(context.Background()) {
		t.Error("IsEnabled should return false by default")
	}
	if !IsEnabled(WithDebug(context.Background(), true)) {
		t.Error("IsEnabled should return true when debug is enabled")
	}
	if IsEnabled(WithDebug(context.Background(), false)) {
		t.Error("IsEnabled should return false when debug is disabled")
	}
}

func TestSetupLoggerLevels(t *testing.T) {
	SetupLoggerTo(&bytes.Buffer{}, true, "")
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should enable debug level logging")
	}

	SetupLoggerTo(&bytes.Buffer{}, false, "")
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("non-debug should disable debug level logging")
	}
	if !slog.Default().Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn level should stay enabled")
	}
}

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLoggerTo(&buf, false, "JSON")
	logger.Warn("send failed", "conversation", "C1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "send failed" || line["conversation"] != "C1" || line["app"] != "crmsync" {
		t.Errorf("line = %v", line)
	}
}
