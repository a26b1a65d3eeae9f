package utils

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, level LogLevel, format LogFormat) (*StructuredLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  level,
		Output: &buf,
		Format: format,
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger, &buf
}

func TestNewStructuredLogger(t *testing.T) {
	logger, _ := newTestLogger(t, DEBUG, FormatText)
	if logger.GetLevel() != DEBUG {
		t.Errorf("Expected DEBUG level, got %v", logger.GetLevel())
	}

	if _, err := NewStructuredLogger(&StructuredLoggerConfig{Level: LogLevel(9)}); err == nil {
		t.Error("Expected error for invalid level")
	}
}

func TestLogLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message was logged when level is INFO")
	}

	logger.Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Error("Info message content not found in output")
	}

	buf.Reset()
	logger.SetLevel(ERROR)
	logger.Warn("warn message")
	if buf.Len() > 0 {
		t.Error("Warn message was logged when level is ERROR")
	}
}

func TestJSONFormatWithFields(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatJSON)

	logger.WithComponent("sync").Info("cycle complete", map[string]interface{}{
		"changes": 3,
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	if entry["message"] != "cycle complete" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["component"] != "sync" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["changes"] != float64(3) {
		t.Errorf("changes = %v", entry["changes"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v", entry["level"])
	}
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatJSON)

	_ = logger.WithField("tier", "remote")
	logger.Info("plain")

	if strings.Contains(buf.String(), "remote") {
		t.Error("parent logger picked up child field")
	}
}

func TestComponentLevel(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatJSON)
	logger.SetComponentLevel("memmon", WARN)

	mon := logger.WithComponent("memmon")
	mon.Info("sample taken")
	if buf.Len() > 0 {
		t.Error("component level should suppress info")
	}

	mon.Warn("heap high")
	if !strings.Contains(buf.String(), "heap high") {
		t.Error("component warn should be logged")
	}
}

func TestLogSink(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatJSON)

	logger.Log(WARN, "codec", "checksum mismatch", map[string]interface{}{"key": "a"})

	out := buf.String()
	for _, want := range []string{`"component":"codec"`, `"key":"a"`, `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Error("nothing happens")
	logger.WithComponent("x").Info("still nothing")
}
