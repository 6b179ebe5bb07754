package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Format: JSONFormat, Level: WarnLevel, Output: &buf})

	logger.Debug("debug message", nil)
	logger.Info("info message", nil)
	logger.Warn("warn message", nil)
	logger.Error("error message", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines at warn level, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "warn message") {
		t.Errorf("first line should be the warn entry, got %q", lines[0])
	}
	if !strings.Contains(lines[1], "error message") {
		t.Errorf("second line should be the error entry, got %q", lines[1])
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Format: JSONFormat, Level: DebugLevel, Output: &buf})

	logger.Info("cache hit", map[string]interface{}{"key": "abc", "age": 5})

	var entry struct {
		Timestamp string                 `json:"timestamp"`
		Level     string                 `json:"level"`
		Message   string                 `json:"message"`
		Fields    map[string]interface{} `json:"fields"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry.Level != "info" {
		t.Errorf("Level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "cache hit" {
		t.Errorf("Message = %q, want %q", entry.Message, "cache hit")
	}
	if entry.Fields["key"] != "abc" {
		t.Errorf("Fields[key] = %v, want abc", entry.Fields["key"])
	}
}

func TestHumanFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Format: HumanFormat, Level: InfoLevel, Output: &buf})

	logger.Info("sweep complete", map[string]interface{}{"removed": 3, "elapsed": "12ms"})

	out := buf.String()
	if !strings.Contains(out, "[info]") {
		t.Errorf("human output should contain level marker, got %q", out)
	}
	if !strings.Contains(out, "sweep complete") {
		t.Errorf("human output should contain message, got %q", out)
	}
	// Keys are sorted, so elapsed comes before removed
	if strings.Index(out, "elapsed=") > strings.Index(out, "removed=") {
		t.Errorf("human output fields should be sorted by key, got %q", out)
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Format: JSONFormat, Level: InfoLevel, Output: &buf})
	child := logger.With(map[string]interface{}{"subsystem": "cache"})

	child.Info("entry stored", map[string]interface{}{"key": "k1"})

	out := buf.String()
	if !strings.Contains(out, `"subsystem":"cache"`) {
		t.Errorf("bound field missing from output: %q", out)
	}
	if !strings.Contains(out, `"key":"k1"`) {
		t.Errorf("call-site field missing from output: %q", out)
	}

	// Parent is unaffected by the child's bound fields
	buf.Reset()
	logger.Info("plain", nil)
	if strings.Contains(buf.String(), "subsystem") {
		t.Errorf("parent logger should not carry child fields: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{"error", ErrorLevel},
		{"verbose", InfoLevel},
		{"", InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
