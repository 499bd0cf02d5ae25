package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected hclog.Level
	}{
		{"trace", hclog.Trace},
		{"debug", hclog.Debug},
		{"info", hclog.Info},
		{"warn", hclog.Warn},
		{"error", hclog.Error},
		{"unknown", hclog.Info},
		{"", hclog.Info},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Name: "test", Level: "debug", Format: "json"}, &buf)

	l.Info("became leader", "term", 3, "node", "n1")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["@message"] != "became leader" {
		t.Errorf("message = %v", entry["@message"])
	}
	if entry["node"] != "n1" {
		t.Errorf("node field = %v", entry["node"])
	}
	if entry["@module"] != "test" {
		t.Errorf("module = %v", entry["@module"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "warn"}, &buf)

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message should be filtered: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn message missing: %q", out)
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	l := New(Config{Output: path})
	l.Info("hello")
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l := NewNop()
	if OrNop(l) != l {
		t.Error("OrNop should return the given logger")
	}
}
