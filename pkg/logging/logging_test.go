package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name          string
		config        Config
		expectedLevel zapcore.Level
		wantErr       bool
	}{
		{"default level is info", Config{}, zapcore.InfoLevel, false},
		{"debug level", Config{Level: "debug"}, zapcore.DebugLevel, false},
		{"warn level json", Config{Level: "warn", Format: "json"}, zapcore.WarnLevel, false},
		{"error level logfmt", Config{Level: "error", Format: "LOGFMT"}, zapcore.ErrorLevel, false},
		{"unknown format", Config{Format: "xml"}, zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			core := logger.Core()
			if !core.Enabled(tt.expectedLevel) {
				t.Errorf("expected level %v to be enabled", tt.expectedLevel)
			}
			if tt.expectedLevel > zapcore.DebugLevel && core.Enabled(tt.expectedLevel-1) {
				t.Errorf("expected level %v to be disabled", tt.expectedLevel-1)
			}
		})
	}
}

func TestEncoders(t *testing.T) {
	t.Run("logfmt", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zap.New(newCore(Config{}, zapcore.AddSync(&buf)))
		logger.Info("database refreshed", zap.Uint64("version", 3))
		_ = logger.Sync()

		line := buf.String()
		if !strings.Contains(line, `msg="database refreshed"`) || !strings.Contains(line, "version=3") {
			t.Fatalf("unexpected logfmt output %q", line)
		}
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zap.New(newCore(Config{Format: FormatJSON}, zapcore.AddSync(&buf)))
		logger.Warn("filter not ready so request passed through")
		_ = logger.Sync()

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
		}
		if entry["level"] != "warn" || entry["msg"] != "filter not ready so request passed through" {
			t.Fatalf("unexpected entry %v", entry)
		}
		if _, ok := entry["time"]; !ok {
			t.Fatal("expected a time field")
		}
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"unknown", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if level := parseLevel(tt.input); level != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, level, tt.expected)
			}
		})
	}
}
