package logger

import (
	"log/slog"
	"os"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo}, // default
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"invalid", slog.LevelInfo}, // fallback to default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ParseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSetupWriter(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   *os.File
	}{
		{"stdout output", Config{Output: "stdout"}, os.Stdout},
		{"stderr output", Config{Output: "stderr"}, os.Stderr},
		{"default output", Config{Output: ""}, os.Stdout},
		{"file output without filename falls back to stdout", Config{Output: "file"}, os.Stdout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := SetupWriter(tt.config)
			if writer != tt.want {
				t.Errorf("SetupWriter(%+v) = %v, want %v", tt.config, writer, tt.want)
			}
		})
	}
}

func TestSetupWriter_FileOutputRotatesThroughLumberjack(t *testing.T) {
	writer := SetupWriter(Config{Output: "file", Filename: "/tmp/orchestrator-test.log", MaxSize: 10, MaxBackups: 3, MaxAge: 7})
	if writer == os.Stdout || writer == os.Stderr {
		t.Error("expected a rotating writer, got a bare stream")
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "text", ""} {
		t.Run(format, func(t *testing.T) {
			logger := NewLogger(Config{Level: "info", Format: format, Output: "stdout"})
			if logger == nil {
				t.Fatal("NewLogger returned nil")
			}
			logger.Info("test message", "key", "value")
		})
	}
}

func TestNewLogger_DebugLevelEnablesDebugRecords(t *testing.T) {
	logger := NewLogger(Config{Level: "debug", Format: "json", Output: "stdout"})
	if !logger.Enabled(nil, slog.LevelDebug) {
		t.Error("expected debug level to be enabled")
	}
}
