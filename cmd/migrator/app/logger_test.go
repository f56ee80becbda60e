package app

import (
	"testing"

	"github.com/rs/zerolog"
)

// TestDetermineLogLevel tests the log level precedence logic.
func TestDetermineLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		config   *Config
		expected string
	}{
		{
			name:     "default level when no flags set",
			config:   &Config{},
			expected: "info",
		},
		{
			name:     "verbose flag sets debug",
			config:   &Config{Verbose: true},
			expected: "debug",
		},
		{
			name:     "quiet flag sets warn",
			config:   &Config{Quiet: true},
			expected: "warn",
		},
		{
			name:     "explicit log-level overrides verbose",
			config:   &Config{LogLevel: "error", Verbose: true},
			expected: "error",
		},
		{
			name:     "explicit log-level overrides quiet",
			config:   &Config{LogLevel: "trace", Quiet: true},
			expected: "trace",
		},
		{
			name:     "both verbose and quiet prefers quiet",
			config:   &Config{Verbose: true, Quiet: true},
			expected: "warn",
		},
		{
			name:     "run file level applies without flags",
			config:   &Config{FileLogLevel: "warn"},
			expected: "warn",
		},
		{
			name:     "verbose overrides run file level",
			config:   &Config{FileLogLevel: "error", Verbose: true},
			expected: "debug",
		},
		{
			name:     "invalid log level falls back to info",
			config:   &Config{LogLevel: "loud"},
			expected: "info",
		},
		{
			name:     "invalid run file level falls back to info",
			config:   &Config{FileLogLevel: "chatty"},
			expected: "info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := determineLogLevel(tt.config); got != tt.expected {
				t.Errorf("determineLogLevel() = %q, want %q", got, tt.expected)
			}
		})
	}
}

// TestNewLogger verifies the logger honours the resolved level.
func TestNewLogger(t *testing.T) {
	logger := NewLogger(&Config{Quiet: true, LogFormat: "json", LogOutput: "stderr"})
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Errorf("logger level = %v, want warn", logger.GetLevel())
	}

	logger = NewLogger(&Config{LogLevel: "trace", LogFormat: "json", LogOutput: "stderr"})
	if logger.GetLevel() != zerolog.TraceLevel {
		t.Errorf("logger level = %v, want trace", logger.GetLevel())
	}
}
