package app

import (
	"testing"

	"github.com/agentstation/migrator/internal/config"
)

// TestLoadConfig verifies basic config loading.
func TestLoadConfig(t *testing.T) {
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("MIGRATOR_LOG_FORMAT", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if cfg.LogFormat == "" {
		t.Error("LogFormat not set to default")
	}
}

// TestConfig_EnvironmentVariables verifies environment variable loading.
func TestConfig_EnvironmentVariables(t *testing.T) {
	t.Setenv("MIGRATOR_CONFIG", "/etc/migrator/run.yaml")
	t.Setenv("MIGRATOR_FORMAT", "yaml")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MIGRATOR_LOG_OUTPUT", "stdout")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if cfg.ConfigFile != "/etc/migrator/run.yaml" {
		t.Errorf("ConfigFile = %s, want /etc/migrator/run.yaml", cfg.ConfigFile)
	}
	if cfg.Format != "yaml" {
		t.Errorf("Format = %s, want yaml", cfg.Format)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.LogOutput != "stdout" {
		t.Errorf("LogOutput = %s, want stdout", cfg.LogOutput)
	}
}

// TestConfig_UpdateFromFlags verifies flags take precedence.
func TestConfig_UpdateFromFlags(t *testing.T) {
	cfg := &Config{Format: "json", LogLevel: "info"}

	cfg.UpdateFromFlags(true, false, true, "", "")
	if !cfg.Verbose || !cfg.NoColor {
		t.Error("boolean flags not applied")
	}
	if cfg.Format != "json" || cfg.LogLevel != "info" {
		t.Error("empty flags overrode existing values")
	}

	cfg.UpdateFromFlags(false, true, false, "table", "warn")
	if cfg.Format != "table" || cfg.LogLevel != "warn" || !cfg.Quiet {
		t.Errorf("flags not applied: %+v", cfg)
	}
}

// TestConfig_ApplyRunFile verifies the run file only fills unset logging settings.
func TestConfig_ApplyRunFile(t *testing.T) {
	run := config.Default()
	run.Log = config.LogConfig{Level: "warn", Format: "json", Output: "/var/log/migrator.log"}

	cfg := &Config{LogFormat: "auto", LogOutput: "stdout"}
	cfg.applyRunFile(run)

	if cfg.FileLogLevel != "warn" {
		t.Errorf("FileLogLevel = %s, want warn", cfg.FileLogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %s, want json", cfg.LogFormat)
	}
	if cfg.LogOutput != "stdout" {
		t.Errorf("LogOutput = %s, want stdout (set by the environment)", cfg.LogOutput)
	}
}
