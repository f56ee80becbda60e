package app

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/agentstation/migrator/internal/config"
)

// Config holds the CLI settings: global flags plus the logging environment.
// The run file itself is loaded by internal/config when a command needs it.
type Config struct {
	// Global flags
	Verbose bool
	Quiet   bool
	NoColor bool
	Format  string

	// ConfigFile is the run file path (--config or MIGRATOR_CONFIG).
	ConfigFile string

	// Logging configuration
	LogLevel  string
	LogFormat string
	LogOutput string

	// FileLogLevel is log.level from the run file. It ranks below -v/-q.
	FileLogLevel string
}

// LoadConfig loads the CLI settings in order of precedence:
// 1. Command-line flags (handled by cobra)
// 2. Environment variables
// 3. .env files in the working directory
// 4. Defaults
func LoadConfig() (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, envs := range map[string][]string{
		"log_level":  {"MIGRATOR_LOG_LEVEL", "LOG_LEVEL"},
		"log_format": {"MIGRATOR_LOG_FORMAT", "LOG_FORMAT"},
		"log_output": {"MIGRATOR_LOG_OUTPUT", "LOG_OUTPUT"},
	} {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, err
		}
	}
	v.SetDefault("log_format", "auto")
	v.SetDefault("log_output", "stderr")

	return &Config{
		Format:     v.GetString("format"),
		NoColor:    v.GetBool("no_color"),
		ConfigFile: v.GetString("config"),
		LogLevel:   v.GetString("log_level"),
		LogFormat:  v.GetString("log_format"),
		LogOutput:  v.GetString("log_output"),
	}, nil
}

// UpdateFromFlags updates config values from parsed command flags.
// This should be called after cobra parses flags to ensure flag
// values take precedence over env vars.
func (c *Config) UpdateFromFlags(verbose, quiet, noColor bool, format, logLevel string) {
	c.Verbose = verbose
	c.Quiet = quiet
	c.NoColor = noColor
	if format != "" {
		c.Format = format
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
}

// applyRunFile fills logging settings the run file carries and the
// environment left unset.
func (c *Config) applyRunFile(run *config.Config) {
	c.FileLogLevel = run.Log.Level
	if run.Log.Format != "" && c.LogFormat == "auto" {
		c.LogFormat = run.Log.Format
	}
	if run.Log.Output != "" && c.LogOutput == "stderr" {
		c.LogOutput = run.Log.Output
	}
}

// loadEnvFiles loads environment variables from .env files. godotenv never
// overrides a set variable, so .env.local is loaded first.
func loadEnvFiles() {
	for _, envFile := range []string{".env.local", ".env"} {
		_ = godotenv.Load(envFile)
	}
}
