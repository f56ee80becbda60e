package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentstation/migrator/pkg/constants"
)

// Config describes a logger.
type Config struct {
	Level      string // trace, debug, info, warn, error, off
	Format     string // json, console, or auto (console on a terminal)
	Output     string // stderr, stdout, discard, or a file path
	TimeFormat string // kitchen, rfc3339, rfc3339nano, unix, or a Go layout
	NoColor    bool
	AddCaller  bool

	// Fields are attached to every event.
	Fields map[string]any
}

// NewLoggerFromConfig builds a logger from cfg and makes its level the
// global zerolog level. Debug and trace loggers always report the caller.
func NewLoggerFromConfig(cfg *Config) zerolog.Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	c := zerolog.New(cfg.writer()).Level(level).With().Timestamp()
	if cfg.AddCaller || level <= zerolog.DebugLevel {
		c = c.Caller()
	}
	for k, v := range cfg.Fields {
		c = addField(c, k, v)
	}
	return c.Logger()
}

func (cfg *Config) writer() io.Writer {
	var out io.Writer
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	case "discard", "none":
		out = io.Discard
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, constants.FilePermissions)
		if err != nil {
			out = os.Stderr
		} else {
			out = f
		}
	}

	switch strings.ToLower(cfg.Format) {
	case "console", "pretty":
	case "", "auto":
		if out != os.Stderr || !isTerminal() {
			return out
		}
	default:
		return out
	}
	return consoleWriter(out, parseTimeFormat(cfg.TimeFormat), cfg.NoColor)
}

// envConfig reads LOG_LEVEL, LOG_FORMAT, LOG_OUTPUT, LOG_TIME_FORMAT,
// LOG_CALLER and LOG_FIELDS (k=v,k=v). A MIGRATOR_ prefixed variable wins
// over the bare one. DEBUG turns on debug when no level is set.
func envConfig() *Config {
	level := envValue("LOG_LEVEL")
	if level == "" && os.Getenv("DEBUG") != "" {
		level = "debug"
	}
	return &Config{
		Level:      level,
		Format:     envValue("LOG_FORMAT"),
		Output:     envValue("LOG_OUTPUT"),
		TimeFormat: envValue("LOG_TIME_FORMAT"),
		NoColor:    os.Getenv("NO_COLOR") != "",
		AddCaller:  envValue("LOG_CALLER") == "true",
		Fields:     parseFields(envValue("LOG_FIELDS")),
	}
}

const envPrefix = "MIGRATOR_"

func envValue(key string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return os.Getenv(key)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "warning":
		return zerolog.WarnLevel
	case "disabled", "none", "off":
		return zerolog.Disabled
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

func parseTimeFormat(format string) string {
	switch strings.ToLower(format) {
	case "", "rfc3339":
		return time.RFC3339
	case "rfc3339nano":
		return time.RFC3339Nano
	case "kitchen":
		return time.Kitchen
	case "unix", "epoch":
		return zerolog.TimeFormatUnix
	}
	if strings.Contains(format, "2006") || strings.Contains(format, "15:04") {
		return format
	}
	return time.Kitchen
}

func parseFields(fields string) map[string]any {
	out := make(map[string]any)
	for _, field := range strings.Split(fields, ",") {
		k, v, ok := strings.Cut(field, "=")
		if ok && strings.TrimSpace(k) != "" {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return out
}
