// Package logging provides structured logging for the migrator using zerolog.
// Migration runs are long and mostly unattended, so every event carries the run,
// source and batch it belongs to; console output is used on terminals and JSON
// everywhere else.
//
// Loggers travel in the context:
//
//	ctx = logging.WithBatch(logging.WithRun(ctx, runID), 12)
//	logging.FromContext(ctx).Debug().Int("records", 500).Msg("Batch extracted")
package logging

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// defaultLogger is what FromContext falls back to. It starts from the
// MIGRATOR_LOG_* / LOG_* environment.
var defaultLogger = NewLoggerFromConfig(envConfig())

// Default returns the process-wide logger.
func Default() *zerolog.Logger {
	return &defaultLogger
}

// SetDefault replaces the process-wide logger, zerolog's global one included.
// It must not race with logging through Default.
func SetDefault(logger zerolog.Logger) {
	defaultLogger = logger
	log.Logger = logger
}

// New returns a timestamped logger writing to w at the global level.
func New(w io.Writer) zerolog.Logger {
	return zerolog.New(w).Level(zerolog.GlobalLevel()).With().Timestamp().Logger()
}

// NewConsole returns a human-readable logger on stderr.
func NewConsole() zerolog.Logger {
	return New(consoleWriter(os.Stderr, time.Kitchen, os.Getenv("NO_COLOR") != ""))
}

// NewJSON returns a JSON logger; a nil w means stderr.
func NewJSON(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return New(w)
}

func consoleWriter(out io.Writer, timeFormat string, noColor bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: timeFormat, NoColor: noColor}
}

func isTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
