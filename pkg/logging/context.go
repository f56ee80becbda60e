package logging

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type loggerKey struct{}

// WithLogger stores logger in ctx. A nil logger stores Default.
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	if logger == nil {
		logger = Default()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in ctx, or Default.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		return Default()
	}
	if logger, ok := ctx.Value(loggerKey{}).(*zerolog.Logger); ok && logger != nil {
		return logger
	}
	return Default()
}

// WithField derives a context whose logger carries key=value on every event.
func WithField(ctx context.Context, key string, value any) context.Context {
	logger := addField(FromContext(ctx).With(), key, value).Logger()
	return WithLogger(ctx, &logger)
}

// WithRun tags events with the migration run identifier.
func WithRun(ctx context.Context, runID string) context.Context {
	return WithField(ctx, "run_id", runID)
}

// WithSource tags events with the legacy source name.
func WithSource(ctx context.Context, source string) context.Context {
	return WithField(ctx, "source", source)
}

// WithBatch tags events with the batch sequence number.
func WithBatch(ctx context.Context, seq int64) context.Context {
	return WithField(ctx, "batch", seq)
}

// WithOperation tags events with the pipeline step being attempted
// (extract, write, checkpoint).
func WithOperation(ctx context.Context, operation string) context.Context {
	return WithField(ctx, "operation", operation)
}

func addField(c zerolog.Context, key string, value any) zerolog.Context {
	switch v := value.(type) {
	case string:
		return c.Str(key, v)
	case int:
		return c.Int(key, v)
	case int64:
		return c.Int64(key, v)
	case float64:
		return c.Float64(key, v)
	case bool:
		return c.Bool(key, v)
	case time.Time:
		return c.Time(key, v)
	case error:
		return c.AnErr(key, v)
	default:
		return c.Interface(key, v)
	}
}
