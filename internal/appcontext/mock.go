package appcontext

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/agentstation/migrator"
	"github.com/agentstation/migrator/internal/config"
	"github.com/agentstation/migrator/internal/metrics"
)

// Mock provides a mock implementation of Interface for testing.
// Each method can be customized by setting the corresponding function field.
// If a function field is nil, the method returns a default/zero value.
type Mock struct {
	RunConfigFunc    func() (*config.Config, error)
	MigratorFunc     func(ctx context.Context) (migrator.Migrator, error)
	MetricsFunc      func() *metrics.Metrics
	LoggerFunc       func() *zerolog.Logger
	OutputFormatFunc func() string
	VersionFunc      func() string
}

// RunConfig returns the mock config or the defaults.
func (m *Mock) RunConfig() (*config.Config, error) {
	if m.RunConfigFunc != nil {
		return m.RunConfigFunc()
	}
	return config.Default(), nil
}

// Migrator returns a migrator using the mock function or nil.
func (m *Mock) Migrator(ctx context.Context) (migrator.Migrator, error) {
	if m.MigratorFunc != nil {
		return m.MigratorFunc(ctx)
	}
	return nil, nil
}

// Metrics returns the mock metrics or a disabled set.
func (m *Mock) Metrics() *metrics.Metrics {
	if m.MetricsFunc != nil {
		return m.MetricsFunc()
	}
	return metrics.New(metrics.Config{})
}

// Logger returns a logger using the mock function or a no-op logger.
func (m *Mock) Logger() *zerolog.Logger {
	if m.LoggerFunc != nil {
		return m.LoggerFunc()
	}
	logger := zerolog.Nop()
	return &logger
}

// OutputFormat returns the mock format or "json".
func (m *Mock) OutputFormat() string {
	if m.OutputFormatFunc != nil {
		return m.OutputFormatFunc()
	}
	return "json"
}

// Version returns version using the mock function or "dev".
func (m *Mock) Version() string {
	if m.VersionFunc != nil {
		return m.VersionFunc()
	}
	return "dev"
}

// Commit returns "unknown".
func (m *Mock) Commit() string { return "unknown" }

// Date returns "unknown".
func (m *Mock) Date() string { return "unknown" }

// BuiltBy returns "test".
func (m *Mock) BuiltBy() string { return "test" }

var _ Interface = (*Mock)(nil)
