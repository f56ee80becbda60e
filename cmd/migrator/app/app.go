// Package app provides the application context and dependency management
// for the migrator CLI: configuration, logging, and the lifecycle of the
// Migrator the commands share.
package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentstation/migrator"
	"github.com/agentstation/migrator/internal/config"
	"github.com/agentstation/migrator/internal/metrics"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/logging"
)

// App represents the migrator application with all its dependencies.
type App struct {
	// Version information
	version string
	commit  string
	date    string
	builtBy string

	config *Config
	logger *zerolog.Logger

	// Lazily loaded from the run file, guarded by mu.
	mu       sync.Mutex
	run      *config.Config
	metrics  *metrics.Metrics
	migrator migrator.Migrator
}

// New creates a new App instance with the given version information.
func New(version, commit, date, builtBy string, opts ...Option) (*App, error) {
	app := &App{
		version: version,
		commit:  commit,
		date:    date,
		builtBy: builtBy,
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, errors.NewConfigError("cli", "failed to load settings", err)
	}
	app.config = cfg

	logger := NewLogger(cfg)
	app.logger = &logger

	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	return app, nil
}

// Version returns the version information.
func (a *App) Version() string {
	return a.version
}

// Commit returns the git commit hash.
func (a *App) Commit() string {
	return a.commit
}

// Date returns the build date.
func (a *App) Date() string {
	return a.date
}

// BuiltBy returns the build system identifier.
func (a *App) BuiltBy() string {
	return a.builtBy
}

// Config returns the application configuration.
func (a *App) Config() *Config {
	return a.config
}

// Logger returns the application logger.
func (a *App) Logger() *zerolog.Logger {
	return a.logger
}

// OutputFormat returns the --format flag value.
func (a *App) OutputFormat() string {
	return a.config.Format
}

// RunConfig loads and validates the run file on first use.
func (a *App) RunConfig() (*config.Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runConfigLocked()
}

func (a *App) runConfigLocked() (*config.Config, error) {
	if a.run != nil {
		return a.run, nil
	}
	run, err := config.LoadAndValidate(a.config.ConfigFile)
	if err != nil {
		return nil, err
	}
	a.run = run

	// the run file may carry logging settings
	a.config.applyRunFile(run)
	logger := NewLogger(a.config)
	a.logger = &logger
	a.logger.Debug().Str("file", run.File).Str("org_id", run.OrgID).Strs("sources", run.SourceNames()).Msg("Loaded run file")
	return run, nil
}

// Metrics returns the collectors configured by the run file. Without a
// usable run file the returned Metrics is disabled.
func (a *App) Metrics() *metrics.Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metricsLocked()
}

func (a *App) metricsLocked() *metrics.Metrics {
	if a.metrics != nil {
		return a.metrics
	}
	var cfg metrics.Config
	if run, err := a.runConfigLocked(); err == nil {
		cfg = metrics.Config{Enabled: run.Metrics.Enabled, Address: run.Metrics.Address}
	}
	a.metrics = metrics.New(cfg)
	return a.metrics
}

// Migrator returns the migrator built from the run file, creating it on
// first use. Enabled metrics are attached through the migrator hooks.
func (a *App) Migrator(ctx context.Context) (migrator.Migrator, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.migrator != nil {
		return a.migrator, nil
	}
	run, err := a.runConfigLocked()
	if err != nil {
		return nil, err
	}

	m, err := migrator.FromConfig(logging.WithLogger(ctx, a.logger), run)
	if err != nil {
		return nil, err
	}
	if met := a.metricsLocked(); met.IsEnabled() {
		m.OnTransition(met.RecordTransition)
		m.OnBatchComplete(met.RecordBatch)
		m.OnConflict(met.RecordConflict)
		m.OnRunComplete(met.RecordRun)
	}
	a.migrator = m
	return m, nil
}

// Shutdown releases the migrator and everything it opened.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	m := a.migrator
	a.migrator = nil
	a.mu.Unlock()

	if m == nil {
		return nil
	}
	if err := m.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close migrator during shutdown")
		return err
	}
	return nil
}

// Option is a functional option for configuring the App.
type Option func(*App) error

// WithConfig sets a custom configuration.
func WithConfig(config *Config) Option {
	return func(a *App) error {
		a.config = config
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}

// WithRunConfig sets the run configuration instead of reading the run file.
func WithRunConfig(run *config.Config) Option {
	return func(a *App) error {
		if err := run.Validate(); err != nil {
			return err
		}
		a.run = run
		return nil
	}
}

// WithMigrator sets a custom migrator (useful for testing).
func WithMigrator(m migrator.Migrator) Option {
	return func(a *App) error {
		a.migrator = m
		return nil
	}
}
