// Package appcontext provides the application context interface shared by
// the migrator commands.
package appcontext

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/agentstation/migrator"
	"github.com/agentstation/migrator/internal/config"
	"github.com/agentstation/migrator/internal/metrics"
)

// Interface defines what commands need from the application. The App in
// cmd/migrator/app implements it; tests use Mock.
type Interface interface {
	// RunConfig loads and validates the run file on first use.
	RunConfig() (*config.Config, error)

	// Migrator builds the migrator from the run file on first use. The app
	// owns it and closes it on shutdown.
	Migrator(ctx context.Context) (migrator.Migrator, error)

	// Metrics returns the collectors fed by the migrator hooks. A disabled
	// Metrics records nothing.
	Metrics() *metrics.Metrics

	// Logger returns the configured logger instance.
	Logger() *zerolog.Logger

	// OutputFormat returns the configured output format (json, yaml, table).
	OutputFormat() string

	Version() string
	Commit() string
	Date() string
	BuiltBy() string
}
