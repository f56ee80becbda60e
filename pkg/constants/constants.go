// Package constants provides shared constants used throughout the migrator codebase.
// Pipeline defaults, timeouts, and file permissions live here so the CLI, the
// config layer, and the library agree on the same values.
package constants

import "time"

// Pipeline defaults
const (
	// DefaultChunkSize is the number of legacy rows extracted per batch and the
	// maximum number of values bound in a single IN (...) clause.
	DefaultChunkSize = 5000

	// DefaultWorkers is the number of batches processed concurrently
	DefaultWorkers = 4

	// DefaultRate is the sustained number of canonical writes permitted per second
	DefaultRate = 500.0

	// DefaultBurst is the token bucket capacity
	DefaultBurst = DefaultChunkSize

	// MaxRetries is the maximum number of retry attempts for a failed batch step
	MaxRetries = 3
)

// Timeout constants
const (
	// DefaultTimeout is the standard timeout for general operations
	DefaultTimeout = 10 * time.Second

	// AcquireTimeout bounds how long an adapter waits for a pooled connection
	AcquireTimeout = 10 * time.Second

	// ExtractTimeout bounds a single page extraction from a legacy source
	ExtractTimeout = 2 * time.Minute

	// CommandTimeout is the default timeout for short CLI commands
	CommandTimeout = 10 * time.Minute

	// RetryBackoff is the base backoff duration for retries
	RetryBackoff = 1 * time.Second

	// MaxRetryBackoff is the maximum backoff duration for retries
	MaxRetryBackoff = 30 * time.Second
)

// File permission constants define standard Unix file permissions
const (
	// DirPermissions is the default permission for created directories (rwxr-xr-x)
	DirPermissions = 0755

	// FilePermissions is the default permission for created files (rw-r--r--)
	FilePermissions = 0644

	// SecureFilePermissions is for checkpoint and report files (rw-------)
	SecureFilePermissions = 0600
)

// Default locations
const (
	// StateDir holds run reports and file checkpoints
	StateDir = ".migrator"

	// LastRunReport is the file name of the most recent run report inside StateDir
	LastRunReport = "last-run.yaml"

	// CheckpointFile is the file name of the file checkpoint store inside StateDir
	CheckpointFile = "checkpoints.yaml"

	// MetricsAddress is the default listen address for the metrics endpoint
	MetricsAddress = ":9464"
)
