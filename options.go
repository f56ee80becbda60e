package migrator

import (
	"time"

	"github.com/agentstation/migrator/pkg/audit"
	"github.com/agentstation/migrator/pkg/canonical"
	"github.com/agentstation/migrator/pkg/checkpoint"
	"github.com/agentstation/migrator/pkg/constants"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/pipeline"
	"github.com/agentstation/migrator/pkg/ratelimit"
	"github.com/agentstation/migrator/pkg/sources"
)

// Option is a function that configures a Migrator instance
type Option func(*options) error

// options holds everything a Migrator is built from
type options struct {
	orgID       string
	store       canonical.Store
	registry    *canonical.Registry
	audit       audit.Sink
	conflicts   pipeline.ConflictSink
	checkpoints checkpoint.Store
	limiter     *ratelimit.Limiter
	sources     []namedSource

	chunkSize       int
	workers         int
	maxRetries      int
	retryBackoff    time.Duration
	maxRetryBackoff time.Duration
	maxBatches      int64

	stateDir string
	now      func() time.Time
	newID    func() string

	// resources the Migrator closes on Close
	closers []closer
}

type namedSource struct {
	name    string
	adapter sources.Adapter
	router  canonical.Router
}

type closer interface{ Close() error }

func defaultOptions() *options {
	return &options{
		chunkSize:       constants.DefaultChunkSize,
		workers:         constants.DefaultWorkers,
		maxRetries:      constants.MaxRetries,
		retryBackoff:    constants.RetryBackoff,
		maxRetryBackoff: constants.MaxRetryBackoff,
		stateDir:        constants.StateDir,
		now:             time.Now,
	}
}

// WithOrgID sets the tenant every canonical write is scoped to
func WithOrgID(orgID string) Option {
	return func(c *options) error {
		if orgID == "" {
			return errors.NewValidationError("org_id", orgID, "org id is required")
		}
		c.orgID = orgID
		return nil
	}
}

// WithStore configures the canonical store
func WithStore(store canonical.Store) Option {
	return func(c *options) error {
		c.store = store
		return nil
	}
}

// WithRegistry configures the canonical write adapters
func WithRegistry(registry *canonical.Registry) Option {
	return func(c *options) error {
		c.registry = registry
		return nil
	}
}

// WithEntities builds the write adapter registry from entity specs
func WithEntities(specs ...canonical.EntitySpec) Option {
	return func(c *options) error {
		registry, err := canonical.NewRegistryFromSpecs(specs...)
		if err != nil {
			return err
		}
		c.registry = registry
		return nil
	}
}

// WithAuditSink configures where audit entries are appended. The sink must
// also implement audit.Reader for Verify to work.
func WithAuditSink(sink audit.Sink) Option {
	return func(c *options) error {
		c.audit = sink
		return nil
	}
}

// WithConflictSink persists conflict records as runs find them
func WithConflictSink(sink pipeline.ConflictSink) Option {
	return func(c *options) error {
		c.conflicts = sink
		return nil
	}
}

// WithCheckpoints configures the cursor store
func WithCheckpoints(store checkpoint.Store) Option {
	return func(c *options) error {
		c.checkpoints = store
		return nil
	}
}

// WithLimiter configures the write rate limiter
func WithLimiter(limiter *ratelimit.Limiter) Option {
	return func(c *options) error {
		c.limiter = limiter
		return nil
	}
}

// WithRate builds a write rate limiter of perSecond tokens with burst capacity
func WithRate(perSecond float64, burst int) Option {
	return func(c *options) error {
		limiter, err := ratelimit.New(perSecond, burst)
		if err != nil {
			return err
		}
		c.limiter = limiter
		return nil
	}
}

// WithSource adds a named legacy source and its entity-type router. Sources
// run in the order they were added.
func WithSource(name string, adapter sources.Adapter, router canonical.Router) Option {
	return func(c *options) error {
		if name == "" || adapter == nil || router == nil {
			return errors.NewConfigError("source", "name, adapter and router are required", nil)
		}
		for _, s := range c.sources {
			if s.name == name {
				return errors.NewConfigError("source", "duplicate source "+name, nil)
			}
		}
		c.sources = append(c.sources, namedSource{name: name, adapter: adapter, router: router})
		return nil
	}
}

// WithChunkSize sets how many rows are extracted per batch
func WithChunkSize(n int) Option {
	return func(c *options) error {
		if n <= 0 {
			return errors.NewValidationError("chunk_size", n, "must be positive")
		}
		c.chunkSize = n
		return nil
	}
}

// WithWorkers sets how many batches are processed concurrently
func WithWorkers(n int) Option {
	return func(c *options) error {
		if n <= 0 {
			return errors.NewValidationError("workers", n, "must be positive")
		}
		c.workers = n
		return nil
	}
}

// WithRetries configures retries of failed batch steps. A max of zero
// disables retries.
func WithRetries(max int, backoff, maxBackoff time.Duration) Option {
	return func(c *options) error {
		c.maxRetries = max
		if max <= 0 {
			c.maxRetries = -1
		}
		if backoff > 0 {
			c.retryBackoff = backoff
		}
		if maxBackoff > 0 {
			c.maxRetryBackoff = maxBackoff
		}
		return nil
	}
}

// WithMaxBatches stops each source run after n batches
func WithMaxBatches(n int64) Option {
	return func(c *options) error {
		c.maxBatches = n
		return nil
	}
}

// WithStateDir sets where the last run report is kept
func WithStateDir(dir string) Option {
	return func(c *options) error {
		c.stateDir = dir
		return nil
	}
}

// WithClock sets the clock used for timestamps
func WithClock(now func() time.Time) Option {
	return func(c *options) error {
		c.now = now
		return nil
	}
}

// WithIDFunc sets the generator of run, conflict, and audit entry ids
func WithIDFunc(newID func() string) Option {
	return func(c *options) error {
		c.newID = newID
		return nil
	}
}

// withCloser hands ownership of a resource to the Migrator
func withCloser(cl closer) Option {
	return func(c *options) error {
		c.closers = append(c.closers, cl)
		return nil
	}
}

func (c *options) validate() error {
	switch {
	case c.orgID == "":
		return errors.NewConfigError("migrator", "org id is required", nil)
	case c.store == nil:
		return errors.NewConfigError("migrator", "canonical store is required", nil)
	case c.registry == nil || c.registry.Len() == 0:
		return errors.NewConfigError("migrator", "at least one entity write adapter is required", nil)
	case len(c.sources) == 0:
		return errors.NewConfigError("migrator", "at least one source is required", nil)
	}
	return nil
}

func (c *options) defaults() error {
	if c.audit == nil {
		c.audit = audit.NewMemorySink()
	}
	if c.checkpoints == nil {
		c.checkpoints = checkpoint.NewMemory()
	}
	if c.limiter == nil {
		limiter, err := ratelimit.New(constants.DefaultRate, constants.DefaultBurst)
		if err != nil {
			return err
		}
		c.limiter = limiter
	}
	return nil
}
