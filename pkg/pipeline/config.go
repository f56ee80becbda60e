package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentstation/migrator/pkg/audit"
	"github.com/agentstation/migrator/pkg/canonical"
	"github.com/agentstation/migrator/pkg/checkpoint"
	"github.com/agentstation/migrator/pkg/constants"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/ratelimit"
	"github.com/agentstation/migrator/pkg/reconcile"
	"github.com/agentstation/migrator/pkg/records"
	"github.com/agentstation/migrator/pkg/sources"
)

// ConflictSink receives conflict records routed to manual review.
type ConflictSink interface {
	Append(ctx context.Context, conflicts ...records.ConflictRecord) error
}

// Hooks observe a run. Hooks are called synchronously from worker
// goroutines and must be safe for concurrent use.
type Hooks struct {
	OnTransition func(Transition)
	OnBatch      func(BatchResult)
	OnConflict   func(records.ConflictRecord)
}

// Config wires a pipeline run.
type Config struct {
	RunID string
	// Source names the source in checkpoints; defaults to Adapter.Table().
	Source     string
	Adapter    sources.Adapter
	Store      canonical.Store
	Reconciler *reconcile.Reconciler
	Limiter    *ratelimit.Limiter
	Audit      audit.Sink

	// Checkpoints persists the committed cursor; nil keeps it in memory.
	Checkpoints checkpoint.Store
	// Start overrides the checkpointed cursor.
	Start *records.Cursor
	// Conflicts, when set, persists conflict records as they are found.
	Conflicts ConflictSink

	ChunkSize int
	Workers   int
	// MaxRetries bounds retries of a failed extraction or write; zero means
	// the default and a negative value disables retries.
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// MaxBatches stops the run after that many batches were extracted; zero
	// means no limit.
	MaxBatches int64

	Hooks Hooks

	Now   func() time.Time
	NewID func() string
	// Sleep waits between retries; it returns early with ctx's error.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c *Config) validate() error {
	switch {
	case c.Adapter == nil:
		return errors.NewConfigError("pipeline", "source adapter is required", nil)
	case c.Store == nil:
		return errors.NewConfigError("pipeline", "canonical store is required", nil)
	case c.Reconciler == nil:
		return errors.NewConfigError("pipeline", "reconciler is required", nil)
	case c.Limiter == nil:
		return errors.NewConfigError("pipeline", "rate limiter is required", nil)
	case c.Audit == nil:
		return errors.NewConfigError("pipeline", "audit sink is required", nil)
	case c.ChunkSize < 0 || c.Workers < 0:
		return errors.NewConfigError("pipeline", "chunk size and workers must not be negative", nil)
	}
	return nil
}

func (c *Config) defaults() {
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	if c.Source == "" {
		c.Source = c.Adapter.Table()
	}
	if c.Checkpoints == nil {
		c.Checkpoints = checkpoint.NewMemory()
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = constants.DefaultChunkSize
	}
	if c.Workers == 0 {
		c.Workers = constants.DefaultWorkers
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = constants.MaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = constants.RetryBackoff
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = constants.MaxRetryBackoff
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Sleep == nil {
		c.Sleep = sleep
	}
}

// backoff returns the wait before retry attempt (1-based).
func (c *Config) backoff(attempt int) time.Duration {
	d := c.RetryBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxRetryBackoff {
			return c.MaxRetryBackoff
		}
	}
	return min(d, c.MaxRetryBackoff)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
