package migrator

import (
	"context"
	"fmt"
	"slices"

	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/kpi"
	"github.com/agentstation/migrator/pkg/logging"
	"github.com/agentstation/migrator/pkg/pipeline"
	"github.com/agentstation/migrator/pkg/reconcile"
	"github.com/agentstation/migrator/pkg/records"
)

// RunOption configures a single run
type RunOption func(*runOptions)

type runOptions struct {
	runID     string
	start     *records.Cursor
	retryKeys []string
}

// WithRunID sets the run id stamped on audit entries and conflicts
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithStartCursor starts the run at c instead of the checkpoint
func WithStartCursor(c records.Cursor) RunOption {
	return func(o *runOptions) { o.start = &c }
}

// WithRetryKeys re-extracts exactly the given legacy keys before reading on
// from the checkpoint. It only applies to single-source runs.
func WithRetryKeys(keys ...string) RunOption {
	return func(o *runOptions) { o.retryKeys = append(o.retryKeys, keys...) }
}

// Run migrates one source from its checkpoint
func (m *migrator) Run(ctx context.Context, source string, opts ...RunOption) (*Report, error) {
	if _, ok := m.sources.Get(source); !ok {
		return nil, errors.NewNotFoundError("source", source)
	}
	return m.run(ctx, []string{source}, opts)
}

// RunAll migrates every source in order
func (m *migrator) RunAll(ctx context.Context, opts ...RunOption) (*Report, error) {
	return m.run(ctx, m.SourceNames(), opts)
}

// run migrates names one after another with one shared reservation book and
// tracker. The first failing source stops the run; the report still holds
// every source that ran.
func (m *migrator) run(ctx context.Context, names []string, opts []RunOption) (*Report, error) {
	o := &runOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if (len(o.retryKeys) > 0 || o.start != nil) && len(names) != 1 {
		return nil, errors.NewConfigError("run", "a start cursor or retry keys need exactly one source", nil)
	}

	if !m.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer m.running.Unlock()

	cfg := m.opts
	reconOpts := []reconcile.Option{
		reconcile.WithBook(reconcile.NewBook()),
		reconcile.WithTracker(kpi.NewTracker()),
		reconcile.WithNow(cfg.now),
	}
	if cfg.newID != nil {
		reconOpts = append(reconOpts, reconcile.WithIDFunc(cfg.newID))
	}
	report := newReport(cfg.orgID, o.runID, cfg.now())
	if report.RunID == "" {
		report.RunID = m.newID()
	}
	reconOpts = append(reconOpts, reconcile.WithRunID(report.RunID))

	ctx = logging.WithRun(ctx, report.RunID)
	logger := logging.FromContext(ctx)
	logger.Info().Strs("sources", names).Str("org_id", cfg.orgID).Msg("Starting migration")

	var (
		tracker *kpi.Tracker
		runErr  error
	)
	for _, name := range names {
		adapter, _ := m.sources.Get(name)
		r, err := reconcile.New(cfg.orgID, cfg.registry, m.routers[name], reconOpts...)
		if err != nil {
			runErr = err
			break
		}
		tracker = r.Tracker()

		start, err := m.startCursor(ctx, name, o)
		if err != nil {
			runErr = err
			break
		}

		p, err := pipeline.New(pipeline.Config{
			RunID:           report.RunID,
			Source:          name,
			Adapter:         adapter,
			Store:           cfg.store,
			Reconciler:      r,
			Limiter:         cfg.limiter,
			Audit:           cfg.audit,
			Checkpoints:     cfg.checkpoints,
			Start:           start,
			Conflicts:       cfg.conflicts,
			ChunkSize:       cfg.chunkSize,
			Workers:         cfg.workers,
			MaxRetries:      cfg.maxRetries,
			RetryBackoff:    cfg.retryBackoff,
			MaxRetryBackoff: cfg.maxRetryBackoff,
			MaxBatches:      cfg.maxBatches,
			Hooks:           m.pipelineHooks(name),
			Now:             cfg.now,
			NewID:           cfg.newID,
		})
		if err != nil {
			runErr = err
			break
		}

		base := tracker.Report()
		res, err := p.Run(ctx)
		res.Report = res.Report.Diff(base)
		report.add(res)
		m.triggerRunComplete(res)
		if err != nil {
			runErr = err
			break
		}
	}

	report.finish(tracker, cfg.now(), runErr)
	if err := m.saveReport(report); err != nil {
		logger.Warn().Err(err).Msg("Failed to save run report")
	}
	if runErr != nil {
		return report, runErr
	}
	logger.Info().Int("sources", len(report.Sources)).
		Int64(string(kpi.ConflictCount), report.Totals.Get(kpi.ConflictCount)).
		Int64(string(kpi.DuplicatesPrevented), report.Totals.Get(kpi.DuplicatesPrevented)).
		Msg("Migration complete")
	return report, nil
}

// startCursor resolves where a source run begins: an explicit cursor, or
// the checkpoint when retry keys are given. Nil lets the pipeline load the
// checkpoint itself.
func (m *migrator) startCursor(ctx context.Context, name string, o *runOptions) (*records.Cursor, error) {
	if o.start == nil && len(o.retryKeys) == 0 {
		return nil, nil
	}
	var start records.Cursor
	if o.start != nil {
		start = *o.start
	} else {
		entry, ok, err := m.opts.checkpoints.Load(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("loading checkpoint of %s: %w", name, err)
		}
		if ok {
			start = entry.Cursor
		}
	}
	if len(o.retryKeys) > 0 {
		start.RetryKeys = slices.Compact(slices.Clone(o.retryKeys))
	}
	return &start, nil
}

func (m *migrator) newID() string {
	if m.opts.newID != nil {
		return m.opts.newID()
	}
	return newRunID()
}
