// Package migrator moves records from legacy sources into a canonical,
// multi-tenant entity store.
//
// A Migrator owns the legacy sources, the canonical store, the audit sink, and
// the checkpoint store of one org. Each source is migrated by a
// pipeline.Pipeline; sources migrated together share one reservation book
// and one KPI tracker, so collisions between sources are detected as well.
package migrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentstation/migrator/pkg/audit"
	"github.com/agentstation/migrator/pkg/canonical"
	"github.com/agentstation/migrator/pkg/checkpoint"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/pipeline"
	"github.com/agentstation/migrator/pkg/records"
	"github.com/agentstation/migrator/pkg/sources"
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("a migration run is already in progress")

// Migrator migrates legacy sources into the canonical store
type Migrator interface {
	// Run migrates one source from its checkpoint
	Run(ctx context.Context, source string, opts ...RunOption) (*Report, error)

	// RunAll migrates every source in order
	RunAll(ctx context.Context, opts ...RunOption) (*Report, error)

	// Verify recomputes the hash of every audited entity
	Verify(ctx context.Context) (*audit.VerificationReport, error)

	// Schedule runs RunAll on a cron schedule until ctx is done
	Schedule(ctx context.Context, spec string, opts ...RunOption) error

	// LastReport returns the report of the most recent run
	LastReport() (*Report, error)

	// Checkpoints lists the committed cursor of every source
	Checkpoints(ctx context.Context) ([]checkpoint.Entry, error)

	// Sources returns the configured sources
	Sources() *sources.Sources

	// SourceNames lists sources in run order
	SourceNames() []string

	// OnConflict registers a callback for conflicts routed to review
	OnConflict(ConflictHook)

	// OnBatchComplete registers a callback for committed batches
	OnBatchComplete(BatchCompleteHook)

	// OnTransition registers a callback for batch state changes
	OnTransition(TransitionHook)

	// OnRunComplete registers a callback for finished source runs
	OnRunComplete(RunCompleteHook)

	// Close releases every resource the Migrator owns
	Close() error
}

// migrator is the internal implementation of the Migrator interface
type migrator struct {
	opts    *options
	sources *sources.Sources
	routers map[string]canonical.Router
	order   []string

	// Event hooks
	*hooks

	// running serializes runs
	running sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var _ Migrator = (*migrator)(nil)

// New creates a new Migrator with the given options
func New(opts ...Option) (Migrator, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			_ = closeAll(cfg.closers)
			return nil, fmt.Errorf("applying options: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		_ = closeAll(cfg.closers)
		return nil, err
	}
	if err := cfg.defaults(); err != nil {
		_ = closeAll(cfg.closers)
		return nil, err
	}

	m := &migrator{
		opts:    cfg,
		sources: sources.NewSources(),
		routers: make(map[string]canonical.Router, len(cfg.sources)),
		hooks:   newHooks(),
	}
	for _, s := range cfg.sources {
		m.sources.Set(s.name, s.adapter)
		m.routers[s.name] = s.router
		m.order = append(m.order, s.name)
	}
	return m, nil
}

// Sources returns the configured sources
func (m *migrator) Sources() *sources.Sources {
	return m.sources
}

// SourceNames lists sources in run order
func (m *migrator) SourceNames() []string {
	return append([]string(nil), m.order...)
}

// Checkpoints lists the committed cursor of every source
func (m *migrator) Checkpoints(ctx context.Context) ([]checkpoint.Entry, error) {
	return m.opts.checkpoints.List(ctx)
}

// Verify recomputes the hash of the latest audited version of every entity
// of this org and compares it with the audit trail. Stored entities without
// any audit entry are reported as unaudited.
func (m *migrator) Verify(ctx context.Context) (*audit.VerificationReport, error) {
	reader, ok := m.opts.audit.(audit.Reader)
	if !ok {
		return nil, errors.NewConfigError("verify", fmt.Sprintf("audit sink %T cannot be read back", m.opts.audit), nil)
	}
	all, err := reader.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading audit entries: %w", err)
	}
	entries := all[:0:0]
	for _, e := range all {
		if e.OrgID == m.opts.orgID {
			entries = append(entries, e)
		}
	}
	report, err := audit.VerifyEntries(ctx, entries, audit.SnapshotFunc(func(ctx context.Context, id records.Identity) (records.CanonicalEntity, error) {
		return canonical.Snapshot(ctx, m.opts.store, id)
	}))
	if err != nil {
		return report, err
	}

	var stored []records.Identity
	for _, entityType := range m.opts.registry.EntityTypes() {
		list, err := m.opts.store.List(ctx, m.opts.orgID, entityType)
		if err != nil {
			return report, fmt.Errorf("listing stored %s: %w", entityType, err)
		}
		for _, se := range list {
			stored = append(stored, se.Entity.Identity())
		}
	}
	report.Unaudited = audit.Unaudited(entries, stored)
	return report, nil
}

// Close closes the sources, sinks, and stores. It is safe to call more than once.
func (m *migrator) Close() error {
	m.closeOnce.Do(func() {
		var errs []error
		if err := m.sources.Close(); err != nil {
			errs = append(errs, err)
		}
		for _, c := range []closer{m.opts.audit, m.opts.checkpoints, m.opts.store} {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if cl, ok := m.opts.conflicts.(closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := closeAll(m.opts.closers); err != nil {
			errs = append(errs, err)
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

var _ pipeline.ConflictSink = (*audit.ConflictLog)(nil)

func closeAll(cs []closer) error {
	var errs []error
	for _, c := range cs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
