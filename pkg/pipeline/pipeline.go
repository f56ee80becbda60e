// Package pipeline drives a migration run end to end.
//
// Every batch walks the same state machine:
//
//	Extracting -> Reconciling -> Throttling -> Writing -> Auditing -> Done
//
// and may fail from any state. Extraction is serialized on the source cursor;
// the later states of different batches run concurrently on a pool of
// workers sharing one rate limiter, one KPI tracker and one reservation book.
// A batch's cursor is committed only after the batch was audited and every
// earlier batch was committed, so a cancelled or failed run always resumes
// from a cursor whose rows are fully written and audited.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentstation/migrator/pkg/audit"
	"github.com/agentstation/migrator/pkg/canonical"
	"github.com/agentstation/migrator/pkg/checkpoint"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/kpi"
	"github.com/agentstation/migrator/pkg/logging"
	"github.com/agentstation/migrator/pkg/reconcile"
	"github.com/agentstation/migrator/pkg/records"
	"github.com/agentstation/migrator/pkg/sources"
)

// Pipeline runs the batches of one source.
type Pipeline struct {
	cfg     Config
	tracker *kpi.Tracker
}

// New validates cfg and creates a pipeline. KPI outcomes are recorded on the
// reconciler's tracker.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.defaults()
	return &Pipeline{cfg: cfg, tracker: cfg.Reconciler.Tracker()}, nil
}

// RunID returns the id stamped on conflicts, audit entries and checkpoints.
func (p *Pipeline) RunID() string { return p.cfg.RunID }

// BatchResult summarizes a completed batch.
type BatchResult struct {
	RunID         string         `json:"run_id" yaml:"run_id"`
	Source        string         `json:"source" yaml:"source"`
	Seq           int64          `json:"seq" yaml:"seq"`
	Start         records.Cursor `json:"start" yaml:"start"`
	Next          records.Cursor `json:"next" yaml:"next"`
	Records       int            `json:"records" yaml:"records"`
	Skipped       int            `json:"skipped" yaml:"skipped"`
	Replays       int            `json:"replays" yaml:"replays"`
	Merged        int            `json:"merged" yaml:"merged"`
	MappingErrors int            `json:"mapping_errors" yaml:"mapping_errors"`
	Written       int            `json:"written" yaml:"written"`
	Unchanged     int            `json:"unchanged" yaml:"unchanged"`
	// Reaudited counts unchanged entities whose audit entry was missing.
	Reaudited int `json:"reaudited" yaml:"reaudited"`
	Conflicts     int            `json:"conflicts" yaml:"conflicts"`
	Retries       int            `json:"retries" yaml:"retries"`
	Duration      time.Duration  `json:"duration" yaml:"duration"`
}

// RunResult is what a run reports, whether it succeeded or not.
type RunResult struct {
	RunID  string         `json:"run_id" yaml:"run_id"`
	Source string         `json:"source" yaml:"source"`
	Start  records.Cursor `json:"start" yaml:"start"`
	// LastCursor is the last committed cursor; re-running from it is safe.
	LastCursor records.Cursor           `json:"last_cursor" yaml:"last_cursor"`
	Report     kpi.Report               `json:"report" yaml:"report"`
	Conflicts  []records.ConflictRecord `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	// Batches counts committed batches.
	Batches    int       `json:"batches" yaml:"batches"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	Err        error     `json:"-" yaml:"-"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration returns how long the run took.
func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// lane owns the source cursor and hands out batches in sequence.
type lane struct {
	mu     sync.Mutex
	cursor records.Cursor
	seq    int64
	done   bool
}

// committer persists cursors in batch order.
type committer struct {
	mu        sync.Mutex
	next      int64
	pending   map[int64]records.Cursor
	last      records.Cursor
	committed int
	save      func(seq int64, c records.Cursor) error
}

func (c *committer) complete(seq int64, cursor records.Cursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[seq] = cursor
	for {
		cur, ok := c.pending[c.next]
		if !ok {
			return nil
		}
		if err := c.save(c.next, cur); err != nil {
			return err
		}
		delete(c.pending, c.next)
		c.last = cur
		c.committed++
		c.next++
	}
}

func (c *committer) snapshot() (records.Cursor, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.committed
}

type runState struct {
	lane    lane
	commits committer

	mu        sync.Mutex
	conflicts []records.ConflictRecord
}

// Run extracts the source from its checkpoint to the end and returns the
// run's result. The result is never nil: a failed run still reports its KPI
// snapshot and the last committed cursor.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	cfg := &p.cfg
	ctx = logging.WithRun(ctx, cfg.RunID)
	ctx = logging.WithSource(ctx, cfg.Source)
	logger := logging.FromContext(ctx)

	res := &RunResult{RunID: cfg.RunID, Source: cfg.Source, StartedAt: cfg.Now()}
	run := &runState{}
	finish := func(err error) (*RunResult, error) {
		res.FinishedAt = cfg.Now()
		res.Report = p.tracker.Report()
		if run.commits.pending != nil {
			res.LastCursor, res.Batches = run.commits.snapshot()
		}
		run.mu.Lock()
		res.Conflicts = run.conflicts
		run.mu.Unlock()
		res.Err = err
		if err != nil {
			res.Error = err.Error()
			logger.Error().Err(err).Str("cursor", res.LastCursor.String()).Int("batches", res.Batches).Msg("Migration run failed")
		} else {
			logger.Info().Str("cursor", res.LastCursor.String()).Int("batches", res.Batches).
				Int("conflicts", len(res.Conflicts)).Dur("duration", res.Duration()).Msg("Migration run complete")
		}
		return res, err
	}

	start, err := p.startCursor(ctx)
	if err != nil {
		return finish(err)
	}
	res.Start, res.LastCursor = start, start
	run.lane.cursor = start
	run.commits = committer{
		next:    1,
		pending: make(map[int64]records.Cursor),
		last:    start,
		save: func(seq int64, c records.Cursor) error {
			return cfg.Checkpoints.Save(context.WithoutCancel(ctx), checkpoint.Entry{
				Source:    cfg.Source,
				Cursor:    c,
				RunID:     cfg.RunID,
				Batch:     seq,
				UpdatedAt: cfg.Now().UTC(),
			})
		},
	}
	logger.Info().Str("cursor", start.String()).Int("workers", cfg.Workers).Int("chunk_size", cfg.ChunkSize).Msg("Starting migration run")

	if _, err := p.retry(ctx, "open", kpi.ExtractRetries, func() error { return cfg.Adapter.Open(ctx) }); err != nil {
		return finish(err)
	}
	defer func() {
		if err := cfg.Adapter.Close(); err != nil {
			logger.Warn().Err(err).Msg("Closing source failed")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for range cfg.Workers {
		g.Go(func() error { return p.work(gctx, run) })
	}
	err = g.Wait()
	if err == nil {
		err = canceled(ctx)
	}
	return finish(err)
}

func (p *Pipeline) startCursor(ctx context.Context) (records.Cursor, error) {
	if p.cfg.Start != nil {
		return *p.cfg.Start, nil
	}
	entry, found, err := p.cfg.Checkpoints.Load(ctx, p.cfg.Source)
	if err != nil {
		return records.Cursor{}, fmt.Errorf("load checkpoint of %s: %w", p.cfg.Source, err)
	}
	if !found {
		return records.Cursor{}, nil
	}
	return entry.Cursor, nil
}

func (p *Pipeline) work(ctx context.Context, run *runState) error {
	for ctx.Err() == nil {
		batch, ok, err := p.extract(ctx, run)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := p.process(ctx, run, batch); err != nil {
			return err
		}
	}
	return nil
}

// extract pulls the next batch from the source. It holds the lane for the
// whole extraction, retries included, so batches leave in cursor order.
func (p *Pipeline) extract(ctx context.Context, run *runState) (records.Batch, bool, error) {
	l := &run.lane
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done || ctx.Err() != nil {
		return records.Batch{}, false, nil
	}
	if p.cfg.MaxBatches > 0 && l.seq >= p.cfg.MaxBatches {
		l.done = true
		return records.Batch{}, false, nil
	}

	seq, start := l.seq+1, l.cursor
	var page sources.Page
	_, err := p.retry(ctx, "extract", kpi.ExtractRetries, func() error {
		var err error
		page, err = p.cfg.Adapter.Extract(ctx, start, p.cfg.ChunkSize)
		return err
	})
	if err == nil && !progressed(page, start) && !page.Done {
		err = errors.NewAdapterError(p.cfg.Adapter.Table(), start.String(), errors.New("cursor did not advance"))
	}
	if err != nil {
		l.done = true
		if ctx.Err() != nil {
			// the run is stopping; Run reports why
			return records.Batch{}, false, nil
		}
		p.tracker.Inc(kpi.BatchesFailed)
		p.transition(ctx, seq, start, "", Extracting, nil)
		p.transition(ctx, seq, start, Extracting, Failed, err)
		return records.Batch{}, false, err
	}
	l.done = page.Done
	if !progressed(page, start) {
		return records.Batch{}, false, nil
	}
	l.seq, l.cursor = seq, page.Next

	p.tracker.Add(kpi.RecordsExtracted, int64(len(page.Records)))
	p.tracker.Add(kpi.RowsSkipped, int64(len(page.Skipped)))
	logger := logging.FromContext(ctx)
	for _, s := range page.Skipped {
		logger.Warn().Int64("batch", seq).Str("position", s.Position).Str("reason", s.Reason).Msg("Skipped malformed row")
	}
	p.transition(ctx, seq, start, "", Extracting, nil)
	return records.Batch{
		Seq:     seq,
		Source:  p.cfg.Source,
		Start:   start,
		Next:    page.Next,
		Records: page.Records,
		Skipped: len(page.Skipped),
		Done:    page.Done,
	}, true, nil
}

// progressed reports whether page moved past start or returned anything.
func progressed(page sources.Page, start records.Cursor) bool {
	return len(page.Records) > 0 || len(page.Skipped) > 0 || !page.Next.Equal(start)
}

// process takes an extracted batch through to Done. Cancellation is honoured
// between states up to Writing; once the transaction committed, the batch is
// audited and committed regardless.
func (p *Pipeline) process(ctx context.Context, run *runState, batch records.Batch) error {
	started := p.cfg.Now()
	ctx = logging.WithBatch(ctx, batch.Seq)
	state := Extracting
	step := func(to State, cancellable bool) error {
		if cancellable {
			if err := canceled(ctx); err != nil {
				return err
			}
		}
		p.transition(ctx, batch.Seq, batch.Start, state, to, nil)
		state = to
		return nil
	}
	fail := func(err error) error {
		p.tracker.Inc(kpi.BatchesFailed)
		p.transition(ctx, batch.Seq, batch.Start, state, Failed, err)
		return err
	}

	if err := step(Reconciling, true); err != nil {
		return fail(err)
	}
	plan, err := p.cfg.Reconciler.Reconcile(ctx, batch)
	if err != nil {
		return fail(err)
	}
	if err := p.conflicts(ctx, run, plan.Conflicts); err != nil {
		return fail(err)
	}

	if err := step(Throttling, true); err != nil {
		return fail(err)
	}
	if err := p.cfg.Limiter.AcquireAll(ctx, len(plan.Writes)); err != nil {
		if cerr := canceled(ctx); cerr != nil {
			err = cerr
		}
		return fail(err)
	}

	if err := step(Writing, true); err != nil {
		return fail(err)
	}
	wctx := context.WithoutCancel(ctx)
	var results []canonical.WriteResult
	retries, err := p.retry(ctx, "write", kpi.BatchRetries, func() error {
		var err error
		results, err = p.write(wctx, batch.Seq, plan)
		return err
	})
	if err != nil {
		return fail(err)
	}

	_ = step(Auditing, false)
	br := BatchResult{
		RunID:         p.cfg.RunID,
		Source:        p.cfg.Source,
		Seq:           batch.Seq,
		Start:         batch.Start,
		Next:          batch.Next,
		Records:       batch.Len(),
		Skipped:       batch.Skipped,
		Replays:       plan.Replays,
		Merged:        plan.Merged,
		MappingErrors: len(plan.MappingErrors),
		Conflicts:     len(plan.Conflicts),
		Retries:       retries,
	}
	var (
		entries   []records.AuditEntry
		diverged  []records.ConflictRecord
		unchanged []canonical.WriteResult
	)
	for i, r := range results {
		switch r.Outcome {
		case canonical.Created:
			br.Written++
			entries = append(entries, p.auditEntry(r))
		case canonical.Unchanged:
			br.Unchanged++
			unchanged = append(unchanged, r)
		case canonical.Diverged:
			diverged = append(diverged, p.cfg.Reconciler.StoredDivergence(plan.Writes[i], r.StoredHash))
		}
	}
	p.tracker.Add(kpi.RecordsWritten, int64(br.Written))
	p.tracker.Add(kpi.RecordsUnchanged, int64(br.Unchanged))
	br.Conflicts += len(diverged)
	if err := p.conflicts(wctx, run, diverged); err != nil {
		return fail(err)
	}
	reaudit, err := p.unaudited(wctx, unchanged)
	if err != nil {
		return fail(fmt.Errorf("look up audit entries of batch %d: %w", batch.Seq, err))
	}
	if len(reaudit) > 0 {
		br.Reaudited = len(reaudit)
		logging.FromContext(ctx).Warn().Int("entities", len(reaudit)).Msg("Auditing stored entities that have no audit entry")
		entries = append(entries, reaudit...)
	}
	if len(entries) > 0 {
		if err := p.cfg.Audit.Append(wctx, entries...); err != nil {
			return fail(fmt.Errorf("audit %d entities of batch %d: %w", len(entries), batch.Seq, err))
		}
	}
	if err := run.commits.complete(batch.Seq, batch.Next); err != nil {
		return fail(fmt.Errorf("commit cursor %s: %w", batch.Next, err))
	}
	_ = step(Done, false)

	p.tracker.Inc(kpi.BatchesCompleted)
	br.Duration = p.cfg.Now().Sub(started)
	logging.FromContext(ctx).Info().
		Int("records", br.Records).
		Int("written", br.Written).
		Int("unchanged", br.Unchanged).
		Int("conflicts", br.Conflicts).
		Int("replays", br.Replays).
		Str("next", batch.Next.String()).
		Msg("Batch complete")
	if p.cfg.Hooks.OnBatch != nil {
		p.cfg.Hooks.OnBatch(br)
	}
	return nil
}

func (p *Pipeline) auditEntry(r canonical.WriteResult) records.AuditEntry {
	return records.AuditEntry{
		EntryID:       p.cfg.NewID(),
		RunID:         p.cfg.RunID,
		EntityType:    r.Identity.EntityType,
		OrgID:         r.Identity.OrgID,
		ID:            r.Identity.ID,
		CanonicalHash: r.Hash,
		Timestamp:     p.cfg.Now().UTC(),
	}
}

// unaudited returns audit entries for unchanged entities whose latest audit
// entry is missing or carries another hash. This covers a batch whose write
// committed but whose audit append failed. Sinks that cannot be looked up
// are trusted.
func (p *Pipeline) unaudited(ctx context.Context, unchanged []canonical.WriteResult) ([]records.AuditEntry, error) {
	if len(unchanged) == 0 {
		return nil, nil
	}
	ids := make([]records.Identity, len(unchanged))
	for i, r := range unchanged {
		ids[i] = r.Identity
	}
	latest, ok, err := audit.Latest(ctx, p.cfg.Audit, ids)
	if err != nil || !ok {
		return nil, err
	}
	var out []records.AuditEntry
	for _, r := range unchanged {
		if latest[r.Identity] != r.Hash {
			out = append(out, p.auditEntry(r))
		}
	}
	return out, nil
}

// write persists the plan's winners in one tenant-scoped transaction. Any
// failure rolls the whole batch back.
func (p *Pipeline) write(ctx context.Context, seq int64, plan *reconcile.Plan) ([]canonical.WriteResult, error) {
	if len(plan.Writes) == 0 {
		return nil, nil
	}
	org := p.cfg.Reconciler.OrgID()
	tx, err := p.cfg.Store.Begin(ctx, org)
	if err != nil {
		return nil, errors.NewWriteError(org, seq, len(plan.Writes), err)
	}
	results := make([]canonical.WriteResult, 0, len(plan.Writes))
	for _, w := range plan.Writes {
		r, err := w.Adapter.Write(ctx, tx, w.Entity)
		if err != nil {
			_ = tx.Rollback()
			return nil, errors.NewWriteError(org, seq, len(plan.Writes), fmt.Errorf("%s: %w", w.Entity.Identity(), err))
		}
		results = append(results, r)
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return nil, errors.NewWriteError(org, seq, len(plan.Writes), err)
	}
	return results, nil
}

func (p *Pipeline) conflicts(ctx context.Context, run *runState, found []records.ConflictRecord) error {
	if len(found) == 0 {
		return nil
	}
	logger := logging.FromContext(ctx)
	for _, c := range found {
		logger.Warn().Str("identity", c.Identity.String()).Str("reason", c.Reason).Int("candidates", len(c.Candidates)).Msg("Conflict routed to manual review")
	}
	run.mu.Lock()
	run.conflicts = append(run.conflicts, found...)
	run.mu.Unlock()
	if p.cfg.Conflicts != nil {
		if err := p.cfg.Conflicts.Append(ctx, found...); err != nil {
			return fmt.Errorf("persist conflicts: %w", err)
		}
	}
	if p.cfg.Hooks.OnConflict != nil {
		for _, c := range found {
			p.cfg.Hooks.OnConflict(c)
		}
	}
	return nil
}

// retry runs fn until it succeeds, fails with a non-retryable error, or
// MaxRetries retries were spent. It returns the number of retries made.
func (p *Pipeline) retry(ctx context.Context, op string, counter kpi.Counter, fn func() error) (int, error) {
	logger := logging.FromContext(logging.WithOperation(ctx, op))
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return attempt, nil
		}
		if !errors.IsRetryable(err) || attempt >= p.cfg.MaxRetries {
			return attempt, err
		}
		if cerr := canceled(ctx); cerr != nil {
			return attempt, cerr
		}
		p.tracker.Inc(counter)
		d := p.cfg.backoff(attempt + 1)
		logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", d).Msg("Retrying after failure")
		if err := p.cfg.Sleep(ctx, d); err != nil {
			return attempt, fmt.Errorf("%w: %w", errors.ErrCanceled, err)
		}
	}
}

func (p *Pipeline) transition(ctx context.Context, seq int64, cursor records.Cursor, from, to State, err error) {
	t := Transition{
		RunID:  p.cfg.RunID,
		Source: p.cfg.Source,
		Batch:  seq,
		Cursor: cursor,
		From:   from,
		To:     to,
		Err:    err,
		At:     p.cfg.Now(),
	}
	logger := logging.FromContext(ctx)
	ev := logger.Debug()
	if to == Failed {
		ev = logger.Warn().Err(err)
	}
	ev.Int64("batch", seq).Str("from", string(from)).Str("to", string(to)).Msg("Batch transition")
	if p.cfg.Hooks.OnTransition != nil {
		p.cfg.Hooks.OnTransition(t)
	}
}

func canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrCanceled, err)
	}
	return nil
}
