// Package reconcile turns extracted batches into write plans.
//
// Every mapped candidate stakes a reservation ticket on its (entity type, org,
// legacy id) key. Candidates that agree under canonical hashing collapse into
// the winner (auto-merge); candidates that disagree are routed to manual review
// as a ConflictRecord and nothing is written for that identity. A position
// that was already served in the run is a cursor replay and is dropped before
// mapping.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentstation/migrator/pkg/audit"
	"github.com/agentstation/migrator/pkg/canonical"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/kpi"
	"github.com/agentstation/migrator/pkg/logging"
	"github.com/agentstation/migrator/pkg/records"
)

// Reconciler classifies the records of a batch against the run's
// reservation book.
type Reconciler struct {
	orgID    string
	registry *canonical.Registry
	router   canonical.Router
	book     *Book
	tracker  *kpi.Tracker
	runID    string
	now      func() time.Time
	newID    func() string
}

// Option configures a Reconciler.
type Option func(*Reconciler) error

// WithBook shares an existing reservation book.
func WithBook(b *Book) Option {
	return func(r *Reconciler) error {
		if b == nil {
			return errors.NewConfigError("reconciler", "book is nil", nil)
		}
		r.book = b
		return nil
	}
}

// WithTracker records outcomes on t.
func WithTracker(t *kpi.Tracker) Option {
	return func(r *Reconciler) error {
		if t == nil {
			return errors.NewConfigError("reconciler", "tracker is nil", nil)
		}
		r.tracker = t
		return nil
	}
}

// WithRunID stamps conflict records with the run id.
func WithRunID(id string) Option {
	return func(r *Reconciler) error {
		r.runID = id
		return nil
	}
}

// WithNow sets the clock used for conflict timestamps.
func WithNow(now func() time.Time) Option {
	return func(r *Reconciler) error {
		r.now = now
		return nil
	}
}

// WithIDFunc sets the generator for conflict record ids.
func WithIDFunc(fn func() string) Option {
	return func(r *Reconciler) error {
		r.newID = fn
		return nil
	}
}

// New creates a Reconciler for orgID. Rows are routed to an entity type by
// router and mapped by the registry's adapter for that type.
func New(orgID string, registry *canonical.Registry, router canonical.Router, opts ...Option) (*Reconciler, error) {
	switch {
	case orgID == "":
		return nil, errors.NewConfigError("reconciler", "org id is required", nil)
	case registry == nil:
		return nil, errors.NewConfigError("reconciler", "registry is required", nil)
	case router == nil:
		return nil, errors.NewConfigError("reconciler", "router is required", nil)
	}
	r := &Reconciler{
		orgID:    orgID,
		registry: registry,
		router:   router,
		book:     NewBook(),
		tracker:  kpi.NewTracker(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Book returns the reservation book.
func (r *Reconciler) Book() *Book { return r.book }

// Tracker returns the KPI tracker outcomes are recorded on.
func (r *Reconciler) Tracker() *kpi.Tracker { return r.tracker }

// Write is a winning entity to persist.
type Write struct {
	Entity  records.CanonicalEntity
	Hash    string
	Ticket  records.ReservationTicket
	Adapter canonical.WriteAdapter
}

// Plan is the outcome of reconciling one batch.
type Plan struct {
	Batch     int64
	Writes    []Write
	Conflicts []records.ConflictRecord
	// Replays counts positions already served earlier in the run.
	Replays int
	// Merged counts candidates folded into an identical winner.
	Merged        int
	MappingErrors []error
	// DroppedFields counts non-writable source columns per "type.column".
	DroppedFields map[string]int
}

// Entities returns the entities the plan writes, in plan order.
func (p *Plan) Entities() []records.CanonicalEntity {
	out := make([]records.CanonicalEntity, len(p.Writes))
	for i, w := range p.Writes {
		out[i] = w.Entity
	}
	return out
}

// OrgID returns the tenant every entity is mapped under.
func (r *Reconciler) OrgID() string { return r.orgID }

type member struct {
	entity  records.CanonicalEntity
	hash    string
	adapter canonical.WriteAdapter
}

func (m member) candidate() records.Candidate {
	return records.Candidate{
		SourceTable: m.entity.SourceTable,
		Position:    m.entity.Position,
		Hash:        m.hash,
		Fields:      m.entity.Fields,
	}
}

// Reconcile maps, stakes and classifies the records of batch. A record routed
// to an unregistered entity type fails the whole batch before anything is
// planned; mapping errors are counted and skipped.
func (r *Reconciler) Reconcile(ctx context.Context, batch records.Batch) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrCanceled, err)
	}
	logger := logging.FromContext(ctx)
	plan := &Plan{Batch: batch.Seq, DroppedFields: make(map[string]int)}

	groups := make(map[records.ReservationKey][]member)
	var order []records.ReservationKey

	for _, rec := range batch.Records {
		if !r.tracker.TrackLegacyID(rec.ReplayKey()) {
			plan.Replays++
			continue
		}
		m, err := r.mapRecord(rec, plan)
		if errors.IsMappingError(err) {
			r.tracker.Inc(kpi.MappingErrors)
			plan.MappingErrors = append(plan.MappingErrors, err)
			logger.Debug().Err(err).Str("position", rec.Position).Msg("Skipping unmappable row")
			continue
		}
		if err != nil {
			return nil, err
		}
		key := m.entity.ReservationKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}

	for _, key := range order {
		r.classify(batch.Seq, key, groups[key], plan)
	}
	return plan, nil
}

func (r *Reconciler) mapRecord(rec records.LegacyRecord, plan *Plan) (member, error) {
	entityType, err := r.router.Route(rec)
	if err != nil {
		return member{}, err
	}
	adapter, err := r.registry.EntityWriteAdapter(entityType)
	if err != nil {
		return member{}, err
	}
	entity, stats, err := adapter.Map(r.orgID, rec)
	if err != nil {
		return member{}, err
	}
	for _, f := range stats.DroppedFields {
		plan.DroppedFields[entityType+"."+f]++
	}
	hash, err := audit.EntityHash(entity)
	if err != nil {
		return member{}, errors.NewMappingError(entityType, rec.LegacyID, "", err.Error())
	}
	return member{entity: entity, hash: hash, adapter: adapter}, nil
}

func (r *Reconciler) classify(seq int64, key records.ReservationKey, group []member, plan *Plan) {
	first := group[0]
	n := int64(len(group))
	divergent := false
	for _, m := range group[1:] {
		if m.hash != first.hash {
			divergent = true
			break
		}
	}

	candidates := make([]records.Candidate, len(group))
	for i, m := range group {
		candidates[i] = m.candidate()
	}

	if divergent {
		ticket, holder := r.book.StakeConflicted(key, seq, first.candidate())
		if ticket.Won() {
			r.conflict(first, records.ReasonDivergentCandidates, candidates, plan)
			r.tracker.Add(kpi.DuplicatesPrevented, n-1)
			r.tracker.Add(kpi.ManualReviewCount, n)
			return
		}
		r.reject(first, holder, candidates, plan)
		return
	}

	ticket, holder := r.book.Stake(key, seq, first.candidate())
	switch {
	case ticket.Won():
		plan.Writes = append(plan.Writes, Write{Entity: first.entity, Hash: first.hash, Ticket: ticket, Adapter: first.adapter})
		if n > 1 {
			plan.Merged += int(n - 1)
			r.tracker.Add(kpi.DuplicatesPrevented, n-1)
			r.tracker.Add(kpi.AutoMergeCount, n-1)
		}
	case !holder.Conflicted && holder.Candidate.Hash == first.hash:
		plan.Merged += int(n)
		r.tracker.Add(kpi.DuplicatesPrevented, n)
		r.tracker.Add(kpi.AutoMergeCount, n)
	default:
		r.reject(first, holder, candidates, plan)
	}
}

// reject routes candidates that lost to a differing or already conflicted
// winner to manual review.
func (r *Reconciler) reject(first member, holder Holder, candidates []records.Candidate, plan *Plan) {
	reason := records.ReasonDivergentWinner
	if holder.Conflicted {
		reason = records.ReasonReservedConflict
	} else {
		r.book.MarkConflicted(first.entity.ReservationKey())
	}
	all := append([]records.Candidate{holder.Candidate}, candidates...)
	r.conflict(first, reason, all, plan)
	r.tracker.Add(kpi.DuplicatesPrevented, int64(len(candidates)))
	r.tracker.Add(kpi.ManualReviewCount, int64(len(candidates)))
}

func (r *Reconciler) conflict(first member, reason string, candidates []records.Candidate, plan *Plan) {
	r.tracker.Inc(kpi.ConflictCount)
	plan.Conflicts = append(plan.Conflicts, records.ConflictRecord{
		ID:         r.newID(),
		RunID:      r.runID,
		Identity:   first.entity.Identity(),
		LegacyID:   first.entity.LegacyID,
		Reason:     reason,
		Candidates: candidates,
		DetectedAt: r.now().UTC(),
	})
}

// StoredDivergence builds the conflict record for a winner whose write found
// a different entity already stored under its identity.
func (r *Reconciler) StoredDivergence(w Write, storedHash string) records.ConflictRecord {
	r.book.MarkConflicted(w.Entity.ReservationKey())
	r.tracker.Inc(kpi.ConflictCount)
	r.tracker.Inc(kpi.ManualReviewCount)
	return records.ConflictRecord{
		ID:       r.newID(),
		RunID:    r.runID,
		Identity: w.Entity.Identity(),
		LegacyID: w.Entity.LegacyID,
		Reason:   records.ReasonStoredDivergence,
		Candidates: []records.Candidate{
			{SourceTable: "canonical", Hash: storedHash},
			{SourceTable: w.Entity.SourceTable, Position: w.Entity.Position, Hash: w.Hash, Fields: w.Entity.Fields},
		},
		DetectedAt: r.now().UTC(),
	}
}
