package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/migrator/pkg/canonical"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/kpi"
	"github.com/agentstation/migrator/pkg/records"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newReconciler(t *testing.T, router canonical.Router, opts ...Option) *Reconciler {
	t.Helper()
	registry, err := canonical.NewRegistryFromSpecs(
		canonical.EntitySpec{Type: "customers", Fields: []string{"name", "email"}, Required: []string{"name"}},
		canonical.EntitySpec{Type: "invoices", Fields: []string{"total"}, IDPrefix: "inv-"},
	)
	require.NoError(t, err)
	if router == nil {
		router = canonical.StaticRouter("customers")
	}
	n := 0
	opts = append([]Option{
		WithNow(func() time.Time { return fixedNow }),
		WithIDFunc(func() string { n++; return fmt.Sprintf("conflict-%d", n) }),
		WithRunID("run-1"),
	}, opts...)
	r, err := New("org-1", registry, router, opts...)
	require.NoError(t, err)
	return r
}

func row(pos, legacyID string, values records.Values) records.LegacyRecord {
	if values == nil {
		values = records.Values{}
	}
	values["id"] = legacyID
	return records.LegacyRecord{
		Kind:        records.SourceCSV,
		SourceTable: "customers.csv",
		LegacyID:    legacyID,
		Position:    pos,
		Values:      values,
	}
}

func batchOf(seq int64, recs ...records.LegacyRecord) records.Batch {
	return records.Batch{Seq: seq, Source: "customers.csv", Records: recs}
}

func TestIdenticalDuplicatesAutoMerge(t *testing.T) {
	r := newReconciler(t, nil)
	plan, err := r.Reconcile(context.Background(), batchOf(1,
		row("1", "L1", records.Values{"name": "Ada", "email": "ada@example.com"}),
		row("2", "L1", records.Values{"email": "ada@example.com", "name": "Ada"}),
	))
	require.NoError(t, err)

	require.Len(t, plan.Writes, 1)
	w := plan.Writes[0]
	assert.Equal(t, records.Identity{EntityType: "customers", OrgID: "org-1", ID: "L1"}, w.Entity.Identity())
	assert.Equal(t, "1", w.Entity.Position, "the first candidate is the writer of record")
	assert.True(t, w.Ticket.Won())
	assert.NotEmpty(t, w.Hash)
	assert.Empty(t, plan.Conflicts)
	assert.Equal(t, 1, plan.Merged)

	report := r.Tracker().Report()
	assert.Equal(t, int64(1), report.Get(kpi.DuplicatesPrevented))
	assert.Equal(t, int64(1), report.Get(kpi.AutoMergeCount))
	assert.Equal(t, int64(0), report.Get(kpi.ConflictCount))
	assert.Equal(t, int64(0), report.Get(kpi.CursorReplaysDetected))
	assert.Equal(t, int64(2), report[kpi.UniqueLegacyIDsSeen])
}

func TestDivergentDuplicatesConflict(t *testing.T) {
	r := newReconciler(t, nil)
	ctx := context.Background()
	plan, err := r.Reconcile(ctx, batchOf(1,
		row("1", "L2", records.Values{"name": "Bob"}),
		row("2", "L2", records.Values{"name": "Robert"}),
		row("3", "L3", records.Values{"name": "Cy"}),
	))
	require.NoError(t, err)

	require.Len(t, plan.Writes, 1)
	assert.Equal(t, "L3", plan.Writes[0].Entity.LegacyID, "nothing is written for L2")
	require.Len(t, plan.Conflicts, 1)
	c := plan.Conflicts[0]
	assert.Equal(t, "conflict-1", c.ID)
	assert.Equal(t, "run-1", c.RunID)
	assert.Equal(t, fixedNow, c.DetectedAt)
	assert.Equal(t, records.ReasonDivergentCandidates, c.Reason)
	assert.Equal(t, "L2", c.LegacyID)
	require.Len(t, c.Candidates, 2)
	assert.Equal(t, "1", c.Candidates[0].Position)
	assert.Equal(t, "2", c.Candidates[1].Position)
	assert.NotEqual(t, c.Candidates[0].Hash, c.Candidates[1].Hash)

	report := r.Tracker().Report()
	assert.Equal(t, int64(1), report.Get(kpi.ConflictCount))
	assert.Equal(t, int64(2), report.Get(kpi.ManualReviewCount))
	assert.Equal(t, int64(1), report.Get(kpi.DuplicatesPrevented))
	assert.Equal(t, int64(0), report.Get(kpi.AutoMergeCount))

	// a later batch agreeing with one candidate is still held for review
	plan, err = r.Reconcile(ctx, batchOf(2, row("9", "L2", records.Values{"name": "Bob"})))
	require.NoError(t, err)
	assert.Empty(t, plan.Writes)
	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, records.ReasonReservedConflict, plan.Conflicts[0].Reason)
	assert.Len(t, plan.Conflicts[0].Candidates, 2)
	assert.Equal(t, int64(2), r.Tracker().Get(kpi.ConflictCount))
}

func TestCrossBatchCollisions(t *testing.T) {
	r := newReconciler(t, nil)
	ctx := context.Background()

	plan, err := r.Reconcile(ctx, batchOf(1, row("1", "L4", records.Values{"name": "Dee"})))
	require.NoError(t, err)
	require.Len(t, plan.Writes, 1)
	winner := plan.Writes[0]

	plan, err = r.Reconcile(ctx, batchOf(2, row("7", "L4", records.Values{"name": "Dee"})))
	require.NoError(t, err)
	assert.Empty(t, plan.Writes)
	assert.Empty(t, plan.Conflicts)
	assert.Equal(t, 1, plan.Merged)
	assert.Equal(t, int64(1), r.Tracker().Get(kpi.AutoMergeCount))
	assert.Equal(t, int64(1), r.Tracker().Get(kpi.DuplicatesPrevented))

	plan, err = r.Reconcile(ctx, batchOf(3, row("8", "L4", records.Values{"name": "Deirdre"})))
	require.NoError(t, err)
	assert.Empty(t, plan.Writes)
	require.Len(t, plan.Conflicts, 1)
	c := plan.Conflicts[0]
	assert.Equal(t, records.ReasonDivergentWinner, c.Reason)
	require.Len(t, c.Candidates, 2)
	assert.Equal(t, winner.Hash, c.Candidates[0].Hash, "the reserved winner leads the candidates")
	assert.Equal(t, "8", c.Candidates[1].Position)

	holder, ok := r.Book().Holder(winner.Entity.ReservationKey())
	require.True(t, ok)
	assert.True(t, holder.Conflicted)
	assert.Equal(t, int64(1), holder.Ticket.Batch)

	// once in review, even identical content is not merged
	plan, err = r.Reconcile(ctx, batchOf(4, row("9", "L4", records.Values{"name": "Dee"})))
	require.NoError(t, err)
	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, records.ReasonReservedConflict, plan.Conflicts[0].Reason)

	report := r.Tracker().Report()
	assert.Equal(t, int64(2), report.Get(kpi.ConflictCount))
	assert.Equal(t, int64(2), report.Get(kpi.ManualReviewCount))
	assert.Equal(t, int64(3), report.Get(kpi.DuplicatesPrevented))
}

func TestReplayedPositionsAreDropped(t *testing.T) {
	r := newReconciler(t, nil)
	ctx := context.Background()
	b := batchOf(1,
		row("1", "A", records.Values{"name": "a"}),
		row("2", "B", records.Values{"name": "b"}),
	)
	plan, err := r.Reconcile(ctx, b)
	require.NoError(t, err)
	assert.Len(t, plan.Writes, 2)

	b.Seq = 2
	plan, err = r.Reconcile(ctx, b)
	require.NoError(t, err)
	assert.Empty(t, plan.Writes)
	assert.Empty(t, plan.Conflicts)
	assert.Equal(t, 2, plan.Replays)

	report := r.Tracker().Report()
	assert.Equal(t, int64(2), report.Get(kpi.CursorReplaysDetected))
	assert.Equal(t, int64(0), report.Get(kpi.DuplicatesPrevented), "a replay is not a duplicate row")
	assert.Equal(t, int64(2), report[kpi.UniqueLegacyIDsSeen])
}

func TestUnregisteredEntityTypeFailsBatch(t *testing.T) {
	r := newReconciler(t, canonical.ColumnRouter{Column: "kind"})
	plan, err := r.Reconcile(context.Background(), batchOf(1,
		row("1", "C1", records.Values{"kind": "customers", "name": "Ada"}),
		row("2", "W1", records.Values{"kind": "Widgets", "name": "sprocket"}),
	))
	require.Error(t, err)
	assert.Nil(t, plan)
	assert.True(t, errors.IsNotRegistered(err))
	assert.False(t, errors.IsRetryable(err))
	var nr *errors.NotRegisteredError
	require.ErrorAs(t, err, &nr)
	assert.Equal(t, "widgets", nr.EntityType)
}

func TestColumnRoutingAndIDPrefix(t *testing.T) {
	r := newReconciler(t, canonical.ColumnRouter{Column: "kind", Aliases: map[string]string{"INV": "invoices"}})
	plan, err := r.Reconcile(context.Background(), batchOf(1,
		row("1", "C1", records.Values{"kind": "customers", "name": "Ada"}),
		row("2", "77", records.Values{"kind": "INV", "total": "12.50"}),
		row("3", "C3", records.Values{"kind": " "}),
	))
	require.NoError(t, err)
	require.Len(t, plan.Writes, 2)
	assert.Equal(t, "customers", plan.Writes[0].Entity.EntityType)
	assert.Equal(t, records.Identity{EntityType: "invoices", OrgID: "org-1", ID: "inv-77"}, plan.Writes[1].Entity.Identity())
	require.Len(t, plan.MappingErrors, 1, "a row without a discriminator is a mapping error")
	assert.Equal(t, int64(1), r.Tracker().Get(kpi.MappingErrors))
}

func TestMappingWhitelistAndTenancy(t *testing.T) {
	r := newReconciler(t, nil)
	plan, err := r.Reconcile(context.Background(), batchOf(1,
		row("1", "A", records.Values{"name": "Ada", "org_id": "org-evil", "ssn": "123"}),
		row("2", "B", records.Values{"email": "no-name@example.com"}),
		row("3", "C", records.Values{"name": "Cy", "email": records.Absent}),
	))
	require.NoError(t, err)

	require.Len(t, plan.Writes, 2)
	a := plan.Writes[0].Entity
	assert.Equal(t, "org-1", a.OrgID, "org id always comes from the run")
	assert.Equal(t, map[string]any{"name": "Ada"}, a.Fields)
	assert.Equal(t, 1, plan.DroppedFields["customers.org_id"])
	assert.Equal(t, 1, plan.DroppedFields["customers.ssn"])

	c := plan.Writes[1].Entity
	assert.Equal(t, map[string]any{"name": "Cy"}, c.Fields, "absent columns are left out")

	require.Len(t, plan.MappingErrors, 1)
	var me *errors.MappingError
	require.ErrorAs(t, plan.MappingErrors[0], &me)
	assert.Equal(t, "name", me.Field)
	assert.Equal(t, "B", me.LegacyID)
	assert.Equal(t, int64(1), r.Tracker().Get(kpi.MappingErrors))
}

func TestStoredDivergence(t *testing.T) {
	r := newReconciler(t, nil)
	plan, err := r.Reconcile(context.Background(), batchOf(1, row("1", "A", records.Values{"name": "Ada"})))
	require.NoError(t, err)
	w := plan.Writes[0]

	c := r.StoredDivergence(w, "feedface")
	assert.Equal(t, records.ReasonStoredDivergence, c.Reason)
	assert.Equal(t, w.Entity.Identity(), c.Identity)
	require.Len(t, c.Candidates, 2)
	assert.Equal(t, "feedface", c.Candidates[0].Hash)
	assert.Equal(t, w.Hash, c.Candidates[1].Hash)
	assert.Equal(t, int64(1), r.Tracker().Get(kpi.ConflictCount))
	assert.Equal(t, int64(1), r.Tracker().Get(kpi.ManualReviewCount))

	holder, _ := r.Book().Holder(w.Entity.ReservationKey())
	assert.True(t, holder.Conflicted)
}

func TestConcurrentBatchesElectOneWinner(t *testing.T) {
	r := newReconciler(t, nil)
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		writes int
		merged int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			plan, err := r.Reconcile(ctx, batchOf(int64(i), row(fmt.Sprint(i), "SAME", records.Values{"name": "same"})))
			assert.NoError(t, err)
			mu.Lock()
			writes += len(plan.Writes)
			merged += plan.Merged
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, writes)
	assert.Equal(t, 15, merged)
	assert.Equal(t, 1, r.Book().Len())
	assert.Equal(t, int64(15), r.Tracker().Get(kpi.DuplicatesPrevented))
}

func TestReconcileCanceled(t *testing.T) {
	r := newReconciler(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Reconcile(ctx, batchOf(1, row("1", "A", records.Values{"name": "a"})))
	assert.True(t, errors.IsCanceled(err))
	assert.Equal(t, 0, r.Tracker().UniqueSeen(), "nothing is tracked for a canceled batch")
}

func TestNewRequiresCollaborators(t *testing.T) {
	registry, err := canonical.NewRegistry()
	require.NoError(t, err)

	_, err = New("", registry, canonical.StaticRouter("x"))
	assert.True(t, errors.IsValidationError(err))
	_, err = New("org", nil, canonical.StaticRouter("x"))
	assert.True(t, errors.IsValidationError(err))
	_, err = New("org", registry, nil)
	assert.True(t, errors.IsValidationError(err))
	_, err = New("org", registry, canonical.StaticRouter("x"), WithBook(nil))
	assert.True(t, errors.IsValidationError(err))

	book := NewBook()
	tracker := kpi.NewTracker()
	r, err := New("org", registry, canonical.StaticRouter("x"), WithBook(book), WithTracker(tracker))
	require.NoError(t, err)
	assert.Same(t, book, r.Book())
	assert.Same(t, tracker, r.Tracker())
	assert.Equal(t, "org", r.OrgID())
}
