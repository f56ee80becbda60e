// Package kpi tracks the reconciliation counters of a migration run.
//
// A Tracker is passed explicitly to every component that records outcomes; it
// is never global. It is safe for concurrent use, so concurrent batches can
// share one tracker and race on TrackLegacyID for the same key. Trackers kept
// per partition can be combined at the end of a run with Merge.
package kpi

import (
	"maps"
	"slices"
	"sync"
)

// Counter names a KPI counter.
type Counter string

// Reconciliation counters.
const (
	DuplicatesPrevented   Counter = "duplicates_prevented"
	CursorReplaysDetected Counter = "cursor_replays_detected"
	ManualReviewCount     Counter = "manual_review_count"
	AutoMergeCount        Counter = "auto_merge_count"
	ConflictCount         Counter = "conflict_count"
)

// Run counters.
const (
	RecordsExtracted Counter = "records_extracted"
	RecordsWritten   Counter = "records_written"
	RecordsUnchanged Counter = "records_unchanged"
	MappingErrors    Counter = "mapping_errors"
	RowsSkipped      Counter = "rows_skipped"
	BatchesCompleted Counter = "batches_completed"
	BatchesFailed    Counter = "batches_failed"
	BatchRetries     Counter = "batch_retries"
	ExtractRetries   Counter = "extract_retries"
)

// UniqueLegacyIDsSeen is the derived report key holding the seen-set size.
const UniqueLegacyIDsSeen = "unique_legacy_ids_seen"

// Counters lists every counter in report order.
var Counters = []Counter{
	DuplicatesPrevented,
	CursorReplaysDetected,
	ManualReviewCount,
	AutoMergeCount,
	ConflictCount,
	RecordsExtracted,
	RecordsWritten,
	RecordsUnchanged,
	MappingErrors,
	RowsSkipped,
	BatchesCompleted,
	BatchesFailed,
	BatchRetries,
	ExtractRetries,
}

// Tracker holds the counters and the seen-identifier set of a run.
type Tracker struct {
	mu       sync.Mutex
	counters map[Counter]int64
	seen     map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		counters: make(map[Counter]int64),
		seen:     make(map[string]struct{}),
	}
}

// TrackLegacyID records that key was served by a source. It returns false,
// and counts a cursor replay, when the key was already seen in this run.
func (t *Tracker) TrackLegacyID(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[key]; ok {
		t.counters[CursorReplaysDetected]++
		return false
	}
	t.seen[key] = struct{}{}
	return true
}

// Seen reports whether key has been tracked.
func (t *Tracker) Seen(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[key]
	return ok
}

// UniqueSeen returns the number of distinct keys tracked.
func (t *Tracker) UniqueSeen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Inc increments a counter by one.
func (t *Tracker) Inc(c Counter) {
	t.Add(c, 1)
}

// Add adds delta to a counter.
func (t *Tracker) Add(c Counter, delta int64) {
	if delta == 0 {
		return
	}
	t.mu.Lock()
	t.counters[c] += delta
	t.mu.Unlock()
}

// Get returns the value of a counter.
func (t *Tracker) Get(c Counter) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[c]
}

// Merge folds other into t. Keys seen by both trackers count as cursor
// replays, exactly as if they had been tracked against a shared set.
func (t *Tracker) Merge(other *Tracker) {
	if other == nil || other == t {
		return
	}
	other.mu.Lock()
	counters := maps.Clone(other.counters)
	seen := slices.Collect(maps.Keys(other.seen))
	other.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	for c, v := range counters {
		t.counters[c] += v
	}
	for _, key := range seen {
		if _, ok := t.seen[key]; ok {
			t.counters[CursorReplaysDetected]++
			continue
		}
		t.seen[key] = struct{}{}
	}
}

// Reset clears every counter and the seen set.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.counters)
	clear(t.seen)
}

// Report returns a snapshot of every counter plus unique_legacy_ids_seen.
func (t *Tracker) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := make(Report, len(Counters)+1)
	for _, c := range Counters {
		r[string(c)] = t.counters[c]
	}
	for c, v := range t.counters {
		r[string(c)] = v
	}
	r[UniqueLegacyIDsSeen] = int64(len(t.seen))
	return r
}
