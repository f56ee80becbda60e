package kpi

import (
	"maps"
	"slices"
)

// Report is a point-in-time snapshot of named counters.
type Report map[string]int64

// Get returns the value of a counter.
func (r Report) Get(c Counter) int64 {
	return r[string(c)]
}

// Keys returns the report keys in stable order: known counters first, then
// unique_legacy_ids_seen, then anything else alphabetically.
func (r Report) Keys() []string {
	keys := make([]string, 0, len(r))
	known := make(map[string]bool, len(Counters)+1)
	for _, c := range Counters {
		known[string(c)] = true
		if _, ok := r[string(c)]; ok {
			keys = append(keys, string(c))
		}
	}
	known[UniqueLegacyIDsSeen] = true
	if _, ok := r[UniqueLegacyIDsSeen]; ok {
		keys = append(keys, UniqueLegacyIDsSeen)
	}
	for _, k := range slices.Sorted(maps.Keys(r)) {
		if !known[k] {
			keys = append(keys, k)
		}
	}
	return keys
}

// Diff returns r minus base for every key in r.
func (r Report) Diff(base Report) Report {
	out := make(Report, len(r))
	for k, v := range r {
		out[k] = v - base[k]
	}
	return out
}
