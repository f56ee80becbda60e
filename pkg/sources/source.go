// Package sources defines the legacy adapters a migration extracts from.
//
// Every adapter exposes the same extraction contract regardless of source
// kind: open, extract a page of at most limit rows from a cursor, advance the
// cursor, close. Three kinds exist:
//
//   - SQL: keyset pagination over an explicit table allowlist, with a chunked
//     IN query when re-extracting explicitly retried keys
//   - static CSV: the whole file parsed into memory, paginated by offset
//   - streaming CSV: constant memory, rows pulled from the file as needed
//
// Connection, parse and timeout failures are returned as *errors.AdapterError
// carrying the source table and the cursor the extraction started from.
// Malformed individual rows are skipped and reported in Page.Skipped.
package sources

import (
	"context"
	"slices"
	"sync"

	"github.com/agentstation/migrator/pkg/records"
)

// Adapter extracts legacy rows from one source.
type Adapter interface {
	Kind() records.SourceKind
	// Table names the source table or file the adapter reads.
	Table() string
	Open(ctx context.Context) error
	Extract(ctx context.Context, cursor records.Cursor, limit int) (Page, error)
	Close() error
}

// Page is the result of one extraction.
type Page struct {
	Records []records.LegacyRecord
	Next    records.Cursor
	Done    bool
	Skipped []SkippedRow
}

// SkippedRow is a malformed row that was left out of a page.
type SkippedRow struct {
	Position string `json:"position" yaml:"position"`
	Reason   string `json:"reason" yaml:"reason"`
}

// Sources is a thread-safe container of named adapters.
type Sources struct {
	mu      sync.RWMutex
	sources map[string]Adapter
}

// NewSources creates a new Sources instance.
func NewSources() *Sources {
	return &Sources{
		sources: make(map[string]Adapter),
	}
}

// Get returns a source by name.
func (s *Sources) Get(name string) (Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, found := s.sources[name]
	return src, found
}

// Set sets a source by name.
func (s *Sources) Set(name string, src Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[name] = src
}

// Delete deletes a source by name.
func (s *Sources) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, name)
}

// Len returns the number of sources.
func (s *Sources) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sources)
}

// Names returns the source names in sorted order.
func (s *Sources) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close closes every source and returns the first error.
func (s *Sources) Close() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var first error
	for _, src := range s.sources {
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
