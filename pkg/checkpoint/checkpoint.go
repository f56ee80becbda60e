// Package checkpoint persists the committed cursor of each source so that an
// interrupted run resumes where the last fully audited batch left off.
//
// A cursor is saved only after its batch completed auditing, and only in
// batch order. Loading a cursor that is older than the real progress is
// harmless: the replayed rows are detected and nothing is written twice.
package checkpoint

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/agentstation/migrator/pkg/records"
)

// Entry is the persisted checkpoint of one source.
type Entry struct {
	Source    string         `json:"source" yaml:"source"`
	Cursor    records.Cursor `json:"cursor" yaml:"cursor"`
	RunID     string         `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Batch     int64          `json:"batch" yaml:"batch"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"updated_at"`
}

// Store loads and saves checkpoints.
type Store interface {
	// Load returns the checkpoint of source; found is false when the source
	// has never committed a batch.
	Load(ctx context.Context, source string) (entry Entry, found bool, err error)
	Save(ctx context.Context, entry Entry) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, source string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[source]
	return e, ok, nil
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, entry Entry) error {
	if err := validate(entry); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Source] = entry
	return nil
}

// List implements Store.
func (m *Memory) List(context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sorted(m.entries), nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func sorted(entries map[string]Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, k := range slices.Sorted(maps.Keys(entries)) {
		out = append(out, entries[k])
	}
	return out
}
