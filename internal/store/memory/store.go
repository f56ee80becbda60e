// Package memory provides an in-memory canonical store for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/agentstation/migrator/pkg/canonical"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/records"
)

// Store is an in-memory canonical.Store.
type Store struct {
	mu   sync.RWMutex
	rows map[records.Identity]canonical.StoredEntity
	now  func() time.Time
}

var _ canonical.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithNow sets the clock used to stamp written rows.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{rows: make(map[records.Identity]canonical.StoredEntity), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin implements canonical.Store.
func (s *Store) Begin(ctx context.Context, orgID string) (canonical.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if orgID == "" {
		return nil, fmt.Errorf("%w: transaction without org id", errors.ErrTenancy)
	}
	return &tx{store: s, org: orgID, pending: make(map[records.Identity]canonical.StoredEntity)}, nil
}

// Get implements canonical.Store.
func (s *Store) Get(_ context.Context, id records.Identity) (canonical.StoredEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return canonical.StoredEntity{}, errors.NewNotFoundError("entity", id.String())
	}
	return row, nil
}

// List implements canonical.Store.
func (s *Store) List(_ context.Context, orgID, entityType string) ([]canonical.StoredEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []canonical.StoredEntity
	for id, row := range s.rows {
		if id.OrgID == orgID && id.EntityType == entityType {
			out = append(out, row)
		}
	}
	slices.SortFunc(out, func(a, b canonical.StoredEntity) int {
		return strings.Compare(a.Entity.ID, b.Entity.ID)
	})
	return out, nil
}

// Len returns the number of stored rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Close implements canonical.Store.
func (s *Store) Close() error { return nil }

type tx struct {
	store   *Store
	org     string
	pending map[records.Identity]canonical.StoredEntity
	done    bool
}

func (t *tx) OrgID() string { return t.org }

func (t *tx) Get(_ context.Context, entityType, id string) (canonical.StoredEntity, bool, error) {
	if t.done {
		return canonical.StoredEntity{}, false, errTxDone
	}
	key := records.Identity{EntityType: entityType, OrgID: t.org, ID: id}
	if row, ok := t.pending[key]; ok {
		return row, true, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	row, ok := t.store.rows[key]
	return row, ok, nil
}

func (t *tx) Put(ctx context.Context, e records.CanonicalEntity, hash string) (bool, error) {
	if t.done {
		return false, errTxDone
	}
	if err := canonical.CheckTenant(t, e); err != nil {
		return false, err
	}
	if _, found, _ := t.Get(ctx, e.EntityType, e.ID); found {
		return false, nil
	}
	e = e.Compact()
	e.Fields = maps.Clone(e.Fields)
	t.pending[e.Identity()] = canonical.StoredEntity{Entity: e, Hash: hash, WrittenAt: t.store.now().UTC()}
	return true, nil
}

func (t *tx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, row := range t.pending {
		if existing, ok := t.store.rows[id]; ok && existing.Hash != row.Hash {
			return fmt.Errorf("commit %s: %w", id, errors.ErrAlreadyExists)
		}
	}
	maps.Copy(t.store.rows, t.pending)
	return nil
}

func (t *tx) Rollback() error {
	t.done = true
	t.pending = nil
	return nil
}

var errTxDone = fmt.Errorf("transaction already committed or rolled back")
