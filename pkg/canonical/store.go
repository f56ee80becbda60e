// Package canonical is the write side of a migration: the adapters that map
// legacy rows onto canonical entities, the registry that looks them up by
// entity type, and the store contract they write through.
//
// Mapping is a whitelist. Only an entity type's writable core fields reach the
// canonical store, and the org id is always injected by the migration.
package canonical

import (
	"context"
	"fmt"
	"time"

	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/records"
)

// StoredEntity is a canonical row as persisted, with the hash it was written
// under.
type StoredEntity struct {
	Entity    records.CanonicalEntity `json:"entity" yaml:"entity"`
	Hash      string                  `json:"hash" yaml:"hash"`
	WrittenAt time.Time               `json:"writtenAt" yaml:"written_at"`
}

// Store is the canonical target store. Rows are keyed by (org id, entity type,
// id) and are never overwritten by the migrator.
type Store interface {
	// Begin opens a write transaction scoped to a single tenant.
	Begin(ctx context.Context, orgID string) (Tx, error)
	// Get returns a stored entity or an error matching errors.ErrNotFound.
	Get(ctx context.Context, id records.Identity) (StoredEntity, error)
	// List returns the entities of one type for a tenant, ordered by id.
	List(ctx context.Context, orgID, entityType string) ([]StoredEntity, error)
	Close() error
}

// Tx is a tenant-scoped write transaction. Nothing a Tx writes is visible
// until Commit; Rollback discards it.
type Tx interface {
	OrgID() string
	// Get looks an entity up inside the transaction.
	Get(ctx context.Context, entityType, id string) (StoredEntity, bool, error)
	// Put inserts the entity unless a row with the same key already exists,
	// and reports whether it inserted.
	Put(ctx context.Context, e records.CanonicalEntity, hash string) (bool, error)
	Commit() error
	Rollback() error
}

// CheckTenant returns an error matching errors.ErrTenancy when e does not
// belong to the transaction's tenant.
func CheckTenant(tx Tx, e records.CanonicalEntity) error {
	if e.OrgID == "" || e.OrgID != tx.OrgID() {
		return fmt.Errorf("%w: entity %s written in transaction for org %q", errors.ErrTenancy, e.Identity(), tx.OrgID())
	}
	return nil
}

// Snapshot reads the stored form of an entity, for auditing.
func Snapshot(ctx context.Context, s Store, id records.Identity) (records.CanonicalEntity, error) {
	stored, err := s.Get(ctx, id)
	if err != nil {
		return records.CanonicalEntity{}, err
	}
	return stored.Entity, nil
}
