package canonical

import (
	"context"
	"fmt"
	"slices"

	"github.com/agentstation/migrator/pkg/audit"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/records"
)

// WriteOutcome classifies a single canonical write.
type WriteOutcome string

// Write outcomes.
const (
	// Created means the entity was inserted.
	Created WriteOutcome = "created"
	// Unchanged means an identical entity was already stored.
	Unchanged WriteOutcome = "unchanged"
	// Diverged means a different entity is stored under the same identity.
	// Nothing was written; the pipeline routes it to manual review.
	Diverged WriteOutcome = "diverged"
)

// WriteResult is the result of writing one entity.
type WriteResult struct {
	Identity   records.Identity `json:"identity" yaml:"identity"`
	Outcome    WriteOutcome     `json:"outcome" yaml:"outcome"`
	Hash       string           `json:"hash" yaml:"hash"`
	StoredHash string           `json:"storedHash,omitempty" yaml:"stored_hash,omitempty"`
}

// MappingStats describes what mapping left behind.
type MappingStats struct {
	// DroppedFields lists source columns outside the writable core fields.
	DroppedFields []string
}

// WriteAdapter maps legacy rows of one entity type and writes them.
type WriteAdapter interface {
	EntityType() string
	WritableCoreFields() []string
	Map(orgID string, rec records.LegacyRecord) (records.CanonicalEntity, MappingStats, error)
	Write(ctx context.Context, tx Tx, e records.CanonicalEntity) (WriteResult, error)
}

// EntitySpec declares an entity type's writable core fields.
type EntitySpec struct {
	Type     string   `mapstructure:"type" yaml:"type"`
	Fields   []string `mapstructure:"fields" yaml:"fields"`
	Required []string `mapstructure:"required" yaml:"required"`
	// IDPrefix is prepended to the legacy id to form the canonical id.
	IDPrefix string `mapstructure:"id_prefix" yaml:"id_prefix"`
}

// Validate checks that the spec is usable.
func (s EntitySpec) Validate() error {
	if s.Type == "" {
		return errors.NewValidationError("type", s.Type, "entity type is required")
	}
	if len(s.Fields) == 0 {
		return errors.NewValidationError("fields", s.Fields, fmt.Sprintf("entity type %s has no writable fields", s.Type))
	}
	for _, r := range s.Required {
		if !slices.Contains(s.Fields, r) {
			return errors.NewValidationError("required", r, fmt.Sprintf("required field %s of %s is not writable", r, s.Type))
		}
	}
	return nil
}

// FieldAdapter is the WriteAdapter built from an EntitySpec.
type FieldAdapter struct {
	spec     EntitySpec
	writable map[string]bool
}

// NewFieldAdapter creates a FieldAdapter for spec.
func NewFieldAdapter(spec EntitySpec) (*FieldAdapter, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	spec.Fields = slices.Clone(spec.Fields)
	slices.Sort(spec.Fields)
	spec.Fields = slices.Compact(spec.Fields)

	writable := make(map[string]bool, len(spec.Fields))
	for _, f := range spec.Fields {
		writable[f] = true
	}
	return &FieldAdapter{spec: spec, writable: writable}, nil
}

// EntityType implements WriteAdapter.
func (a *FieldAdapter) EntityType() string { return a.spec.Type }

// WritableCoreFields implements WriteAdapter.
func (a *FieldAdapter) WritableCoreFields() []string { return slices.Clone(a.spec.Fields) }

// Map implements WriteAdapter. Columns outside the writable set are dropped
// and reported; absent columns are left out; the org id is always orgID.
func (a *FieldAdapter) Map(orgID string, rec records.LegacyRecord) (records.CanonicalEntity, MappingStats, error) {
	var stats MappingStats
	if orgID == "" {
		return records.CanonicalEntity{}, stats, errors.NewMappingError(a.spec.Type, rec.LegacyID, "", "org id is required")
	}
	if rec.LegacyID == "" {
		return records.CanonicalEntity{}, stats, errors.NewMappingError(a.spec.Type, rec.LegacyID, "", "legacy id is empty")
	}

	fields := make(map[string]any, len(a.spec.Fields))
	for _, col := range rec.Values.Columns() {
		v := rec.Values[col]
		if !a.writable[col] {
			stats.DroppedFields = append(stats.DroppedFields, col)
			continue
		}
		if records.IsAbsent(v) {
			continue
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		fields[col] = v
	}
	for _, req := range a.spec.Required {
		if v, ok := fields[req]; !ok || v == nil || v == "" {
			return records.CanonicalEntity{}, stats, errors.NewMappingError(a.spec.Type, rec.LegacyID, req, "required field is missing")
		}
	}

	e := records.CanonicalEntity{
		EntityType:  a.spec.Type,
		OrgID:       orgID,
		ID:          a.spec.IDPrefix + rec.LegacyID,
		Fields:      fields,
		LegacyID:    rec.LegacyID,
		SourceTable: rec.SourceTable,
		Position:    rec.Position,
	}
	if err := e.Validate(a.spec.Fields); err != nil {
		return records.CanonicalEntity{}, stats, errors.NewMappingError(a.spec.Type, rec.LegacyID, "", err.Error())
	}
	return e, stats, nil
}

// Write implements WriteAdapter.
func (a *FieldAdapter) Write(ctx context.Context, tx Tx, e records.CanonicalEntity) (WriteResult, error) {
	return WriteEntity(ctx, tx, e)
}

// WriteEntity writes e through tx without ever overwriting: an identical
// stored entity is Unchanged, a different one is Diverged.
func WriteEntity(ctx context.Context, tx Tx, e records.CanonicalEntity) (WriteResult, error) {
	if err := CheckTenant(tx, e); err != nil {
		return WriteResult{}, err
	}
	hash, err := audit.EntityHash(e)
	if err != nil {
		return WriteResult{}, fmt.Errorf("hash %s: %w", e.Identity(), err)
	}
	result := WriteResult{Identity: e.Identity(), Hash: hash}

	existing, found, err := tx.Get(ctx, e.EntityType, e.ID)
	if err != nil {
		return result, err
	}
	if !found {
		inserted, err := tx.Put(ctx, e, hash)
		if err != nil {
			return result, err
		}
		if inserted {
			result.Outcome = Created
			return result, nil
		}
		// lost a race with a concurrent writer; classify against its row
		if existing, found, err = tx.Get(ctx, e.EntityType, e.ID); err != nil {
			return result, err
		}
		if !found {
			return result, fmt.Errorf("insert of %s was ignored but no row exists", e.Identity())
		}
	}
	result.StoredHash = existing.Hash
	if existing.Hash == hash {
		result.Outcome = Unchanged
	} else {
		result.Outcome = Diverged
	}
	return result, nil
}
