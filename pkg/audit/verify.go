package audit

import (
	"context"
	"fmt"

	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/records"
)

// SnapshotSource returns the current canonical snapshot of an entity. It
// returns an error matching errors.ErrNotFound when the entity does not exist.
type SnapshotSource interface {
	Snapshot(ctx context.Context, id records.Identity) (records.CanonicalEntity, error)
}

// SnapshotFunc adapts a function to SnapshotSource.
type SnapshotFunc func(ctx context.Context, id records.Identity) (records.CanonicalEntity, error)

// Snapshot implements SnapshotSource.
func (f SnapshotFunc) Snapshot(ctx context.Context, id records.Identity) (records.CanonicalEntity, error) {
	return f(ctx, id)
}

// Verify recomputes the hash of entity and compares it with entry.
func Verify(entity records.CanonicalEntity, entry records.AuditEntry) error {
	if entity.Identity() != entry.Identity() {
		return fmt.Errorf("audit entry %s is for %s, not %s", entry.EntryID, entry.Identity(), entity.Identity())
	}
	got, err := EntityHash(entity)
	if err != nil {
		return err
	}
	if got != entry.CanonicalHash {
		return fmt.Errorf("hash mismatch for %s: audited %s, recomputed %s", entity.Identity(), entry.CanonicalHash, got)
	}
	return nil
}

// Mismatch is an audit entry whose entity no longer hashes to the audited value.
type Mismatch struct {
	Entry  records.AuditEntry `json:"entry" yaml:"entry"`
	Actual string             `json:"actual" yaml:"actual"`
}

// VerificationReport summarizes a verification pass.
type VerificationReport struct {
	Checked    int                  `json:"checked" yaml:"checked"`
	Matched    int                  `json:"matched" yaml:"matched"`
	Superseded int                  `json:"superseded" yaml:"superseded"`
	Mismatched []Mismatch           `json:"mismatched,omitempty" yaml:"mismatched,omitempty"`
	Missing    []records.AuditEntry `json:"missing,omitempty" yaml:"missing,omitempty"`
	// Unaudited lists stored entities without any audit entry.
	Unaudited []records.Identity `json:"unaudited,omitempty" yaml:"unaudited,omitempty"`
}

// OK reports whether every checked entry matched and every stored entity
// was audited.
func (r *VerificationReport) OK() bool {
	return len(r.Mismatched) == 0 && len(r.Missing) == 0 && len(r.Unaudited) == 0
}

// VerifyEntries checks the latest entry per identity against src. Earlier
// entries for the same identity are counted as superseded.
func VerifyEntries(ctx context.Context, entries []records.AuditEntry, src SnapshotSource) (*VerificationReport, error) {
	latest := make(map[records.Identity]int, len(entries))
	var order []records.Identity
	report := &VerificationReport{}
	for i, e := range entries {
		id := e.Identity()
		if _, ok := latest[id]; ok {
			report.Superseded++
		} else {
			order = append(order, id)
		}
		latest[id] = i
	}

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		entry := entries[latest[id]]
		report.Checked++

		entity, err := src.Snapshot(ctx, id)
		if errors.IsNotFound(err) {
			report.Missing = append(report.Missing, entry)
			continue
		}
		if err != nil {
			return report, fmt.Errorf("snapshot %s: %w", id, err)
		}
		actual, err := EntityHash(entity)
		if err != nil {
			return report, err
		}
		if actual != entry.CanonicalHash {
			report.Mismatched = append(report.Mismatched, Mismatch{Entry: entry, Actual: actual})
			continue
		}
		report.Matched++
	}
	return report, nil
}
