package records

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Identity is the composite key of a canonical row. Every canonical row is
// stored under (org, entity type, id); the org is always injected by the
// migration, never read from the source.
type Identity struct {
	EntityType string `json:"entityType" yaml:"entity_type"`
	OrgID      string `json:"orgId" yaml:"org_id"`
	ID         string `json:"id" yaml:"id"`
}

// String renders the identity as "entityType/orgId/id".
func (i Identity) String() string {
	return i.EntityType + "/" + i.OrgID + "/" + i.ID
}

// CanonicalEntity is a tenant-scoped, whitelisted record ready for writing.
type CanonicalEntity struct {
	EntityType string         `json:"entityType" yaml:"entity_type"`
	OrgID      string         `json:"orgId" yaml:"org_id"`
	ID         string         `json:"id" yaml:"id"`
	Fields     map[string]any `json:"fields" yaml:"fields"`

	// Provenance, not part of the canonical content.
	LegacyID    string `json:"-" yaml:"-"`
	SourceTable string `json:"-" yaml:"-"`
	Position    string `json:"-" yaml:"-"`
}

// Identity returns the composite key of the entity.
func (e CanonicalEntity) Identity() Identity {
	return Identity{EntityType: e.EntityType, OrgID: e.OrgID, ID: e.ID}
}

// ReservationKey returns the reservation triple the entity is claimed under.
func (e CanonicalEntity) ReservationKey() ReservationKey {
	return ReservationKey{EntityType: e.EntityType, OrgID: e.OrgID, LegacyID: e.LegacyID}
}

// Validate checks the entity invariants: non-empty org, type and id, and a
// field set that is a subset of writable.
func (e CanonicalEntity) Validate(writable []string) error {
	switch {
	case e.OrgID == "":
		return fmt.Errorf("entity %s/%s has no org id", e.EntityType, e.ID)
	case e.EntityType == "":
		return fmt.Errorf("entity %s has no entity type", e.ID)
	case e.ID == "":
		return fmt.Errorf("%s entity has no id", e.EntityType)
	}
	for _, name := range slices.Sorted(maps.Keys(e.Fields)) {
		if !slices.Contains(writable, name) {
			return fmt.Errorf("field %q is not writable for %s", name, e.EntityType)
		}
	}
	return nil
}

// Compact returns a copy of the entity without Absent field values. Stores
// persist the compact form so that a snapshot read back hashes identically.
func (e CanonicalEntity) Compact() CanonicalEntity {
	fields := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		if !IsAbsent(v) {
			fields[k] = v
		}
	}
	e.Fields = fields
	return e
}

// ReservationKey is the triple a reservation ticket claims.
type ReservationKey struct {
	EntityType string `json:"entityType" yaml:"entity_type"`
	OrgID      string `json:"orgId" yaml:"org_id"`
	LegacyID   string `json:"legacyId" yaml:"legacy_id"`
}

// String renders the key as "entityType/orgId/legacyId".
func (k ReservationKey) String() string {
	return k.EntityType + "/" + k.OrgID + "/" + k.LegacyID
}

// Outcome is the result of staking a reservation ticket.
type Outcome string

// Reservation outcomes.
const (
	Winner Outcome = "winner"
	Loser  Outcome = "loser"
)

// ReservationTicket records who holds "writer of record" for a key in a run.
// Losers are expected: they mean the same legacy row was seen more than once.
type ReservationTicket struct {
	Key      ReservationKey `json:"key" yaml:"key"`
	Outcome  Outcome        `json:"outcome" yaml:"outcome"`
	Hash     string         `json:"hash" yaml:"hash"`
	Batch    int64          `json:"batch" yaml:"batch"`
	Position string         `json:"position" yaml:"position"`
}

// Won reports whether the ticket is the winner for its key.
func (t ReservationTicket) Won() bool {
	return t.Outcome == Winner
}

// Candidate is one of the colliding versions described by a ConflictRecord.
type Candidate struct {
	SourceTable string         `json:"sourceTable" yaml:"source_table"`
	Position    string         `json:"position" yaml:"position"`
	Hash        string         `json:"hash" yaml:"hash"`
	Fields      map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Conflict reasons.
const (
	ReasonDivergentCandidates = "divergent candidates"
	ReasonDivergentWinner     = "differs from reserved winner"
	ReasonReservedConflict    = "identity already in manual review"
	ReasonStoredDivergence    = "differs from stored entity"
)

// ConflictRecord is produced when legacy rows map to the same canonical
// identity with materially different content. It is routed to manual review
// instead of overwriting anything.
type ConflictRecord struct {
	ID         string      `json:"id" yaml:"id"`
	RunID      string      `json:"runId,omitempty" yaml:"run_id,omitempty"`
	Identity   Identity    `json:"identity" yaml:"identity"`
	LegacyID   string      `json:"legacyId" yaml:"legacy_id"`
	Reason     string      `json:"reason" yaml:"reason"`
	Candidates []Candidate `json:"candidates" yaml:"candidates"`
	DetectedAt time.Time   `json:"detectedAt" yaml:"detected_at"`
}

// AuditEntry is an append-only governance record: the canonical hash of an
// entity as it was written.
type AuditEntry struct {
	EntryID       string    `json:"entryId" yaml:"entry_id"`
	RunID         string    `json:"runId" yaml:"run_id"`
	EntityType    string    `json:"entityType" yaml:"entity_type"`
	OrgID         string    `json:"orgId" yaml:"org_id"`
	ID            string    `json:"id" yaml:"id"`
	CanonicalHash string    `json:"canonicalHash" yaml:"canonical_hash"`
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp"`
}

// Identity returns the identity of the audited entity.
func (a AuditEntry) Identity() Identity {
	return Identity{EntityType: a.EntityType, OrgID: a.OrgID, ID: a.ID}
}
