// Package records defines the data model shared by every stage of a migration
// run: legacy rows as extracted from a source, the batches and cursors that
// carry them, the canonical entities they map to, and the reservation, conflict
// and audit records produced while reconciling and writing them.
//
// Records flow through the pipeline in one direction:
//
//	LegacyRecord -> CanonicalEntity -> ReservationTicket (+ ConflictRecord) -> AuditEntry
//
// A LegacyRecord is immutable once extracted. Callers that need to modify
// values must Clone first.
package records
