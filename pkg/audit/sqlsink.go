package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/querybuilder"
	"github.com/agentstation/migrator/pkg/records"
)

// DefaultTable is the table SQLSink writes to when none is given.
const DefaultTable = "migration_audit_entries"

// recordedLayout is a fixed-width RFC 3339 layout, so recorded_at sorts
// chronologically as text.
const recordedLayout = "2006-01-02T15:04:05.000000000Z07:00"

var auditColumns = []string{"entry_id", "run_id", "entity_type", "org_id", "id", "canonical_hash", "recorded_at"}

// SQLSink appends entries to an insert-only table. Rows are never updated or
// deleted by the migrator.
type SQLSink struct {
	db      *sql.DB
	dialect querybuilder.Dialect
	table   string
	insert  string
}

// NewSQLSink creates a sink over db. The caller owns db.
func NewSQLSink(db *sql.DB, dialect querybuilder.Dialect, table string) *SQLSink {
	if table == "" {
		table = DefaultTable
	}
	return &SQLSink{
		db:      db,
		dialect: dialect,
		table:   table,
		insert:  dialect.InsertIgnore(table, auditColumns),
	}
}

// EnsureSchema creates the audit table when it does not exist.
func (s *SQLSink) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	entry_id VARCHAR(64) NOT NULL PRIMARY KEY,
	run_id VARCHAR(64) NOT NULL,
	entity_type VARCHAR(128) NOT NULL,
	org_id VARCHAR(128) NOT NULL,
	id VARCHAR(255) NOT NULL,
	canonical_hash CHAR(64) NOT NULL,
	recorded_at VARCHAR(40) NOT NULL
)`, s.dialect.QuoteIdent(s.table))
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create audit table %s: %w", s.table, err)
	}
	return nil
}

// Append implements Sink. All entries are inserted in one transaction.
func (s *SQLSink) Append(ctx context.Context, entries ...records.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.insert)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.EntryID, e.RunID, e.EntityType, e.OrgID, e.ID,
			e.CanonicalHash, e.Timestamp.UTC().Format(recordedLayout)); err != nil {
			return fmt.Errorf("insert audit entry %s: %w", e.EntryID, err)
		}
	}
	return tx.Commit()
}

// Entries implements Reader.
func (s *SQLSink) Entries(ctx context.Context) ([]records.AuditEntry, error) {
	b := querybuilder.NewBuilder(s.dialect).WriteString("SELECT ")
	for i, c := range auditColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(c)
	}
	b.WriteString(" FROM ").Ident(s.table).WriteString(" ORDER BY ").Ident("recorded_at").WriteString(", ").Ident("entry_id")

	rows, err := s.db.QueryContext(ctx, b.String())
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []records.AuditEntry
	for rows.Next() {
		var e records.AuditEntry
		var recorded string
		if err := rows.Scan(&e.EntryID, &e.RunID, &e.EntityType, &e.OrgID, &e.ID, &e.CanonicalHash, &recorded); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, recorded); err != nil {
			return nil, errors.NewParseError("timestamp", s.table, err.Error(), err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close implements Sink. The database handle is left open.
func (s *SQLSink) Close() error { return nil }
