// Package sqlstore is a canonical store over database/sql. It works against
// SQLite (modernc.org/sqlite), MySQL and PostgreSQL through the pgx stdlib
// driver; quoting and placeholders follow the configured dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/agentstation/migrator/pkg/canonical"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/querybuilder"
	"github.com/agentstation/migrator/pkg/records"
)

// DefaultTable is the canonical entity table.
const DefaultTable = "canonical_entities"

var columns = []string{"org_id", "entity_type", "id", "fields", "content_hash", "legacy_id", "source_table", "written_at"}

// Store is a canonical.Store backed by a SQL table.
type Store struct {
	db      *sql.DB
	dialect querybuilder.Dialect
	table   string
	owned   bool
	now     func() time.Time

	insert    string
	selectOne string
	selectAll string
}

var _ canonical.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTable overrides the table name.
func WithTable(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.table = name
		}
	}
}

// WithNow sets the clock used to stamp written rows.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps an open database. The caller keeps ownership of db.
func New(db *sql.DB, dialect querybuilder.Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, table: DefaultTable, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.prepareStatements()
	return s
}

// Open opens a database for the dialect, applies pool settings, and creates
// the schema when it is missing. The returned store owns the database.
func Open(ctx context.Context, dialect querybuilder.Dialect, dsn string, opts ...Option) (*Store, error) {
	if dialect == querybuilder.SQLite {
		dsn = SQLiteDSN(dsn)
	}
	db, err := sql.Open(dialect.Driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == querybuilder.SQLite {
		// writes are serialized by SQLite anyway; a single connection also
		// keeps :memory: databases alive for the life of the store
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	s := New(db, dialect, opts...)
	s.owned = true
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSN turns a path into a modernc.org/sqlite DSN with a busy timeout
// and WAL journaling. DSNs that already carry parameters are left alone.
func SQLiteDSN(path string) string {
	if path == "" || path == ":memory:" || strings.Contains(path, "?") {
		if path == "" {
			return ":memory:"
		}
		return path
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", strings.TrimPrefix(path, "file:"))
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the store's SQL dialect.
func (s *Store) Dialect() querybuilder.Dialect { return s.dialect }

// EnsureSchema creates the entity table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	org_id VARCHAR(128) NOT NULL,
	entity_type VARCHAR(128) NOT NULL,
	id VARCHAR(255) NOT NULL,
	fields TEXT NOT NULL,
	content_hash CHAR(64) NOT NULL,
	legacy_id VARCHAR(255) NOT NULL,
	source_table VARCHAR(255) NOT NULL,
	written_at VARCHAR(40) NOT NULL,
	PRIMARY KEY (org_id, entity_type, id)
)`, s.dialect.QuoteIdent(s.table))
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) prepareStatements() {
	s.insert = s.dialect.InsertIgnore(s.table, columns)

	sel := querybuilder.NewBuilder(s.dialect).WriteString("SELECT ")
	for i, c := range columns {
		if i > 0 {
			sel.WriteString(", ")
		}
		sel.Ident(c)
	}
	sel.WriteString(" FROM ").Ident(s.table).WriteString(" WHERE ")
	prefix := sel.String()

	one := querybuilder.NewBuilder(s.dialect).WriteString(prefix)
	one.Ident("org_id").WriteString(" = ").Arg(nil).
		WriteString(" AND ").Ident("entity_type").WriteString(" = ").Arg(nil).
		WriteString(" AND ").Ident("id").WriteString(" = ").Arg(nil)
	s.selectOne = one.String()

	all := querybuilder.NewBuilder(s.dialect).WriteString(prefix)
	all.Ident("org_id").WriteString(" = ").Arg(nil).
		WriteString(" AND ").Ident("entity_type").WriteString(" = ").Arg(nil).
		WriteString(" ORDER BY ").Ident("id")
	s.selectAll = all.String()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q querier, id records.Identity) (canonical.StoredEntity, bool, error) {
	row := q.QueryRowContext(ctx, s.selectOne, id.OrgID, id.EntityType, id.ID)
	stored, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return canonical.StoredEntity{}, false, nil
	}
	if err != nil {
		return canonical.StoredEntity{}, false, fmt.Errorf("get %s: %w", id, err)
	}
	return stored, true, nil
}

// Get implements canonical.Store.
func (s *Store) Get(ctx context.Context, id records.Identity) (canonical.StoredEntity, error) {
	stored, found, err := s.get(ctx, s.db, id)
	if err != nil {
		return stored, err
	}
	if !found {
		return stored, errors.NewNotFoundError("entity", id.String())
	}
	return stored, nil
}

// List implements canonical.Store.
func (s *Store) List(ctx context.Context, orgID, entityType string) ([]canonical.StoredEntity, error) {
	rows, err := s.db.QueryContext(ctx, s.selectAll, orgID, entityType)
	if err != nil {
		return nil, fmt.Errorf("list %s for %s: %w", entityType, orgID, err)
	}
	defer rows.Close()
	var out []canonical.StoredEntity
	for rows.Next() {
		stored, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, rows.Err()
}

// Begin implements canonical.Store.
func (s *Store) Begin(ctx context.Context, orgID string) (canonical.Tx, error) {
	if orgID == "" {
		return nil, fmt.Errorf("%w: transaction without org id", errors.ErrTenancy)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &tx{store: s, tx: sqlTx, org: orgID}, nil
}

// Close implements canonical.Store. A store created with New leaves the
// database open.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(sc scanner) (canonical.StoredEntity, error) {
	var (
		stored        canonical.StoredEntity
		fields, wrote string
	)
	e := &stored.Entity
	if err := sc.Scan(&e.OrgID, &e.EntityType, &e.ID, &fields, &stored.Hash, &e.LegacyID, &e.SourceTable, &wrote); err != nil {
		return stored, err
	}
	var err error
	if e.Fields, err = canonical.DecodeFields(fields); err != nil {
		return stored, err
	}
	if stored.WrittenAt, err = time.Parse(time.RFC3339Nano, wrote); err != nil {
		return stored, errors.NewParseError("timestamp", "written_at", err.Error(), err)
	}
	return stored, nil
}

type tx struct {
	store *Store
	tx    *sql.Tx
	org   string
}

func (t *tx) OrgID() string { return t.org }

func (t *tx) Get(ctx context.Context, entityType, id string) (canonical.StoredEntity, bool, error) {
	return t.store.get(ctx, t.tx, records.Identity{EntityType: entityType, OrgID: t.org, ID: id})
}

func (t *tx) Put(ctx context.Context, e records.CanonicalEntity, hash string) (bool, error) {
	if err := canonical.CheckTenant(t, e); err != nil {
		return false, err
	}
	fields, err := canonical.EncodeFields(e.Fields)
	if err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(ctx, t.store.insert,
		e.OrgID, e.EntityType, e.ID, fields, hash, e.LegacyID, e.SourceTable,
		t.store.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", e.Identity(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *tx) Commit() error { return t.tx.Commit() }

func (t *tx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}
