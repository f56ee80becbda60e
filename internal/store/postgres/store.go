// Package postgres is a canonical store on a pgx connection pool. Every
// transaction sets app.current_org so row level security policies on the
// entity table can enforce tenancy in the database as well.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentstation/migrator/pkg/canonical"
	migerrors "github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/querybuilder"
	"github.com/agentstation/migrator/pkg/records"
)

// DefaultTable is the canonical entity table.
const DefaultTable = "canonical_entities"

// Store is a canonical.Store backed by PostgreSQL.
type Store struct {
	pool  *pgxpool.Pool
	table string

	insert    string
	selectOne string
	selectAll string
}

var _ canonical.Store = (*Store)(nil)

// Config holds the pool settings.
type Config struct {
	DSN      string
	Table    string
	MaxConns int32
}

// Open creates the pool, checks connectivity, and ensures the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pgConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		pgConfig.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	s := New(pool, cfg.Table)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	d := querybuilder.Postgres
	t := d.QuoteIdent(table)
	return &Store{
		pool:  pool,
		table: table,
		insert: fmt.Sprintf(`INSERT INTO %s (org_id, entity_type, id, fields, content_hash, legacy_id, source_table, written_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, now()) ON CONFLICT DO NOTHING`, t),
		selectOne: fmt.Sprintf(`SELECT org_id, entity_type, id, fields::text, content_hash, legacy_id, source_table, written_at
FROM %s WHERE org_id = $1 AND entity_type = $2 AND id = $3`, t),
		selectAll: fmt.Sprintf(`SELECT org_id, entity_type, id, fields::text, content_hash, legacy_id, source_table, written_at
FROM %s WHERE org_id = $1 AND entity_type = $2 ORDER BY id`, t),
	}
}

// EnsureSchema creates the entity table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	org_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	id TEXT NOT NULL,
	fields JSONB NOT NULL,
	content_hash CHAR(64) NOT NULL,
	legacy_id TEXT NOT NULL,
	source_table TEXT NOT NULL,
	written_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (org_id, entity_type, id)
)`, querybuilder.Postgres.QuoteIdent(s.table)))
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) begin(ctx context.Context, orgID string, opts pgx.TxOptions) (pgx.Tx, error) {
	if orgID == "" {
		return nil, fmt.Errorf("%w: transaction without org id", migerrors.ErrTenancy)
	}
	pgTx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := pgTx.Exec(ctx, `SELECT set_config('app.current_org', $1, true)`, orgID); err != nil {
		_ = pgTx.Rollback(ctx)
		return nil, fmt.Errorf("set tenant for transaction: %w", err)
	}
	return pgTx, nil
}

// Begin implements canonical.Store.
func (s *Store) Begin(ctx context.Context, orgID string) (canonical.Tx, error) {
	pgTx, err := s.begin(ctx, orgID, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	// Commit and Rollback have no context in canonical.Tx
	return &tx{ctx: context.WithoutCancel(ctx), tx: pgTx, store: s, org: orgID}, nil
}

// Get implements canonical.Store.
func (s *Store) Get(ctx context.Context, id records.Identity) (canonical.StoredEntity, error) {
	pgTx, err := s.begin(ctx, id.OrgID, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return canonical.StoredEntity{}, err
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	stored, found, err := s.get(ctx, pgTx, id)
	if err != nil {
		return stored, err
	}
	if !found {
		return stored, migerrors.NewNotFoundError("entity", id.String())
	}
	return stored, nil
}

// List implements canonical.Store.
func (s *Store) List(ctx context.Context, orgID, entityType string) ([]canonical.StoredEntity, error) {
	pgTx, err := s.begin(ctx, orgID, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	rows, err := pgTx.Query(ctx, s.selectAll, orgID, entityType)
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

// Close implements canonical.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) get(ctx context.Context, q pgx.Tx, id records.Identity) (canonical.StoredEntity, bool, error) {
	stored, err := scanEntity(q.QueryRow(ctx, s.selectOne, id.OrgID, id.EntityType, id.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return canonical.StoredEntity{}, false, nil
	}
	if err != nil {
		return canonical.StoredEntity{}, false, fmt.Errorf("get %s: %w", id, err)
	}
	return stored, true, nil
}

func scanEntity(row pgx.Row) (canonical.StoredEntity, error) {
	var (
		stored canonical.StoredEntity
		fields string
		wrote  time.Time
	)
	e := &stored.Entity
	if err := row.Scan(&e.OrgID, &e.EntityType, &e.ID, &fields, &stored.Hash, &e.LegacyID, &e.SourceTable, &wrote); err != nil {
		return stored, err
	}
	var err error
	if e.Fields, err = canonical.DecodeFields(fields); err != nil {
		return stored, err
	}
	stored.WrittenAt = wrote.UTC()
	return stored, nil
}

type tx struct {
	ctx   context.Context
	tx    pgx.Tx
	store *Store
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
	tag, err := t.tx.Exec(ctx, t.store.insert, e.OrgID, e.EntityType, e.ID, fields, hash, e.LegacyID, e.SourceTable)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", e.Identity(), err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) Commit() error { return t.tx.Commit(t.ctx) }

func (t *tx) Rollback() error {
	err := t.tx.Rollback(t.ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
