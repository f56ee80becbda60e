package sources

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/agentstation/migrator/pkg/constants"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/querybuilder"
	"github.com/agentstation/migrator/pkg/records"
)

// SQLConfig configures a SQL adapter.
type SQLConfig struct {
	// Dialect is postgres, mysql or sqlite.
	Dialect string
	DSN     string
	// Tables is the allowlist of tables this adapter may read. Table must
	// be one of them.
	Tables     []string
	Table      string
	PrimaryKey string
	// IDColumn holds the legacy id; defaults to PrimaryKey.
	IDColumn string
	// Columns to select; empty selects every column.
	Columns []string
	// NumericKey binds the keyset cursor as an integer.
	NumericKey bool
	// ChunkSize bounds the IN clause used for retried keys.
	ChunkSize      int
	MaxOpenConns   int
	AcquireTimeout time.Duration
	ExtractTimeout time.Duration

	// DB, when set, is used instead of opening DSN. The adapter does not
	// close it.
	DB *sql.DB
}

// SQLAdapter extracts rows from one allowlisted table with keyset
// pagination on the primary key.
type SQLAdapter struct {
	cfg     SQLConfig
	dialect querybuilder.Dialect

	mu    sync.Mutex
	db    *sql.DB
	owned bool
}

var _ Adapter = (*SQLAdapter)(nil)

// NewSQL validates cfg and creates an adapter. A table outside the allowlist
// is a configuration error.
func NewSQL(cfg SQLConfig) (*SQLAdapter, error) {
	d, err := querybuilder.ParseDialect(cfg.Dialect)
	if err != nil {
		return nil, errors.NewConfigError("sql source", err.Error(), err)
	}
	if len(cfg.Tables) == 0 {
		return nil, errors.NewConfigError("sql source", "table allowlist is empty", nil)
	}
	if !slices.Contains(cfg.Tables, cfg.Table) {
		return nil, errors.NewConfigError("sql source", fmt.Sprintf("table %q is not in the allowlist", cfg.Table), nil)
	}
	if cfg.DB == nil && cfg.DSN == "" {
		return nil, errors.NewConfigError("sql source", "dsn is required", nil)
	}
	if cfg.PrimaryKey == "" {
		cfg.PrimaryKey = "id"
	}
	if cfg.IDColumn == "" {
		cfg.IDColumn = cfg.PrimaryKey
	}
	if len(cfg.Columns) > 0 {
		for _, c := range []string{cfg.PrimaryKey, cfg.IDColumn} {
			if !slices.Contains(cfg.Columns, c) {
				cfg.Columns = append(slices.Clone(cfg.Columns), c)
			}
		}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = constants.DefaultChunkSize
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = constants.AcquireTimeout
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = constants.ExtractTimeout
	}
	return &SQLAdapter{cfg: cfg, dialect: d}, nil
}

// Kind implements Adapter.
func (a *SQLAdapter) Kind() records.SourceKind { return records.SourceSQL }

// Table implements Adapter.
func (a *SQLAdapter) Table() string { return a.cfg.Table }

// Open implements Adapter. It opens the connection pool for the run.
func (a *SQLAdapter) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return nil
	}
	db := a.cfg.DB
	if db == nil {
		var err error
		if db, err = sql.Open(a.dialect.Driver(), a.cfg.DSN); err != nil {
			return errors.NewAdapterError(a.cfg.Table, "", err)
		}
		db.SetMaxOpenConns(a.cfg.MaxOpenConns)
		db.SetMaxIdleConns(a.cfg.MaxOpenConns)
		db.SetConnMaxLifetime(time.Hour)
		a.owned = true
	}
	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.AcquireTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if a.owned {
			_ = db.Close()
		}
		return errors.NewAdapterError(a.cfg.Table, "", a.timeoutOr(pingCtx, "connect", err))
	}
	a.db = db
	return nil
}

// Extract implements Adapter. It holds a pooled connection only for the
// duration of the query.
func (a *SQLAdapter) Extract(ctx context.Context, cursor records.Cursor, limit int) (Page, error) {
	if err := checkLimit(limit); err != nil {
		return Page{}, err
	}
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return Page{}, errors.NewAdapterError(a.cfg.Table, cursor.String(), errors.New("source is not open"))
	}
	if err := canceled(ctx); err != nil {
		return Page{}, errors.NewAdapterError(a.cfg.Table, cursor.String(), err)
	}

	if len(cursor.RetryKeys) > 0 {
		page, err := retryPage(cursor, limit, func(keys map[string]bool) ([]records.LegacyRecord, error) {
			served := make([]string, 0, len(keys))
			for _, k := range cursor.RetryKeys {
				if keys[k] {
					served = append(served, k)
				}
			}
			retry, err := a.bindKeys(served)
			if err != nil {
				return nil, err
			}
			recs, _, err := a.query(ctx, db, querybuilder.PageQuery{RetryKeys: retry})
			return recs, err
		})
		if err != nil {
			return Page{}, errors.WrapAdapter(a.cfg.Table, cursor.String(), err)
		}
		return page, nil
	}

	q := querybuilder.PageQuery{Limit: limit}
	if cursor.After != "" {
		after, err := a.bindKey(cursor.After)
		if err != nil {
			return Page{}, errors.NewAdapterError(a.cfg.Table, cursor.String(), err)
		}
		q.After = after
	}
	recs, skipped, err := a.query(ctx, db, q)
	if err != nil {
		return Page{}, errors.WrapAdapter(a.cfg.Table, cursor.String(), err)
	}
	page := Page{Records: recs, Skipped: skipped, Next: cursor}
	page.Next.RetryKeys = nil
	served := len(recs) + len(skipped)
	if last := lastPosition(recs, skipped); last != "" {
		page.Next.After = last
	}
	page.Done = served < limit
	return page, nil
}

func (a *SQLAdapter) query(ctx context.Context, db *sql.DB, q querybuilder.PageQuery) ([]records.LegacyRecord, []SkippedRow, error) {
	q.Table = a.cfg.Table
	q.PrimaryKey = a.cfg.PrimaryKey
	q.Columns = a.cfg.Columns
	q.ChunkSize = a.cfg.ChunkSize
	stmt, args, err := a.dialect.Page(q)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.ExtractTimeout)
	defer cancel()

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, a.cfg.AcquireTimeout)
	conn, err := db.Conn(acquireCtx)
	cancelAcquire()
	if err != nil {
		return nil, nil, a.timeoutOr(acquireCtx, "acquire connection", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, nil, a.timeoutOr(ctx, "extract", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var (
		recs    []records.LegacyRecord
		skipped []SkippedRow
	)
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		rec, skip := a.toRecord(cols, raw)
		if skip != nil {
			skipped = append(skipped, *skip)
			continue
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, a.timeoutOr(ctx, "extract", err)
	}
	return recs, skipped, nil
}

func (a *SQLAdapter) toRecord(cols []string, raw []any) (records.LegacyRecord, *SkippedRow) {
	values := make(records.Values, len(cols))
	for i, col := range cols {
		v := raw[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		values[col] = v
	}
	pos, _ := values.String(a.cfg.PrimaryKey)
	for _, col := range cols {
		if s, ok := values[col].(string); ok && !utf8.ValidString(s) {
			return records.LegacyRecord{}, &SkippedRow{Position: pos, Reason: fmt.Sprintf("invalid UTF-8 in column %s", col)}
		}
	}
	id, ok := values.String(a.cfg.IDColumn)
	if !ok || id == "" {
		return records.LegacyRecord{}, &SkippedRow{Position: pos, Reason: fmt.Sprintf("missing id column %s", a.cfg.IDColumn)}
	}
	return records.LegacyRecord{
		Kind:        records.SourceSQL,
		SourceTable: a.cfg.Table,
		LegacyID:    id,
		Position:    pos,
		Values:      values,
	}, nil
}

func (a *SQLAdapter) bindKey(key string) (any, error) {
	if !a.cfg.NumericKey {
		return key, nil
	}
	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, errors.NewValidationError("cursor", key, "numeric primary key cursor is not an integer")
	}
	return n, nil
}

func (a *SQLAdapter) bindKeys(keys []string) ([]any, error) {
	out := make([]any, len(keys))
	for i, k := range keys {
		v, err := a.bindKey(k)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (a *SQLAdapter) timeoutOr(ctx context.Context, op string, err error) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) || stderrors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", errors.NewTimeoutError(op, "", err.Error()), err)
	}
	return err
}

// Close implements Adapter. A pool passed in through SQLConfig.DB stays open.
func (a *SQLAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	var err error
	if a.owned {
		err = a.db.Close()
	}
	a.db = nil
	return err
}

func lastPosition(recs []records.LegacyRecord, skipped []SkippedRow) string {
	// rows arrive ordered by primary key; skipped rows still advance the cursor
	var last string
	if n := len(recs); n > 0 {
		last = recs[n-1].Position
	}
	if n := len(skipped); n > 0 && skipped[n-1].Position != "" {
		if last == "" || keyAfter(skipped[n-1].Position, last) {
			last = skipped[n-1].Position
		}
	}
	return last
}

func keyAfter(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai > bi
	}
	return a > b
}
