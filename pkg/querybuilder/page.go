package querybuilder

import (
	"strconv"

	"github.com/agentstation/migrator/pkg/errors"
)

// PageQuery describes one keyset-paginated extraction.
type PageQuery struct {
	Table      string
	PrimaryKey string
	// Columns to select; empty selects every column.
	Columns []string
	// After is the last primary key already served, or nil to start at the
	// beginning of the table.
	After any
	// RetryKeys, when non-empty, selects exactly these keys instead of
	// reading forward from After.
	RetryKeys []any
	Limit     int
	ChunkSize int
}

// Page builds the extraction statement for q:
//
//	SELECT cols FROM table WHERE pk > ? ORDER BY pk LIMIT n
//
// or, when RetryKeys is set, the chunked-IN form over the retried keys.
func (d Dialect) Page(q PageQuery) (string, []any, error) {
	switch {
	case q.Table == "":
		return "", nil, errors.NewValidationError("table", q.Table, "table is required")
	case q.PrimaryKey == "":
		return "", nil, errors.NewValidationError("primary_key", q.PrimaryKey, "primary key is required")
	case q.Limit <= 0 && len(q.RetryKeys) == 0:
		return "", nil, errors.NewValidationError("limit", q.Limit, "limit must be positive")
	}

	b := NewBuilder(d).WriteString("SELECT ")
	if len(q.Columns) == 0 {
		b.WriteString("*")
	}
	for i, c := range q.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(c)
	}
	b.WriteString(" FROM ").Ident(q.Table)

	switch {
	case len(q.RetryKeys) > 0:
		b.WriteString(" WHERE ")
		b.In(q.PrimaryKey, q.RetryKeys, q.ChunkSize)
	case q.After != nil:
		b.WriteString(" WHERE ").Ident(q.PrimaryKey).WriteString(" > ").Arg(q.After)
	}

	b.WriteString(" ORDER BY ").Ident(q.PrimaryKey)
	if len(q.RetryKeys) == 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	}
	return b.String(), b.Args(), nil
}

// InsertIgnore builds an insert that leaves an existing row with the same key
// untouched instead of failing.
func (d Dialect) InsertIgnore(table string, columns []string) string {
	b := NewBuilder(d)
	if d == MySQL {
		b.WriteString("INSERT IGNORE INTO ")
	} else {
		b.WriteString("INSERT INTO ")
	}
	b.Ident(table).WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(c)
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Placeholder(i + 1))
	}
	b.WriteString(")")
	if d != MySQL {
		b.WriteString(" ON CONFLICT DO NOTHING")
	}
	return b.String()
}
