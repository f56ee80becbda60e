// Package querybuilder generates the SQL fragments legacy adapters and SQL
// stores need: dialect-aware identifier quoting and placeholders, the
// chunked IN predicate, keyset page queries and idempotent inserts.
package querybuilder

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect is a SQL flavor.
type Dialect int

// Supported dialects.
const (
	Postgres Dialect = iota
	MySQL
	SQLite
)

// ParseDialect maps a driver or dialect name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pgx", "pg":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return 0, fmt.Errorf("unsupported SQL dialect %q", name)
}

// String returns the dialect name.
func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	}
	return "unknown"
}

// Driver returns the database/sql driver name registered for the dialect.
func (d Dialect) Driver() string {
	switch d {
	case Postgres:
		return "pgx"
	case MySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// Placeholder returns the bind placeholder for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// QuoteIdent quotes a possibly schema-qualified identifier.
func (d Dialect) QuoteIdent(name string) string {
	q := `"`
	if d == MySQL {
		q = "`"
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = q + strings.ReplaceAll(p, q, q+q) + q
	}
	return strings.Join(parts, ".")
}
