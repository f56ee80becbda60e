package querybuilder

// Predicate is a standalone WHERE fragment with its bind arguments.
type Predicate struct {
	SQL     string
	Args    []any
	Clauses int
}

// Empty reports whether the predicate matches nothing. Callers must not
// execute a query built around an empty predicate.
func (p Predicate) Empty() bool {
	return p.Clauses == 0
}

// ChunkedIn returns a predicate selecting the same rows as column IN (values)
// without binding more than chunkSize values in a single clause. A chunkSize
// of zero or less uses DefaultChunkSize.
func ChunkedIn(d Dialect, column string, values []any, chunkSize int) Predicate {
	b := NewBuilder(d)
	n := b.In(column, values, chunkSize)
	return Predicate{SQL: b.String(), Args: b.Args(), Clauses: n}
}

// Strings converts string keys into bind values.
func Strings(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}
