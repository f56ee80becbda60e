package querybuilder

import "strings"

// DefaultChunkSize is the maximum number of values bound in one IN clause
// when the caller does not choose one.
const DefaultChunkSize = 5000

// Builder accumulates a statement and its bind arguments, numbering
// placeholders for dialects that need it.
type Builder struct {
	dialect Dialect
	sb      strings.Builder
	args    []any
}

// NewBuilder creates a Builder for the dialect.
func NewBuilder(d Dialect) *Builder {
	return &Builder{dialect: d}
}

// Dialect returns the builder's dialect.
func (b *Builder) Dialect() Dialect {
	return b.dialect
}

// WriteString appends raw SQL.
func (b *Builder) WriteString(s string) *Builder {
	b.sb.WriteString(s)
	return b
}

// Ident appends a quoted identifier.
func (b *Builder) Ident(name string) *Builder {
	b.sb.WriteString(b.dialect.QuoteIdent(name))
	return b
}

// Arg binds v and appends its placeholder.
func (b *Builder) Arg(v any) *Builder {
	b.args = append(b.args, v)
	b.sb.WriteString(b.dialect.Placeholder(len(b.args)))
	return b
}

// In appends a predicate equivalent to column IN (values) in which no single
// IN clause binds more than chunkSize values, and returns the number of
// clauses written. An empty values list appends an always-false predicate.
func (b *Builder) In(column string, values []any, chunkSize int) int {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(values) == 0 {
		b.sb.WriteString("1=0")
		return 0
	}
	chunks := Chunks(values, chunkSize)
	if len(chunks) > 1 {
		b.sb.WriteString("(")
	}
	for i, chunk := range chunks {
		if i > 0 {
			b.sb.WriteString(" OR ")
		}
		b.Ident(column).WriteString(" IN (")
		for j, v := range chunk {
			if j > 0 {
				b.sb.WriteString(", ")
			}
			b.Arg(v)
		}
		b.sb.WriteString(")")
	}
	if len(chunks) > 1 {
		b.sb.WriteString(")")
	}
	return len(chunks)
}

// String returns the statement built so far.
func (b *Builder) String() string {
	return b.sb.String()
}

// Args returns the bound arguments in placeholder order.
func (b *Builder) Args() []any {
	return b.args
}

// Chunks splits values into contiguous slices of at most size elements.
func Chunks[T any](values []T, size int) [][]T {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]T, 0, (len(values)+size-1)/size)
	for start := 0; start < len(values); start += size {
		end := min(start+size, len(values))
		chunks = append(chunks, values[start:end:end])
	}
	return chunks
}
