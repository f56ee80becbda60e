package records

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Cursor is the resumable position of a source. SQL sources advance After to
// the last primary key served; CSV sources advance Offset to the number of
// data rows consumed. RetryKeys, when set, asks the adapter to re-extract
// exactly those keys instead of reading forward.
type Cursor struct {
	After     string   `json:"after,omitempty" yaml:"after,omitempty"`
	Offset    int64    `json:"offset,omitempty" yaml:"offset,omitempty"`
	RetryKeys []string `json:"retry_keys,omitempty" yaml:"retry_keys,omitempty"`
}

// IsZero reports whether the cursor points at the start of the source.
func (c Cursor) IsZero() bool {
	return c.After == "" && c.Offset == 0 && len(c.RetryKeys) == 0
}

// Equal reports whether two cursors address the same position.
func (c Cursor) Equal(o Cursor) bool {
	return c.After == o.After && c.Offset == o.Offset && slices.Equal(c.RetryKeys, o.RetryKeys)
}

// String renders the cursor for logs and error messages.
func (c Cursor) String() string {
	var parts []string
	if c.After != "" {
		parts = append(parts, "after="+c.After)
	}
	if c.Offset != 0 {
		parts = append(parts, "offset="+strconv.FormatInt(c.Offset, 10))
	}
	if len(c.RetryKeys) > 0 {
		parts = append(parts, fmt.Sprintf("retry=%d keys", len(c.RetryKeys)))
	}
	if len(parts) == 0 {
		return "start"
	}
	return strings.Join(parts, ",")
}

// Batch is an ordered run of legacy records extracted together. It is the
// unit of throttling and of transactional writing.
type Batch struct {
	Seq     int64          `json:"seq" yaml:"seq"`
	Source  string         `json:"source" yaml:"source"`
	Start   Cursor         `json:"start" yaml:"start"`
	Next    Cursor         `json:"next" yaml:"next"`
	Records []LegacyRecord `json:"records,omitempty" yaml:"records,omitempty"`
	// Skipped counts malformed rows the adapter dropped while filling the batch.
	Skipped int  `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Done    bool `json:"done" yaml:"done"`
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	return len(b.Records)
}
