package records

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// SourceKind identifies the kind of legacy source a record came from.
type SourceKind string

// Supported source kinds.
const (
	SourceSQL          SourceKind = "sql"
	SourceCSV          SourceKind = "csv"
	SourceStreamingCSV SourceKind = "streaming-csv"
)

// String returns the string representation of a source kind.
func (k SourceKind) String() string {
	return string(k)
}

// IsValid reports whether k is a known source kind.
func (k SourceKind) IsValid() bool {
	switch k {
	case SourceSQL, SourceCSV, SourceStreamingCSV:
		return true
	}
	return false
}

// ParseSourceKind parses a configured source kind.
func ParseSourceKind(s string) (SourceKind, error) {
	k := SourceKind(strings.ToLower(strings.TrimSpace(s)))
	if k == "streaming_csv" || k == "csv-stream" {
		k = SourceStreamingCSV
	}
	if !k.IsValid() {
		return "", fmt.Errorf("unknown source kind %q", s)
	}
	return k, nil
}

type absent struct{}

// MarshalJSON renders an absent value as null when it escapes canonical hashing.
func (absent) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

func (absent) String() string { return "<absent>" }

// Absent marks a field that is not present in the source row. It differs from
// nil: a nil value is an explicit null, Absent means the column was never
// supplied (for example a short CSV line). Canonical hashing drops Absent keys
// and keeps nil ones.
var Absent any = absent{}

// IsAbsent reports whether v is the Absent sentinel.
func IsAbsent(v any) bool {
	_, ok := v.(absent)
	return ok
}

// Values maps source column names to raw values.
type Values map[string]any

// Clone returns a shallow copy of the values.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	return maps.Clone(v)
}

// Columns returns the column names in sorted order.
func (v Values) Columns() []string {
	return slices.Sorted(maps.Keys(v))
}

// String returns the value of a column rendered as a string, and whether the
// column was present with a non-null value.
func (v Values) String(column string) (string, bool) {
	raw, ok := v[column]
	if !ok || raw == nil || IsAbsent(raw) {
		return "", false
	}
	switch t := raw.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int:
		return strconv.Itoa(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// LegacyRecord is a raw row extracted from a legacy source. It has not been
// validated against any canonical schema.
type LegacyRecord struct {
	Kind        SourceKind `json:"kind" yaml:"kind"`
	SourceTable string     `json:"source_table" yaml:"source_table"`
	LegacyID    string     `json:"legacy_id" yaml:"legacy_id"`
	// Position is the extraction position that served the row: the primary key
	// for SQL sources and the 1-based data line number for CSV sources.
	Position string `json:"position" yaml:"position"`
	Values   Values `json:"values" yaml:"values"`
}

// ReplayKey identifies the extraction position of the record. The same key
// appearing twice in a run means a cursor position was served twice.
func (r LegacyRecord) ReplayKey() string {
	return r.SourceTable + "@" + r.Position
}

// Get returns the raw value of a column.
func (r LegacyRecord) Get(column string) (any, bool) {
	v, ok := r.Values[column]
	return v, ok
}

// Clone returns a copy of the record whose values can be modified safely.
func (r LegacyRecord) Clone() LegacyRecord {
	r.Values = r.Values.Clone()
	return r
}
