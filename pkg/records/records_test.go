package records

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSourceKind(t *testing.T) {
	tests := []struct {
		in      string
		want    SourceKind
		wantErr bool
	}{
		{"sql", SourceSQL, false},
		{" CSV ", SourceCSV, false},
		{"streaming-csv", SourceStreamingCSV, false},
		{"streaming_csv", SourceStreamingCSV, false},
		{"parquet", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSourceKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAbsentIsDistinctFromNil(t *testing.T) {
	assert.True(t, IsAbsent(Absent))
	assert.False(t, IsAbsent(nil))
	assert.False(t, IsAbsent("x"))

	b, err := json.Marshal(map[string]any{"a": Absent})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":null}`, string(b))
}

func TestValuesString(t *testing.T) {
	v := Values{"s": "x", "b": []byte("y"), "i": int64(42), "f": 1.5, "n": nil, "a": Absent}

	got, ok := v.String("s")
	assert.True(t, ok)
	assert.Equal(t, "x", got)

	got, _ = v.String("b")
	assert.Equal(t, "y", got)
	got, _ = v.String("i")
	assert.Equal(t, "42", got)
	got, _ = v.String("f")
	assert.Equal(t, "1.5", got)

	for _, col := range []string{"n", "a", "missing"} {
		_, ok := v.String(col)
		assert.False(t, ok, col)
	}
}

func TestLegacyRecordClone(t *testing.T) {
	r := LegacyRecord{SourceTable: "customers", Position: "7", Values: Values{"name": "a"}}
	c := r.Clone()
	c.Values["name"] = "b"

	assert.Equal(t, "a", r.Values["name"])
	assert.Equal(t, "customers@7", r.ReplayKey())
}

func TestCursor(t *testing.T) {
	assert.True(t, Cursor{}.IsZero())
	assert.Equal(t, "start", Cursor{}.String())

	c := Cursor{After: "10", RetryKeys: []string{"1", "2"}}
	assert.False(t, c.IsZero())
	assert.Equal(t, "after=10,retry=2 keys", c.String())
	assert.True(t, c.Equal(Cursor{After: "10", RetryKeys: []string{"1", "2"}}))
	assert.False(t, c.Equal(Cursor{After: "10"}))
	assert.Equal(t, "offset=5", Cursor{Offset: 5}.String())
}

func TestCanonicalEntityValidate(t *testing.T) {
	writable := []string{"name", "email"}
	e := CanonicalEntity{EntityType: "customers", OrgID: "org-1", ID: "c-1", Fields: map[string]any{"name": "Ada"}}
	require.NoError(t, e.Validate(writable))

	noOrg := e
	noOrg.OrgID = ""
	assert.ErrorContains(t, noOrg.Validate(writable), "no org id")

	leaky := e
	leaky.Fields = map[string]any{"name": "Ada", "ssn": "123"}
	assert.ErrorContains(t, leaky.Validate(writable), `"ssn"`)
}

func TestCanonicalEntityCompact(t *testing.T) {
	e := CanonicalEntity{Fields: map[string]any{"name": "Ada", "email": Absent, "phone": nil}}
	c := e.Compact()

	assert.Equal(t, map[string]any{"name": "Ada", "phone": nil}, c.Fields)
	assert.Len(t, e.Fields, 3, "original must not be modified")
}

func TestIdentityStrings(t *testing.T) {
	e := CanonicalEntity{EntityType: "customers", OrgID: "org-1", ID: "c-1", LegacyID: "L1"}
	assert.Equal(t, "customers/org-1/c-1", e.Identity().String())
	assert.Equal(t, "customers/org-1/L1", e.ReservationKey().String())
	assert.True(t, ReservationTicket{Outcome: Winner}.Won())
}
