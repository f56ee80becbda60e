package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/migrator/internal/cmd/table"
)

type summary struct {
	Source  string `json:"source" yaml:"source"`
	Written int64  `json:"written" yaml:"written"`
}

func TestTableFormatter(t *testing.T) {
	var buf bytes.Buffer
	err := Print(&buf, FormatTable, table.Data{
		Headers:         []string{"Source", "Written"},
		Rows:            [][]string{{"crm", "1,204"}},
		ColumnAlignment: []table.Align{table.AlignLeft, table.AlignRight},
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, strings.ToUpper(out), "SOURCE")
	assert.Contains(t, out, "crm")
	assert.Contains(t, out, "1,204")
}

func TestStructuredFormatsEncodeTheValue(t *testing.T) {
	value := summary{Source: "crm", Written: 3}
	wrapped := Table{Value: value, Data: table.Data{Headers: []string{"ignored"}}}

	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatJSON, wrapped))
	var decoded summary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, value, decoded)

	buf.Reset()
	require.NoError(t, Print(&buf, FormatYAML, wrapped))
	assert.Equal(t, "source: crm\nwritten: 3\n", buf.String())

	buf.Reset()
	require.NoError(t, Print(&buf, FormatTable, value))
	assert.Equal(t, "source: crm\nwritten: 3\n", buf.String())
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "", want: ""},
		{in: "JSON", want: FormatJSON},
		{in: "yaml", want: FormatYAML},
		{in: "table", want: FormatTable},
		{in: "wide", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectFormatPrefersExplicit(t *testing.T) {
	assert.Equal(t, FormatYAML, DetectFormat("YAML"))
}
