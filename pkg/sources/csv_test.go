package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/records"
)

const customersCSV = "id,name,email\n" +
	"1,Ada,ada@example.com\n" +
	"2,Bob\n" +
	"3,\xff\xfe,bad@example.com\n" +
	",Nobody,none@example.com\n" +
	"5,Eve,eve@example.com,extra\n" +
	"6,Finn,finn@example.com\n"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newCSVAdapters(t *testing.T, cfg CSVConfig) map[string]Adapter {
	t.Helper()
	static, err := NewStaticCSV(cfg)
	require.NoError(t, err)
	streaming, err := NewStreamingCSV(cfg)
	require.NoError(t, err)
	return map[string]Adapter{"static": static, "streaming": streaming}
}

func legacyIDs(recs []records.LegacyRecord) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.LegacyID
	}
	return ids
}

func TestCSVAdaptersExtract(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, "customers.csv", customersCSV)

	for name, a := range newCSVAdapters(t, CSVConfig{Path: path}) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.Open(ctx))
			defer a.Close()
			assert.Equal(t, "customers.csv", a.Table())

			page, err := a.Extract(ctx, records.Cursor{}, 4)
			require.NoError(t, err)
			assert.Equal(t, []string{"1", "2"}, legacyIDs(page.Records))
			assert.Equal(t, int64(4), page.Next.Offset)
			assert.False(t, page.Done)
			require.Len(t, page.Skipped, 2)
			assert.Equal(t, SkippedRow{Position: "3", Reason: "invalid UTF-8 in column name"}, page.Skipped[0])
			assert.Equal(t, "4", page.Skipped[1].Position)
			assert.Contains(t, page.Skipped[1].Reason, "missing id column")

			bob := page.Records[1]
			assert.True(t, records.IsAbsent(bob.Values["email"]), "short rows leave trailing columns absent")
			assert.Equal(t, "customers.csv@2", bob.ReplayKey())
			assert.Equal(t, a.Kind(), bob.Kind)

			page, err = a.Extract(ctx, page.Next, 4)
			require.NoError(t, err)
			assert.Equal(t, []string{"6"}, legacyIDs(page.Records))
			require.Len(t, page.Skipped, 1)
			assert.Contains(t, page.Skipped[0].Reason, "4 columns")
			assert.True(t, page.Done)
			assert.Equal(t, int64(6), page.Next.Offset)
		})
	}
}

func TestCSVAdaptersReplayCursor(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, "customers.csv", customersCSV)

	for name, a := range newCSVAdapters(t, CSVConfig{Path: path}) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.Open(ctx))
			defer a.Close()

			first, err := a.Extract(ctx, records.Cursor{}, 2)
			require.NoError(t, err)
			_, err = a.Extract(ctx, first.Next, 2)
			require.NoError(t, err)

			// a stale cursor serves the same positions again
			again, err := a.Extract(ctx, records.Cursor{}, 2)
			require.NoError(t, err)
			assert.Equal(t, first.Records, again.Records)

			// jumping ahead skips without serving
			tail, err := a.Extract(ctx, records.Cursor{Offset: 5}, 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"6"}, legacyIDs(tail.Records))
			assert.True(t, tail.Done)

			past, err := a.Extract(ctx, records.Cursor{Offset: 100}, 10)
			require.NoError(t, err)
			assert.Empty(t, past.Records)
			assert.True(t, past.Done)
		})
	}
}

func TestCSVAdaptersExactMultipleEndsWithEmptyPage(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, "two.csv", "id,name\n1,a\n2,b\n")
	a, err := NewStreamingCSV(CSVConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, a.Open(ctx))
	defer a.Close()

	page, err := a.Extract(ctx, records.Cursor{}, 2)
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.False(t, page.Done)

	page, err = a.Extract(ctx, page.Next, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.True(t, page.Done)
	assert.Equal(t, int64(2), page.Next.Offset)
}

func TestCSVAdaptersRetryKeys(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, "customers.csv", customersCSV)

	for name, a := range newCSVAdapters(t, CSVConfig{Path: path}) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.Open(ctx))
			defer a.Close()

			cursor := records.Cursor{Offset: 2, RetryKeys: []string{"6", "1", "3"}}
			page, err := a.Extract(ctx, cursor, 2)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"1", "6"}, legacyIDs(page.Records))
			assert.Equal(t, records.Cursor{Offset: 2, RetryKeys: []string{"3"}}, page.Next)

			page, err = a.Extract(ctx, page.Next, 2)
			require.NoError(t, err)
			assert.Empty(t, page.Records, "row 3 is malformed")
			assert.Equal(t, records.Cursor{Offset: 2}, page.Next)
		})
	}
}

func TestCSVLegacyEncoding(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, "latin.csv", "id;name\n1;caf\xe9\n")

	for name, a := range newCSVAdapters(t, CSVConfig{Path: path, Encoding: "windows-1252", Comma: ';', Table: "legacy.cafes"}) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.Open(ctx))
			defer a.Close()
			page, err := a.Extract(ctx, records.Cursor{}, 10)
			require.NoError(t, err)
			require.Len(t, page.Records, 1)
			assert.Equal(t, "café", page.Records[0].Values["name"])
			assert.Equal(t, "legacy.cafes", page.Records[0].SourceTable)
		})
	}
}

func TestCSVUTF8BOMAndRequired(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, "bom.csv", "\xef\xbb\xbfid,name\n1,\n2,b\n")
	a, err := NewStaticCSV(CSVConfig{Path: path, Required: []string{"name"}})
	require.NoError(t, err)
	require.NoError(t, a.Open(ctx))

	page, err := a.Extract(ctx, records.Cursor{}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, legacyIDs(page.Records))
	require.Len(t, page.Skipped, 1)
	assert.Contains(t, page.Skipped[0].Reason, "required column name")
}

func TestCSVConfigErrors(t *testing.T) {
	_, err := NewStaticCSV(CSVConfig{})
	assert.True(t, errors.IsValidationError(err))

	_, err = NewStreamingCSV(CSVConfig{Path: "x.csv", Encoding: "klingon"})
	assert.True(t, errors.IsValidationError(err))
}

func TestCSVOpenFailuresAreAdapterErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cases := map[string]string{
		"missing file": filepath.Join(dir, "nope.csv"),
		"empty file":   writeFile(t, "empty.csv", ""),
		"no id column": writeFile(t, "noid.csv", "name\nAda\n"),
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			for kind, a := range newCSVAdapters(t, CSVConfig{Path: path}) {
				err := a.Open(ctx)
				require.Error(t, err, kind)
				var ae *errors.AdapterError
				require.ErrorAs(t, err, &ae, kind)
				assert.Equal(t, filepath.Base(path), ae.SourceTable)
				assert.True(t, errors.IsRetryable(err))
			}
		})
	}
}

func TestCSVExtractBeforeOpen(t *testing.T) {
	path := writeFile(t, "customers.csv", customersCSV)
	for name, a := range newCSVAdapters(t, CSVConfig{Path: path}) {
		_, err := a.Extract(context.Background(), records.Cursor{}, 1)
		assert.True(t, errors.IsAdapterError(err), name)

		_, err = a.Extract(context.Background(), records.Cursor{}, 0)
		assert.True(t, errors.IsValidationError(err), name)
	}
}

func TestSourcesContainer(t *testing.T) {
	path := writeFile(t, "customers.csv", customersCSV)
	s := NewSources()
	for name, a := range newCSVAdapters(t, CSVConfig{Path: path}) {
		s.Set(name, a)
	}
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"static", "streaming"}, s.Names())

	a, ok := s.Get("static")
	require.True(t, ok)
	assert.Equal(t, records.SourceCSV, a.Kind())

	s.Delete("static")
	_, ok = s.Get("static")
	assert.False(t, ok)
	assert.NoError(t, s.Close())
}
