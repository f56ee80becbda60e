package run

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/migrator"
	"github.com/agentstation/migrator/internal/appcontext"
	"github.com/agentstation/migrator/internal/metrics"
	"github.com/agentstation/migrator/internal/store/memory"
	"github.com/agentstation/migrator/pkg/canonical"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/kpi"
	"github.com/agentstation/migrator/pkg/logging"
	"github.com/agentstation/migrator/pkg/records"
	"github.com/agentstation/migrator/pkg/sources"
)

func newApp(t *testing.T, format string) *appcontext.Mock {
	t.Helper()
	logging.DisableLoggingForTest(t)
	dir := t.TempDir()

	newSource := func(name, body string) sources.Adapter {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		a, err := sources.NewStaticCSV(sources.CSVConfig{Path: path})
		require.NoError(t, err)
		return a
	}

	m, err := migrator.New(
		migrator.WithOrgID("org-1"),
		migrator.WithEntities(canonical.EntitySpec{Type: "customers", Fields: []string{"name"}}),
		migrator.WithStore(memory.New()),
		migrator.WithSource("crm", newSource("crm.csv", "id,name\n1,Ada\n2,Bob\n"), canonical.StaticRouter("customers")),
		migrator.WithSource("billing", newSource("billing.csv", "id,name\n2,Robert\n"), canonical.StaticRouter("customers")),
		migrator.WithStateDir(filepath.Join(dir, "state")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return &appcontext.Mock{
		MigratorFunc:     func(context.Context) (migrator.Migrator, error) { return m, nil },
		OutputFormatFunc: func() string { return format },
	}
}

func TestRunAllSources(t *testing.T) {
	app := newApp(t, "json")
	var out bytes.Buffer

	err := Run(context.Background(), &out, app, "", &Flags{RunID: "run-7"})
	require.NoError(t, err)

	var report migrator.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, "run-7", report.RunID)
	assert.Len(t, report.Sources, 2)
	assert.Equal(t, int64(2), report.Totals.Get(kpi.RecordsWritten))
	assert.Equal(t, int64(1), report.Totals.Get(kpi.ConflictCount))
}

func TestRunPrintsConflicts(t *testing.T) {
	app := newApp(t, "json")
	var out bytes.Buffer

	require.NoError(t, Run(context.Background(), &out, app, "", &Flags{Conflicts: true}))

	var conflicts []records.ConflictRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &conflicts))
	require.Len(t, conflicts, 1)
	assert.Equal(t, "2", conflicts[0].LegacyID)
	assert.Equal(t, records.ReasonDivergentWinner, conflicts[0].Reason)
}

func TestRunOneSourceAsTable(t *testing.T) {
	app := newApp(t, "table")
	var out bytes.Buffer

	require.NoError(t, Run(context.Background(), &out, app, "crm", &Flags{}))
	assert.Contains(t, out.String(), "crm")
	assert.Contains(t, out.String(), "TOTAL")
	assert.NotContains(t, out.String(), "billing")
}

func TestRunErrors(t *testing.T) {
	app := newApp(t, "json")

	err := Run(context.Background(), &bytes.Buffer{}, app, "ledger", &Flags{})
	assert.True(t, errors.IsNotFound(err))

	err = Run(context.Background(), &bytes.Buffer{}, app, "", &Flags{RetryKeys: []string{"1"}})
	var ce *errors.ConfigError
	assert.ErrorAs(t, err, &ce)

	app.OutputFormatFunc = func() string { return "csv" }
	err = Run(context.Background(), &bytes.Buffer{}, app, "", &Flags{})
	assert.ErrorContains(t, err, "invalid format")
}

func TestCommandFlags(t *testing.T) {
	app := newApp(t, "json")
	cmd := NewCommand(app)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"crm", "--run-id", "from-flags"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var report migrator.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, "from-flags", report.RunID)

	cmd = NewCommand(app)
	cmd.SetArgs([]string{"crm", "billing"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestWithMetrics(t *testing.T) {
	called := false
	err := WithMetrics(context.Background(), metrics.New(metrics.Config{}), func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	met := metrics.New(metrics.Config{Enabled: true, Address: "127.0.0.1:0"})
	want := errors.New("boom")
	err = WithMetrics(context.Background(), met, func(context.Context) error { return want })
	assert.ErrorIs(t, err, want)
}
