// Package integration runs whole migrations through FromConfig against real
// databases. Postgres and Redis tests run only when their address is set.
package integration

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/agentstation/migrator"
	"github.com/agentstation/migrator/internal/config"
	"github.com/agentstation/migrator/pkg/kpi"
	"github.com/agentstation/migrator/pkg/logging"
)

func createLegacyDB(t *testing.T, path string, ids ...int) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS customers (id INTEGER PRIMARY KEY, name TEXT, email TEXT)`)
	require.NoError(t, err)
	for _, id := range ids {
		_, err := db.Exec(`INSERT INTO customers (id, name, email) VALUES (?, ?, ?)`, id, fmt.Sprintf("customer-%d", id), fmt.Sprintf("c%d@example.com", id))
		require.NoError(t, err)
	}
}

func baseConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	legacy := filepath.Join(dir, "legacy.db")
	createLegacyDB(t, legacy, 1, 2, 3, 4, 5)
	export := filepath.Join(dir, "export.csv")
	require.NoError(t, os.WriteFile(export, []byte("id,name,email\n4,customer-4,c4@example.com\n5,Five,c5@example.com\n6,customer-6,c6@example.com\n"), 0o600))

	cfg := config.Default()
	cfg.OrgID = "org-" + uuid.NewString()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Sources = []config.SourceConfig{
		{Name: "legacy", Kind: "sql", Dialect: "sqlite", DSN: legacy, Tables: []string{"customers"}, Table: "customers", PrimaryKey: "id", NumericKey: true, EntityType: "customers"},
		{Name: "export", Kind: "streaming-csv", Path: export, EntityType: "customers"},
	}
	cfg.Entities = map[string]config.EntityConfig{"customers": {Fields: []string{"name", "email"}, Required: []string{"name"}}}
	cfg.Target = config.TargetConfig{Kind: config.KindSQLite, DSN: filepath.Join(dir, "canonical.db")}
	cfg.Audit = config.AuditConfig{Kind: config.KindSQL, Dialect: "sqlite", DSN: filepath.Join(dir, "audit.db")}
	cfg.Checkpoint = config.CheckpointConfig{Kind: config.KindFile}
	cfg.Pipeline.ChunkSize = 2
	cfg.Pipeline.Workers = 2
	return cfg
}

func TestSQLiteMigration(t *testing.T) {
	logging.DisableLoggingForTest(t)
	dir := t.TempDir()
	cfg := baseConfig(t, dir)
	ctx := context.Background()

	m, err := migrator.FromConfig(ctx, cfg)
	require.NoError(t, err)

	report, err := m.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), report.Totals.Get(kpi.RecordsWritten))
	assert.Equal(t, int64(1), report.Totals.Get(kpi.AutoMergeCount), "row 4 is identical in both sources")
	assert.Equal(t, int64(1), report.Totals.Get(kpi.ConflictCount), "row 5 differs")
	assert.Len(t, report.Conflicts(), 1)

	verification, err := m.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, verification.OK())
	assert.Equal(t, 6, verification.Checked)
	require.NoError(t, m.Close())

	// new legacy rows are picked up from the keyset checkpoint
	createLegacyDB(t, filepath.Join(dir, "legacy.db"), 7, 8)
	m, err = migrator.FromConfig(ctx, cfg)
	require.NoError(t, err)
	defer m.Close()

	report, err = m.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Totals.Get(kpi.RecordsExtracted))
	assert.Equal(t, int64(2), report.Totals.Get(kpi.RecordsWritten))

	entries, err := m.Checkpoints(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "8", entries[1].Cursor.After)
}

func TestPostgresTargetAndRedisCheckpoints(t *testing.T) {
	dsn := os.Getenv("MIGRATOR_TEST_POSTGRES_DSN")
	addr := os.Getenv("MIGRATOR_TEST_REDIS_ADDR")
	if dsn == "" || addr == "" {
		t.Skip("MIGRATOR_TEST_POSTGRES_DSN and MIGRATOR_TEST_REDIS_ADDR are not set")
	}
	logging.DisableLoggingForTest(t)
	dir := t.TempDir()
	cfg := baseConfig(t, dir)
	cfg.Target = config.TargetConfig{Kind: config.KindPostgres, DSN: dsn, MaxConns: 4}
	cfg.Checkpoint = config.CheckpointConfig{Kind: config.KindRedis, Addr: addr, KeyPrefix: "migrator-test:" + cfg.OrgID + ":"}
	ctx := context.Background()

	m, err := migrator.FromConfig(ctx, cfg)
	require.NoError(t, err)
	defer m.Close()

	report, err := m.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), report.Totals.Get(kpi.RecordsWritten))

	verification, err := m.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, verification.OK())

	report, err = m.RunAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Totals.Get(kpi.RecordsExtracted))
}
