package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/migrator/pkg/canonical"
	"github.com/agentstation/migrator/pkg/constants"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/records"
)

const runFile = `
org_id: org-1
sources:
  - name: crm
    kind: sql
    dialect: sqlite
    dsn: legacy.db
    table: customers
    primary_key: id
    numeric_key: true
  - name: export
    kind: csv
    path: export.csv
    encoding: windows-1252
    delimiter: ";"
    entity_type_column: kind
    entity_type_aliases:
      cust: customers
target:
  kind: sqlite
  dsn: canonical.db
audit:
  kind: file
  path: audit/entries.jsonl
checkpoint:
  kind: redis
  addr: localhost:6379
pipeline:
  chunk_size: 100
  workers: 2
  rate: 50
  burst: 100
  retry_backoff: 250ms
entities:
  customers:
    fields: [name, email]
    required: [name]
    id_prefix: cust-
`

func writeRunFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "migrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadRunFile(t *testing.T) {
	cfg, err := Load(writeRunFile(t, runFile))
	require.NoError(t, err)

	// crm has no entity type yet; fix it up before validating
	cfg.Sources[0].EntityType = "customers"
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "org-1", cfg.OrgID)
	assert.Equal(t, []string{"crm", "export"}, cfg.SourceNames())

	crm, ok := cfg.Source("crm")
	require.True(t, ok)
	assert.Equal(t, "sqlite", crm.Dialect)
	assert.True(t, crm.NumericKey)
	assert.Equal(t, []string{"customers"}, cfg.Sources[0].Tables, "allowlist defaults to the table")
	assert.Equal(t, canonical.StaticRouter("customers"), crm.Router())

	export, ok := cfg.Source("export")
	require.True(t, ok)
	assert.Equal(t, ';', export.Comma())
	assert.Equal(t, canonical.ColumnRouter{Column: "kind", Aliases: map[string]string{"cust": "customers"}}, export.Router())

	assert.Equal(t, KindSQLite, cfg.Target.Kind)
	assert.Equal(t, KindFile, cfg.Audit.Kind)
	assert.Equal(t, KindRedis, cfg.Checkpoint.Kind)
	assert.Equal(t, 100, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.RetryBackoff)
	assert.Equal(t, constants.MaxRetryBackoff, cfg.Pipeline.MaxRetryBackoff, "unset values keep defaults")
	assert.Equal(t, constants.StateDir, cfg.StateDir)

	specs, err := cfg.EntitySpecs()
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "cust-", specs[0].IDPrefix)
	assert.NotEmpty(t, cfg.File)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MIGRATOR_ORG_ID", "org-env")
	t.Setenv("MIGRATOR_PIPELINE_WORKERS", "9")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(writeRunFile(t, runFile))
	require.NoError(t, err)
	assert.Equal(t, "org-env", cfg.OrgID)
	assert.Equal(t, 9, cfg.Pipeline.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadDotEnvNextToRunFile(t *testing.T) {
	path := writeRunFile(t, runFile)
	dir := filepath.Dir(path)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MIGRATOR_CHECKPOINT_KEY_PREFIX=from-dotenv\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte("MIGRATOR_CHECKPOINT_KEY_PREFIX=from-local\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("MIGRATOR_CHECKPOINT_KEY_PREFIX") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-local", cfg.Checkpoint.KeyPrefix)
}

func TestLoadWithoutRunFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Pipeline, cfg.Pipeline)
	assert.Equal(t, KindMemory, cfg.Target.Kind)
	assert.Equal(t, KindFile, cfg.Checkpoint.Kind)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	var ce *errors.ConfigError
	require.ErrorAs(t, err, &ce)

	_, err = Load(writeRunFile(t, "org_id: [unclosed\n"))
	require.ErrorAs(t, err, &ce)

	_, err = Load(writeRunFile(t, "pipeline:\n  workers: lots\n"))
	require.ErrorAs(t, err, &ce)
}

func validConfig() *Config {
	cfg := Default()
	cfg.OrgID = "org-1"
	cfg.Sources = []SourceConfig{{Name: "crm", Kind: string(records.SourceCSV), Path: "crm.csv", EntityType: "customers"}}
	cfg.Entities = map[string]EntityConfig{"customers": {Fields: []string{"name"}}}
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"org", func(c *Config) { c.OrgID = " " }, "org_id"},
		{"no sources", func(c *Config) { c.Sources = nil }, "sources"},
		{"no entities", func(c *Config) { c.Entities = nil }, "entities"},
		{"entity without fields", func(c *Config) { c.Entities["customers"] = EntityConfig{} }, "fields"},
		{"source kind", func(c *Config) { c.Sources[0].Kind = "xml" }, "sources.kind"},
		{"csv path", func(c *Config) { c.Sources[0].Path = "" }, "sources.path"},
		{"sql table", func(c *Config) { c.Sources[0] = SourceConfig{Kind: "sql", DSN: "x", EntityType: "customers"} }, "sources.table"},
		{"sql dsn", func(c *Config) { c.Sources[0] = SourceConfig{Kind: "sql", Table: "t", EntityType: "customers"} }, "sources.dsn"},
		{"delimiter", func(c *Config) { c.Sources[0].Delimiter = ";;" }, "sources.delimiter"},
		{"both routers", func(c *Config) { c.Sources[0].EntityTypeColumn = "kind" }, "sources.entity_type"},
		{"no router", func(c *Config) { c.Sources[0].EntityType = "" }, "sources.entity_type"},
		{"unknown entity", func(c *Config) { c.Sources[0].EntityType = "orders" }, "sources.entity_type"},
		{"duplicate source", func(c *Config) { c.Sources = append(c.Sources, c.Sources[0]) }, "sources.name"},
		{"target kind", func(c *Config) { c.Target.Kind = "mongo" }, "target.kind"},
		{"target dsn", func(c *Config) { c.Target.Kind = KindPostgres }, "target.dsn"},
		{"audit path", func(c *Config) { c.Audit.Kind = KindFile }, "audit.path"},
		{"audit dsn", func(c *Config) { c.Audit.Kind = KindSQL }, "audit.dsn"},
		{"audit dialect", func(c *Config) { c.Audit = AuditConfig{Kind: KindSQL, DSN: "x", Dialect: "oracle"} }, "audit.dialect"},
		{"checkpoint kind", func(c *Config) { c.Checkpoint.Kind = "etcd" }, "checkpoint.kind"},
		{"redis addr", func(c *Config) { c.Checkpoint.Kind = KindRedis }, "checkpoint.addr"},
		{"chunk size", func(c *Config) { c.Pipeline.ChunkSize = 0 }, "pipeline.chunk_size"},
		{"workers", func(c *Config) { c.Pipeline.Workers = 0 }, "pipeline.workers"},
		{"rate", func(c *Config) { c.Pipeline.Rate = 0 }, "pipeline.rate"},
		{"burst", func(c *Config) { c.Pipeline.Burst = -1 }, "pipeline.burst"},
		{"max batches", func(c *Config) { c.Pipeline.MaxBatches = -1 }, "pipeline.max_batches"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
			var ve *errors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestSourceNameDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Sources[0].Name = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "crm.csv", cfg.Sources[0].Name)
}
