package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/agentstation/migrator/internal/config"
	"github.com/agentstation/migrator/internal/store/memory"
	"github.com/agentstation/migrator/internal/store/postgres"
	"github.com/agentstation/migrator/internal/store/sqlstore"
	"github.com/agentstation/migrator/pkg/audit"
	"github.com/agentstation/migrator/pkg/canonical"
	"github.com/agentstation/migrator/pkg/checkpoint"
	"github.com/agentstation/migrator/pkg/constants"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/querybuilder"
	"github.com/agentstation/migrator/pkg/ratelimit"
	"github.com/agentstation/migrator/pkg/records"
	"github.com/agentstation/migrator/pkg/sources"
)

// FromConfig builds a Migrator from a validated run configuration. Extra
// options are applied after the configured ones. Everything FromConfig opens
// is closed by the Migrator's Close.
func FromConfig(ctx context.Context, cfg *config.Config, extra ...Option) (m Migrator, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opened []closer
	defer func() {
		if err != nil {
			_ = closeAll(opened)
		}
	}()

	specs, err := cfg.EntitySpecs()
	if err != nil {
		return nil, err
	}
	p := cfg.Pipeline
	limiter, err := ratelimit.New(p.Rate, p.Burst)
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithOrgID(cfg.OrgID),
		WithEntities(specs...),
		WithLimiter(limiter),
		WithChunkSize(p.ChunkSize),
		WithWorkers(p.Workers),
		WithRetries(p.MaxRetries, p.RetryBackoff, p.MaxRetryBackoff),
		WithMaxBatches(p.MaxBatches),
		WithStateDir(cfg.StateDir),
	}

	store, err := openStore(ctx, cfg.Target)
	if err != nil {
		return nil, err
	}
	opened = append(opened, store)
	opts = append(opts, WithStore(store))

	sink, conflicts, extraClosers, err := openAudit(ctx, cfg.Audit)
	opened = append(opened, extraClosers...)
	if err != nil {
		return nil, err
	}
	opened = append(opened, sink)
	opts = append(opts, WithAuditSink(sink))
	for _, c := range extraClosers {
		opts = append(opts, withCloser(c))
	}
	if conflicts != nil {
		opened = append(opened, conflicts)
		opts = append(opts, WithConflictSink(conflicts))
	}

	checkpoints, err := openCheckpoints(ctx, cfg.Checkpoint, cfg.StateDir)
	if err != nil {
		return nil, err
	}
	opened = append(opened, checkpoints)
	opts = append(opts, WithCheckpoints(checkpoints))

	for _, sc := range cfg.Sources {
		adapter, err := newAdapter(sc, p)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}
		opts = append(opts, WithSource(sc.Name, adapter, sc.Router()))
	}

	return New(append(opts, extra...)...)
}

func openStore(ctx context.Context, t config.TargetConfig) (canonical.Store, error) {
	switch t.Kind {
	case config.KindMemory:
		return memory.New(), nil
	case config.KindSQLite:
		var opts []sqlstore.Option
		if t.Table != "" {
			opts = append(opts, sqlstore.WithTable(t.Table))
		}
		return sqlstore.Open(ctx, querybuilder.SQLite, t.DSN, opts...)
	case config.KindPostgres:
		return postgres.Open(ctx, postgres.Config{DSN: t.DSN, Table: t.Table, MaxConns: t.MaxConns})
	}
	return nil, errors.NewConfigError("target", "unknown target kind "+t.Kind, nil)
}

// openAudit opens the audit sink and, for file sinks, the conflict log next
// to it. The returned closers are owned resources beyond the sinks.
func openAudit(ctx context.Context, a config.AuditConfig) (audit.Sink, *audit.ConflictLog, []closer, error) {
	switch a.Kind {
	case config.KindMemory:
		return audit.NewMemorySink(), nil, nil, nil
	case config.KindFile:
		sink, err := audit.OpenFileSink(a.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		path := a.ConflictsPath
		if path == "" {
			path = filepath.Join(filepath.Dir(a.Path), "conflicts.jsonl")
		}
		conflicts, err := audit.OpenConflictLog(path)
		if err != nil {
			_ = sink.Close()
			return nil, nil, nil, err
		}
		return sink, conflicts, nil, nil
	case config.KindSQL:
		dialect, err := querybuilder.ParseDialect(a.Dialect)
		if err != nil {
			return nil, nil, nil, errors.NewConfigError("audit", err.Error(), err)
		}
		dsn := a.DSN
		if dialect == querybuilder.SQLite {
			dsn = sqlstore.SQLiteDSN(dsn)
		}
		db, err := sql.Open(dialect.Driver(), dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open audit database: %w", err)
		}
		if dialect == querybuilder.SQLite {
			db.SetMaxOpenConns(1)
		}
		db.SetConnMaxLifetime(time.Hour)
		sink := audit.NewSQLSink(db, dialect, a.Table)
		if err := sink.EnsureSchema(ctx); err != nil {
			return nil, nil, []closer{db}, err
		}
		return sink, nil, []closer{db}, nil
	}
	return nil, nil, nil, errors.NewConfigError("audit", "unknown audit kind "+a.Kind, nil)
}

func openCheckpoints(ctx context.Context, c config.CheckpointConfig, stateDir string) (checkpoint.Store, error) {
	switch c.Kind {
	case config.KindMemory:
		return checkpoint.NewMemory(), nil
	case config.KindFile:
		path := c.Path
		if path == "" {
			path = filepath.Join(stateDir, constants.CheckpointFile)
		}
		return checkpoint.OpenFile(path)
	case config.KindRedis:
		return checkpoint.OpenRedis(ctx, checkpoint.RedisConfig{
			URL:       c.URL,
			Addr:      c.Addr,
			Password:  c.Password,
			DB:        c.DB,
			KeyPrefix: c.KeyPrefix,
		})
	}
	return nil, errors.NewConfigError("checkpoint", "unknown checkpoint kind "+c.Kind, nil)
}

func newAdapter(sc config.SourceConfig, p config.PipelineConfig) (sources.Adapter, error) {
	kind, err := records.ParseSourceKind(sc.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case records.SourceSQL:
		return sources.NewSQL(sources.SQLConfig{
			Dialect:        sc.Dialect,
			DSN:            sc.DSN,
			Tables:         sc.Tables,
			Table:          sc.Table,
			PrimaryKey:     sc.PrimaryKey,
			IDColumn:       sc.IDColumn,
			Columns:        sc.Columns,
			NumericKey:     sc.NumericKey,
			ChunkSize:      p.ChunkSize,
			MaxOpenConns:   sc.MaxOpenConns,
			AcquireTimeout: p.AcquireTimeout,
			ExtractTimeout: p.ExtractTimeout,
		})
	case records.SourceStreamingCSV:
		return sources.NewStreamingCSV(csvConfig(sc))
	default:
		return sources.NewStaticCSV(csvConfig(sc))
	}
}

func csvConfig(sc config.SourceConfig) sources.CSVConfig {
	return sources.CSVConfig{
		Path:     sc.Path,
		IDColumn: sc.IDColumn,
		Encoding: sc.Encoding,
		Comma:    sc.Comma(),
		Required: sc.Required,
	}
}
