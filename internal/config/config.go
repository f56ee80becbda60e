// Package config loads the migrator run configuration.
//
// A run file (migrator.yaml) describes the org, the legacy sources, the
// canonical target, where audit entries and checkpoints go, and the pipeline
// tuning. Values come from, in order of precedence: MIGRATOR_ environment
// variables, .env files, the run file, and defaults.
package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/agentstation/migrator/pkg/canonical"
	"github.com/agentstation/migrator/pkg/constants"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/querybuilder"
	"github.com/agentstation/migrator/pkg/records"
)

// Store kinds.
const (
	KindMemory   = "memory"
	KindFile     = "file"
	KindSQL      = "sql"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindRedis    = "redis"
)

// Config is a complete run configuration.
type Config struct {
	OrgID string `mapstructure:"org_id" yaml:"org_id"`
	// StateDir holds the last run report and the file checkpoint store.
	StateDir   string                  `mapstructure:"state_dir" yaml:"state_dir"`
	Sources    []SourceConfig          `mapstructure:"sources" yaml:"sources"`
	Target     TargetConfig            `mapstructure:"target" yaml:"target"`
	Audit      AuditConfig             `mapstructure:"audit" yaml:"audit"`
	Checkpoint CheckpointConfig        `mapstructure:"checkpoint" yaml:"checkpoint"`
	Pipeline   PipelineConfig          `mapstructure:"pipeline" yaml:"pipeline"`
	Entities   map[string]EntityConfig `mapstructure:"entities" yaml:"entities"`
	Metrics    MetricsConfig           `mapstructure:"metrics" yaml:"metrics"`
	Log        LogConfig               `mapstructure:"log" yaml:"log"`

	// File is the run file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

// SourceConfig describes one legacy source.
type SourceConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	// Kind is sql, csv or streaming_csv.
	Kind string `mapstructure:"kind" yaml:"kind"`

	// SQL sources
	Dialect      string   `mapstructure:"dialect" yaml:"dialect"`
	DSN          string   `mapstructure:"dsn" yaml:"dsn"`
	Tables       []string `mapstructure:"tables" yaml:"tables"`
	Table        string   `mapstructure:"table" yaml:"table"`
	PrimaryKey   string   `mapstructure:"primary_key" yaml:"primary_key"`
	NumericKey   bool     `mapstructure:"numeric_key" yaml:"numeric_key"`
	Columns      []string `mapstructure:"columns" yaml:"columns"`
	MaxOpenConns int      `mapstructure:"max_open_conns" yaml:"max_open_conns"`

	// CSV sources
	Path      string   `mapstructure:"path" yaml:"path"`
	Encoding  string   `mapstructure:"encoding" yaml:"encoding"`
	Delimiter string   `mapstructure:"delimiter" yaml:"delimiter"`
	Required  []string `mapstructure:"required" yaml:"required"`

	IDColumn string `mapstructure:"id_column" yaml:"id_column"`

	// EntityType routes every row to one type; EntityTypeColumn routes by a
	// discriminator column instead.
	EntityType        string            `mapstructure:"entity_type" yaml:"entity_type"`
	EntityTypeColumn  string            `mapstructure:"entity_type_column" yaml:"entity_type_column"`
	EntityTypeAliases map[string]string `mapstructure:"entity_type_aliases" yaml:"entity_type_aliases"`
}

// TargetConfig describes the canonical store.
type TargetConfig struct {
	// Kind is memory, sqlite or postgres.
	Kind     string `mapstructure:"kind" yaml:"kind"`
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	Table    string `mapstructure:"table" yaml:"table"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// AuditConfig describes where audit entries and conflicts are written.
type AuditConfig struct {
	// Kind is memory, file or sql.
	Kind string `mapstructure:"kind" yaml:"kind"`
	// Path is the JSONL audit log for the file kind.
	Path string `mapstructure:"path" yaml:"path"`
	// ConflictsPath is the JSONL conflict log; defaults to conflicts.jsonl
	// next to Path for the file kind.
	ConflictsPath string `mapstructure:"conflicts_path" yaml:"conflicts_path"`
	Dialect       string `mapstructure:"dialect" yaml:"dialect"`
	DSN           string `mapstructure:"dsn" yaml:"dsn"`
	Table         string `mapstructure:"table" yaml:"table"`
}

// CheckpointConfig describes the cursor store.
type CheckpointConfig struct {
	// Kind is memory, file or redis.
	Kind      string `mapstructure:"kind" yaml:"kind"`
	Path      string `mapstructure:"path" yaml:"path"`
	URL       string `mapstructure:"url" yaml:"url"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	ChunkSize       int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	Rate            float64       `mapstructure:"rate" yaml:"rate"`
	Burst           int           `mapstructure:"burst" yaml:"burst"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff" yaml:"max_retry_backoff"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	ExtractTimeout  time.Duration `mapstructure:"extract_timeout" yaml:"extract_timeout"`
	MaxBatches      int64         `mapstructure:"max_batches" yaml:"max_batches"`
}

// EntityConfig declares the writable core fields of an entity type.
type EntityConfig struct {
	Fields   []string `mapstructure:"fields" yaml:"fields"`
	Required []string `mapstructure:"required" yaml:"required"`
	IDPrefix string   `mapstructure:"id_prefix" yaml:"id_prefix"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// Default returns a configuration with every default applied and no sources.
func Default() *Config {
	return &Config{
		StateDir:   constants.StateDir,
		Target:     TargetConfig{Kind: KindMemory},
		Audit:      AuditConfig{Kind: KindMemory},
		Checkpoint: CheckpointConfig{Kind: KindFile},
		Pipeline: PipelineConfig{
			ChunkSize:       constants.DefaultChunkSize,
			Workers:         constants.DefaultWorkers,
			Rate:            constants.DefaultRate,
			Burst:           constants.DefaultBurst,
			MaxRetries:      constants.MaxRetries,
			RetryBackoff:    constants.RetryBackoff,
			MaxRetryBackoff: constants.MaxRetryBackoff,
			AcquireTimeout:  constants.AcquireTimeout,
			ExtractTimeout:  constants.ExtractTimeout,
		},
		Metrics: MetricsConfig{Address: constants.MetricsAddress},
		Log:     LogConfig{Level: "info", Format: "auto", Output: "stderr"},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OrgID) == "" {
		return errors.NewValidationError("org_id", c.OrgID, "org id is required")
	}
	if len(c.Sources) == 0 {
		return errors.NewValidationError("sources", nil, "at least one source is required")
	}
	if len(c.Entities) == 0 {
		return errors.NewValidationError("entities", nil, "at least one entity type is required")
	}
	if _, err := c.EntitySpecs(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if err := s.validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return errors.NewValidationError("sources.name", s.Name, "duplicate source name")
		}
		seen[s.Name] = true
		if s.EntityType != "" {
			if _, ok := c.Entities[s.EntityType]; !ok {
				return errors.NewValidationError("sources.entity_type", s.EntityType,
					fmt.Sprintf("source %s routes to an undeclared entity type", s.Name))
			}
		}
	}

	if err := oneOf("target.kind", c.Target.Kind, KindMemory, KindSQLite, KindPostgres); err != nil {
		return err
	}
	if c.Target.Kind != KindMemory && c.Target.DSN == "" {
		return errors.NewValidationError("target.dsn", "", fmt.Sprintf("%s target needs a dsn", c.Target.Kind))
	}

	if err := oneOf("audit.kind", c.Audit.Kind, KindMemory, KindFile, KindSQL); err != nil {
		return err
	}
	switch c.Audit.Kind {
	case KindFile:
		if c.Audit.Path == "" {
			return errors.NewValidationError("audit.path", "", "file audit sink needs a path")
		}
	case KindSQL:
		if c.Audit.DSN == "" {
			return errors.NewValidationError("audit.dsn", "", "sql audit sink needs a dsn")
		}
		if _, err := querybuilder.ParseDialect(c.Audit.Dialect); err != nil {
			return errors.WrapValidation("audit.dialect", err)
		}
	}

	if err := oneOf("checkpoint.kind", c.Checkpoint.Kind, KindMemory, KindFile, KindRedis); err != nil {
		return err
	}
	if c.Checkpoint.Kind == KindRedis && c.Checkpoint.URL == "" && c.Checkpoint.Addr == "" {
		return errors.NewValidationError("checkpoint.addr", "", "redis checkpoint store needs a url or addr")
	}

	p := c.Pipeline
	switch {
	case p.ChunkSize <= 0:
		return errors.NewValidationError("pipeline.chunk_size", p.ChunkSize, "must be positive")
	case p.Workers <= 0:
		return errors.NewValidationError("pipeline.workers", p.Workers, "must be positive")
	case p.Rate <= 0:
		return errors.NewValidationError("pipeline.rate", p.Rate, "must be positive")
	case p.Burst <= 0:
		return errors.NewValidationError("pipeline.burst", p.Burst, "must be positive")
	case p.MaxBatches < 0:
		return errors.NewValidationError("pipeline.max_batches", p.MaxBatches, "must not be negative")
	}
	return nil
}

func (s *SourceConfig) validate() error {
	kind, err := records.ParseSourceKind(s.Kind)
	if err != nil {
		return errors.WrapValidation("sources.kind", err)
	}
	switch kind {
	case records.SourceSQL:
		if s.Table == "" {
			return errors.NewValidationError("sources.table", "", "sql source needs a table")
		}
		if s.DSN == "" {
			return errors.NewValidationError("sources.dsn", "", "sql source needs a dsn")
		}
		if len(s.Tables) == 0 {
			s.Tables = []string{s.Table}
		}
	default:
		if s.Path == "" {
			return errors.NewValidationError("sources.path", "", "csv source needs a path")
		}
		if len([]rune(s.Delimiter)) > 1 {
			return errors.NewValidationError("sources.delimiter", s.Delimiter, "delimiter must be a single character")
		}
	}
	if s.Name == "" {
		s.Name = s.Table
		if s.Name == "" {
			s.Name = s.Path
		}
	}
	if (s.EntityType == "") == (s.EntityTypeColumn == "") {
		return errors.NewValidationError("sources.entity_type", s.Name,
			"exactly one of entity_type and entity_type_column is required")
	}
	return nil
}

// Source returns the named source.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// SourceNames lists sources in configuration order.
func (c *Config) SourceNames() []string {
	names := make([]string, len(c.Sources))
	for i, s := range c.Sources {
		names[i] = s.Name
	}
	return names
}

// EntitySpecs converts the entity declarations, sorted by type.
func (c *Config) EntitySpecs() ([]canonical.EntitySpec, error) {
	specs := make([]canonical.EntitySpec, 0, len(c.Entities))
	for _, name := range slices.Sorted(maps.Keys(c.Entities)) {
		e := c.Entities[name]
		spec := canonical.EntitySpec{Type: name, Fields: e.Fields, Required: e.Required, IDPrefix: e.IDPrefix}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Router returns the entity-type router of a source.
func (s SourceConfig) Router() canonical.Router {
	if s.EntityTypeColumn != "" {
		return canonical.ColumnRouter{Column: s.EntityTypeColumn, Aliases: s.EntityTypeAliases}
	}
	return canonical.StaticRouter(s.EntityType)
}

// Comma returns the CSV delimiter rune, or zero for the default.
func (s SourceConfig) Comma() rune {
	for _, r := range s.Delimiter {
		return r
	}
	return 0
}

func oneOf(field, value string, allowed ...string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return errors.NewValidationError(field, value, fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")))
}
