package config

import (
	stderrors "errors"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/agentstation/migrator/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g. MIGRATOR_ORG_ID or
// MIGRATOR_PIPELINE_WORKERS.
const EnvPrefix = "MIGRATOR"

// FileName is the run file searched for when no path is given.
const FileName = "migrator"

// Load reads the run configuration. When path is empty, migrator.yaml is
// searched in the working directory and the state directory; a missing file
// is not an error. The result is not validated.
func Load(path string) (*Config, error) {
	loadEnvFiles(filepath.Dir(path))

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(v.GetString("state_dir"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stderrors.As(err, &notFound) {
			return nil, errors.NewConfigError("config", "failed to read "+configName(path), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.NewConfigError("config", "failed to decode "+configName(v.ConfigFileUsed()), err)
	}
	cfg.File = v.ConfigFileUsed()
	return cfg, nil
}

// LoadAndValidate loads the configuration and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("org_id", "")
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("target.kind", d.Target.Kind)
	v.SetDefault("target.dsn", "")
	v.SetDefault("target.table", "")
	v.SetDefault("target.max_conns", 0)
	v.SetDefault("audit.kind", d.Audit.Kind)
	v.SetDefault("audit.path", "")
	v.SetDefault("audit.conflicts_path", "")
	v.SetDefault("audit.dialect", "")
	v.SetDefault("audit.dsn", "")
	v.SetDefault("audit.table", "")
	v.SetDefault("checkpoint.kind", d.Checkpoint.Kind)
	v.SetDefault("checkpoint.path", "")
	v.SetDefault("checkpoint.url", "")
	v.SetDefault("checkpoint.addr", "")
	v.SetDefault("checkpoint.password", "")
	v.SetDefault("checkpoint.db", 0)
	v.SetDefault("checkpoint.key_prefix", "")
	v.SetDefault("pipeline.chunk_size", d.Pipeline.ChunkSize)
	v.SetDefault("pipeline.workers", d.Pipeline.Workers)
	v.SetDefault("pipeline.rate", d.Pipeline.Rate)
	v.SetDefault("pipeline.burst", d.Pipeline.Burst)
	v.SetDefault("pipeline.max_retries", d.Pipeline.MaxRetries)
	v.SetDefault("pipeline.retry_backoff", d.Pipeline.RetryBackoff)
	v.SetDefault("pipeline.max_retry_backoff", d.Pipeline.MaxRetryBackoff)
	v.SetDefault("pipeline.acquire_timeout", d.Pipeline.AcquireTimeout)
	v.SetDefault("pipeline.extract_timeout", d.Pipeline.ExtractTimeout)
	v.SetDefault("pipeline.max_batches", 0)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)

	// the unprefixed LOG_* variables are honored as well, like the logging package does
	_ = v.BindEnv("log.level", EnvPrefix+"_LOG_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("log.format", EnvPrefix+"_LOG_FORMAT", "LOG_FORMAT")
	_ = v.BindEnv("log.output", EnvPrefix+"_LOG_OUTPUT", "LOG_OUTPUT")
	return v
}

// loadEnvFiles loads .env.local and .env from the working directory and
// from dir. Variables already set in the environment are never replaced, so
// .env.local wins over .env.
func loadEnvFiles(dir string) {
	dirs := []string{"."}
	if dir != "" && dir != "." {
		dirs = append(dirs, dir)
	}
	for _, d := range dirs {
		for _, name := range []string{".env.local", ".env"} {
			_ = godotenv.Load(filepath.Join(d, name))
		}
	}
}

func configName(path string) string {
	if path == "" {
		return FileName + ".yaml"
	}
	return path
}
