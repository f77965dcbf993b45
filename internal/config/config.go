// Package config loads run settings from defaults, an optional YAML file,
// UTXO_INGEST_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/withObsrvr/utxo-ingest/pkg/checkpoint"
	"github.com/withObsrvr/utxo-ingest/pkg/client"
	"github.com/withObsrvr/utxo-ingest/pkg/fetcher"
	"github.com/withObsrvr/utxo-ingest/pkg/pipeline"
	"github.com/withObsrvr/utxo-ingest/pkg/scan"
	"github.com/withObsrvr/utxo-ingest/pkg/sink"
	"github.com/withObsrvr/utxo-ingest/pkg/writer"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "UTXO_INGEST"

// DefaultSources are the public get_table_rows endpoints.
var DefaultSources = []string{
	"https://rpc-us.exsat.network/v1/chain/get_table_rows",
	"https://as-node.defibox.xyz/v1/chain/get_table_rows",
}

const (
	DefaultCode  = "utxomng.xsat"
	DefaultTable = "utxos"
	DefaultMaxID = 176944794
)

// Per-mode file defaults.
var (
	FetchDefaults = Files{
		Output:     "data_main.csv",
		Checkpoint: "checkpoint-main.json",
	}
	ReconcileDefaults = Files{
		Input:      "data_main.csv",
		Output:     "cleaned_data_main.csv",
		Checkpoint: "checkpoint-data.json",
	}
)

// Files are the default paths for one mode.
type Files struct {
	Input      string
	Output     string
	Checkpoint string
}

type Config struct {
	Sources []string `mapstructure:"sources"`
	Code    string   `mapstructure:"code"`
	Scope   string   `mapstructure:"scope"`
	Table   string   `mapstructure:"table"`

	// StartID overrides the checkpoint when set.
	StartID         uint64 `mapstructure:"start_id"`
	MaxID           uint64 `mapstructure:"max_id"`
	MaxRecords      uint64 `mapstructure:"max_records"`
	ContinueOnError bool   `mapstructure:"continue_on_error"`

	Input      string `mapstructure:"input"`
	Output     string `mapstructure:"output"`
	SyncOutput bool   `mapstructure:"sync_output"`

	Client     ClientConfig       `mapstructure:"client"`
	Fetch      FetchConfig        `mapstructure:"fetch"`
	Reconcile  ReconcileConfig    `mapstructure:"reconcile"`
	Writer     WriterConfig       `mapstructure:"writer"`
	Checkpoint CheckpointConfig   `mapstructure:"checkpoint"`
	Sinks      []sink.MirrorConfig `mapstructure:"sinks"`

	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"`
}

type ClientConfig struct {
	MaxConcurrent     int64         `mapstructure:"max_concurrent"`
	RateLimit         int64         `mapstructure:"rate_limit"`
	MaxRetries        int           `mapstructure:"max_retries"`
	PointRetries      int           `mapstructure:"point_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RetryAfter        time.Duration `mapstructure:"retry_after"`
	MaxRateLimitWaits int           `mapstructure:"max_rate_limit_waits"`
}

type FetchConfig struct {
	RangeSize uint64        `mapstructure:"range_size"`
	PageSize  int           `mapstructure:"page_size"`
	Interval  time.Duration `mapstructure:"interval"`
}

type ReconcileConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

type WriterConfig struct {
	BufferSize         int    `mapstructure:"buffer_size"`
	CheckpointInterval uint64 `mapstructure:"checkpoint_interval"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Type  string      `mapstructure:"type"` // file, redis
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// SetDefaults registers every default on v. files supplies the paths for
// the mode being run.
func SetDefaults(v *viper.Viper, files Files) {
	v.SetDefault("sources", DefaultSources)
	v.SetDefault("code", DefaultCode)
	v.SetDefault("scope", DefaultCode)
	v.SetDefault("table", DefaultTable)
	v.SetDefault("start_id", 0)
	v.SetDefault("max_id", DefaultMaxID)
	v.SetDefault("max_records", 0)
	v.SetDefault("continue_on_error", false)

	v.SetDefault("input", files.Input)
	v.SetDefault("output", files.Output)
	v.SetDefault("sync_output", false)

	v.SetDefault("client.max_concurrent", client.DefaultMaxConcurrent)
	v.SetDefault("client.rate_limit", client.DefaultRateLimit)
	v.SetDefault("client.max_retries", client.DefaultMaxRetries)
	v.SetDefault("client.point_retries", client.DefaultPointRetries)
	v.SetDefault("client.initial_delay", client.DefaultInitialDelay)
	v.SetDefault("client.max_delay", client.DefaultMaxDelay)
	v.SetDefault("client.request_timeout", client.DefaultRequestTimeout)
	v.SetDefault("client.retry_after", client.DefaultRetryAfter)
	v.SetDefault("client.max_rate_limit_waits", client.DefaultMaxRateLimitWaits)

	v.SetDefault("fetch.range_size", fetcher.DefaultRangeSize)
	v.SetDefault("fetch.page_size", fetcher.DefaultPageSize)
	v.SetDefault("fetch.interval", fetcher.DefaultInterval)

	v.SetDefault("reconcile.batch_size", scan.DefaultBatchSize)

	v.SetDefault("writer.buffer_size", writer.DefaultBufferSize)
	v.SetDefault("writer.checkpoint_interval", writer.DefaultCheckpointInterval)

	v.SetDefault("checkpoint.type", "file")
	v.SetDefault("checkpoint.path", files.Checkpoint)
	v.SetDefault("checkpoint.redis.address", "localhost:6379")
	v.SetDefault("checkpoint.redis.db", 0)
	v.SetDefault("checkpoint.redis.key_prefix", "utxo:ingest:")

	v.SetDefault("progress_interval", pipeline.DefaultProgressInterval)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// New returns a viper instance with defaults and environment binding.
func New(files Files) *viper.Viper {
	v := viper.New()
	SetDefaults(v, files)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and decodes v into a validated
// Config for mode.
func Load(v *viper.Viper, configFile string, mode checkpoint.Mode) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate(mode checkpoint.Mode) error {
	if len(c.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	for i, s := range c.Sources {
		if strings.TrimSpace(s) == "" {
			return errors.Errorf("source %d is empty", i)
		}
	}
	if c.Code == "" || c.Table == "" {
		return errors.New("code and table are required")
	}
	if c.Output == "" {
		return errors.New("output path is required")
	}
	if c.Client.MaxConcurrent <= 0 || c.Client.RateLimit <= 0 {
		return errors.New("client.max_concurrent and client.rate_limit must be positive")
	}
	if c.Writer.BufferSize <= 0 || c.Writer.CheckpointInterval == 0 {
		return errors.New("writer.buffer_size and writer.checkpoint_interval must be positive")
	}

	switch mode {
	case checkpoint.ModeBulk:
		if c.MaxID == 0 {
			return errors.New("max_id must be positive")
		}
		if c.StartID > c.MaxID {
			return errors.Errorf("start_id %d is above max_id %d", c.StartID, c.MaxID)
		}
		if c.Fetch.RangeSize == 0 || c.Fetch.PageSize <= 0 {
			return errors.New("fetch.range_size and fetch.page_size must be positive")
		}
	case checkpoint.ModeReconcile:
		if c.Input == "" {
			return errors.New("input path is required")
		}
		if c.Input == c.Output {
			return errors.New("input and output must be different files")
		}
		if c.Reconcile.BatchSize <= 0 {
			return errors.New("reconcile.batch_size must be positive")
		}
	default:
		return errors.Errorf("unknown mode %q", mode)
	}

	switch strings.ToLower(c.Checkpoint.Type) {
	case "file":
		if c.Checkpoint.Path == "" {
			return errors.New("checkpoint.path is required for file checkpoints")
		}
	case "redis":
		if c.Checkpoint.Redis.Address == "" {
			return errors.New("checkpoint.redis.address is required for redis checkpoints")
		}
	default:
		return errors.Errorf("unknown checkpoint type %q", c.Checkpoint.Type)
	}

	for i, s := range c.Sinks {
		if err := s.Validate(); err != nil {
			return errors.Wrapf(err, "sinks[%d]", i)
		}
	}
	return nil
}

// Fingerprint is the part of the configuration that changes the meaning of
// a checkpoint. Its hash is stored with every checkpoint.
func (c *Config) Fingerprint(mode checkpoint.Mode) map[string]interface{} {
	fp := map[string]interface{}{
		"mode":   mode,
		"code":   c.Code,
		"scope":  c.Scope,
		"table":  c.Table,
		"output": c.Output,
	}
	switch mode {
	case checkpoint.ModeBulk:
		fp["sources"] = len(c.Sources)
		fp["max_id"] = c.MaxID
		fp["range_size"] = c.Fetch.RangeSize
	case checkpoint.ModeReconcile:
		fp["input"] = c.Input
	}
	return fp
}
