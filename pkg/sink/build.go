package sink

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// MirrorConfig describes one mirror. Only the fields relevant to Type are read.
type MirrorConfig struct {
	Type string `mapstructure:"type"` // postgres, sqlite, duckdb, clickhouse, parquet

	// postgres
	DSN string `mapstructure:"dsn"`
	// sqlite, duckdb
	Path string `mapstructure:"path"`
	// clickhouse
	Address  string `mapstructure:"address"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	Table string `mapstructure:"table"`

	// parquet
	Storage     StorageConfig `mapstructure:"storage"`
	Prefix      string        `mapstructure:"prefix"`
	SegmentSize int           `mapstructure:"segment_size"`
	Compression string        `mapstructure:"compression"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// Types lists the accepted MirrorConfig.Type values.
var Types = []string{"postgres", "sqlite", "duckdb", "clickhouse", "parquet"}

// Validate checks that the fields required by Type are present.
func (c MirrorConfig) Validate() error {
	switch strings.ToLower(c.Type) {
	case "postgres":
		if c.DSN == "" {
			return errors.New("postgres mirror requires dsn")
		}
	case "sqlite", "duckdb":
		if c.Path == "" {
			return errors.Errorf("%s mirror requires path", c.Type)
		}
	case "clickhouse":
		if c.Address == "" {
			return errors.New("clickhouse mirror requires address")
		}
	case "parquet":
		switch strings.ToUpper(c.Storage.Type) {
		case "", "FS":
			if c.Storage.LocalPath == "" {
				return errors.New("parquet mirror on FS requires storage.local_path")
			}
		case "GCS", "S3":
			if c.Storage.Bucket == "" {
				return errors.Errorf("parquet mirror on %s requires storage.bucket", c.Storage.Type)
			}
		default:
			return errors.Errorf("unsupported storage type: %s", c.Storage.Type)
		}
	default:
		return errors.Errorf("unknown mirror type %q", c.Type)
	}
	return nil
}

// Build opens every configured mirror. On error the mirrors opened so far
// are closed.
func Build(ctx context.Context, configs []MirrorConfig) ([]Mirror, error) {
	mirrors := make([]Mirror, 0, len(configs))
	for _, cfg := range configs {
		m, err := open(ctx, cfg)
		if err != nil {
			for _, opened := range mirrors {
				opened.Close()
			}
			return nil, errors.Wrapf(err, "failed to open %s mirror", cfg.Type)
		}
		mirrors = append(mirrors, m)
	}
	return mirrors, nil
}

func open(ctx context.Context, cfg MirrorConfig) (Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Type) {
	case "postgres":
		return NewPostgres(ctx, cfg.DSN, cfg.Table)
	case "sqlite":
		return NewSQLite(ctx, cfg.Path, cfg.Table)
	case "duckdb":
		return NewDuckDB(ctx, cfg.Path, cfg.Table)
	case "clickhouse":
		return NewClickHouse(ctx, ClickHouseConfig{
			Address:  cfg.Address,
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
			Table:    cfg.Table,
		})
	default:
		return NewParquet(ctx, ParquetConfig{
			Storage:     cfg.Storage,
			Prefix:      cfg.Prefix,
			SegmentSize: cfg.SegmentSize,
			Compression: cfg.Compression,
			MaxRetries:  cfg.MaxRetries,
		})
	}
}
