package sink

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/utxo-ingest/pkg/record"
)

// ReplacingMergeTree collapses rows replayed after a resume.
const clickhouseDDL = `
CREATE TABLE IF NOT EXISTS %s (
    id UInt64,
    txid String,
    output_index Int64,
    scriptpubkey String,
    value Int64,
    created_at DateTime DEFAULT now()
) ENGINE = ReplacingMergeTree
ORDER BY id`

// ClickHouseConfig holds connection settings for the ClickHouse mirror.
type ClickHouseConfig struct {
	Address      string
	Database     string
	Username     string
	Password     string
	Table        string
	MaxOpenConns int
	MaxIdleConns int
}

type clickhouseConn interface {
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// ClickHouse mirrors records into a ReplacingMergeTree table.
type ClickHouse struct {
	conn   clickhouseConn
	table  string
	logger *logrus.Entry
}

// NewClickHouse connects to ClickHouse and creates the table if needed.
func NewClickHouse(ctx context.Context, cfg ClickHouseConfig) (Mirror, error) {
	if cfg.Address == "" {
		return nil, errors.New("missing address in clickhouse config")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Address},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "error connecting to ClickHouse")
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "error pinging ClickHouse")
	}
	return newClickHouse(ctx, conn, cfg.Table)
}

func newClickHouse(ctx context.Context, conn clickhouseConn, table string) (*ClickHouse, error) {
	if err := conn.Exec(ctx, fmt.Sprintf(clickhouseDDL, table)); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "error creating %s table", table)
	}
	return &ClickHouse{
		conn:   conn,
		table:  table,
		logger: logrus.WithFields(logrus.Fields{"component": "sink", "sink": "clickhouse", "table": table}),
	}, nil
}

func (c *ClickHouse) Name() string { return "clickhouse" }

// Write sends records as one native batch.
func (c *ClickHouse) Write(ctx context.Context, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s (id, txid, output_index, scriptpubkey, value)", c.table))
	if err != nil {
		return errors.Wrap(err, "error preparing batch")
	}
	for _, r := range records {
		if err := batch.Append(r.ID, r.TxID, r.Index, r.ScriptPubKey, r.Value); err != nil {
			_ = batch.Abort()
			return errors.Wrapf(err, "error appending id %d", r.ID)
		}
	}
	if err := batch.Send(); err != nil {
		return errors.Wrap(err, "error sending batch")
	}
	c.logger.Debugf("Mirrored %d records", len(records))
	return nil
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
