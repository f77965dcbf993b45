package sink

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/utxo-ingest/pkg/record"
)

// DefaultSegmentSize is the number of records per parquet segment.
const DefaultSegmentSize = 100000

var utxoSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "txid", Type: arrow.BinaryTypes.String},
	{Name: "output_index", Type: arrow.PrimitiveTypes.Int64},
	{Name: "scriptpubkey", Type: arrow.BinaryTypes.String},
	{Name: "value", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// ParquetConfig configures the parquet segment mirror.
type ParquetConfig struct {
	Storage     StorageConfig
	Prefix      string
	SegmentSize int
	Compression string // "snappy", "gzip", "zstd", "lz4", "none"
	MaxRetries  int
}

// Parquet accumulates records and uploads them as fixed-size segments named
// after the id span they hold. A replay after resume may upload a segment
// overlapping an earlier one; rows are identical so readers dedupe on id.
type Parquet struct {
	storage     StorageClient
	prefix      string
	segmentSize int
	codec       compress.Compression
	allocator   memory.Allocator
	pending     []record.Record
	segments    int
	logger      *logrus.Entry
}

// NewParquet creates a parquet mirror on the configured storage.
func NewParquet(ctx context.Context, cfg ParquetConfig) (Mirror, error) {
	storage, err := NewStorageClient(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if cfg.MaxRetries > 0 {
		storage = NewRetryableStorageClient(storage, cfg.MaxRetries)
	}
	return newParquet(storage, cfg), nil
}

func newParquet(storage StorageClient, cfg ParquetConfig) *Parquet {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	return &Parquet{
		storage:     storage,
		prefix:      cfg.Prefix,
		segmentSize: cfg.SegmentSize,
		codec:       compressionCodec(cfg.Compression),
		allocator:   memory.NewGoAllocator(),
		pending:     make([]record.Record, 0, cfg.SegmentSize),
		logger:      logrus.WithFields(logrus.Fields{"component": "sink", "sink": "parquet"}),
	}
}

func compressionCodec(name string) compress.Compression {
	switch strings.ToLower(name) {
	case "gzip":
		return compress.Codecs.Gzip
	case "zstd":
		return compress.Codecs.Zstd
	case "lz4":
		return compress.Codecs.Lz4
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed
	default:
		return compress.Codecs.Snappy
	}
}

func (p *Parquet) Name() string { return "parquet" }

// Write buffers records and uploads every full segment.
func (p *Parquet) Write(ctx context.Context, records []record.Record) error {
	for len(records) > 0 {
		room := p.segmentSize - len(p.pending)
		n := len(records)
		if n > room {
			n = room
		}
		p.pending = append(p.pending, records[:n]...)
		records = records[n:]
		if len(p.pending) == p.segmentSize {
			if err := p.flush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Parquet) segmentKey(first, last uint64) string {
	name := fmt.Sprintf("%s_%012d_%012d.parquet", defaultTable, first, last)
	if p.prefix == "" {
		return name
	}
	return path.Join(p.prefix, name)
}

func (p *Parquet) flush(ctx context.Context) error {
	if len(p.pending) == 0 {
		return nil
	}
	data, err := p.encode(p.pending)
	if err != nil {
		return err
	}
	key := p.segmentKey(p.pending[0].ID, p.pending[len(p.pending)-1].ID)
	if err := p.storage.Write(ctx, key, data); err != nil {
		return errors.Wrapf(err, "failed to store segment %s", key)
	}
	p.segments++
	p.logger.Infof("Wrote segment %s (%d records, %d bytes)", key, len(p.pending), len(data))
	p.pending = p.pending[:0]
	return nil
}

func (p *Parquet) encode(records []record.Record) ([]byte, error) {
	b := array.NewRecordBuilder(p.allocator, utxoSchema)
	defer b.Release()

	ids := b.Field(0).(*array.Uint64Builder)
	txids := b.Field(1).(*array.StringBuilder)
	indexes := b.Field(2).(*array.Int64Builder)
	scripts := b.Field(3).(*array.StringBuilder)
	values := b.Field(4).(*array.Int64Builder)
	for _, r := range records {
		ids.Append(r.ID)
		txids.Append(r.TxID)
		indexes.Append(r.Index)
		scripts.Append(r.ScriptPubKey)
		values.Append(r.Value)
	}
	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(
		parquet.WithCompression(p.codec),
		parquet.WithDataPageSize(1024*1024),
	)
	writer, err := pqarrow.NewFileWriter(utxoSchema, &buf, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Parquet writer")
	}
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return nil, errors.Wrap(err, "failed to write record batch")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close Parquet writer")
	}
	return buf.Bytes(), nil
}

// Close uploads the final partial segment.
func (p *Parquet) Close() error {
	err := p.flush(context.Background())
	if cerr := p.storage.Close(); err == nil {
		err = cerr
	}
	return err
}
