// Package sink holds the output dataset and the optional mirrors each
// flushed chunk is copied into.
package sink

import (
	"context"

	"github.com/withObsrvr/utxo-ingest/pkg/record"
)

// Primary is the ordered output dataset. Offset is what a checkpoint
// records and Truncate is how a resume rolls the dataset back to it.
type Primary interface {
	// Append durably appends records, which are strictly ascending by id.
	Append(ctx context.Context, records []record.Record) error
	// Offset returns the size of the dataset after the last Append.
	Offset() (int64, error)
	// Truncate discards everything past offset.
	Truncate(offset int64) error
	Close() error
}

// Mirror receives a copy of every flushed chunk. Writes must be idempotent
// on id so a replay after resume does not duplicate rows.
type Mirror interface {
	Name() string
	Write(ctx context.Context, records []record.Record) error
	Close() error
}
