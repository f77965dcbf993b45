// Package scan reads a previously fetched dataset back as batches so the
// reconciler can fill in what the original fetch missed.
package scan

import (
	"context"
	"encoding/csv"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/utxo-ingest/pkg/record"
)

// DefaultBatchSize is the number of rows per batch when none is given.
const DefaultBatchSize = 1000

// FileSource emits batches of rows from a delimited file with a header.
// It is used by a single goroutine.
type FileSource struct {
	path        string
	file        *os.File
	reader      *csv.Reader
	batchSize   int
	skipThrough uint64
	logger      *logrus.Entry

	line    int
	seq     uint64
	skipped uint64
	read    uint64
	done    bool
}

// NewFileSource opens path for scanning. Rows with an id at or below
// skipThrough are skipped; pass the last processed id when resuming.
func NewFileSource(path string, batchSize int, skipThrough uint64) (*FileSource, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open input %s", path)
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.ReuseRecord = true

	return &FileSource{
		path:        path,
		file:        f,
		reader:      r,
		batchSize:   batchSize,
		skipThrough: skipThrough,
		logger:      logrus.WithFields(logrus.Fields{"component": "scan", "input": path}),
	}, nil
}

// Next returns the next batch of up to batchSize rows in file order. The
// final batch may be shorter. io.EOF is returned once the file is consumed.
func (s *FileSource) Next(ctx context.Context) (record.Batch, error) {
	if s.done {
		return record.Batch{}, io.EOF
	}
	records := make([]record.Record, 0, s.batchSize)
	for len(records) < s.batchSize {
		if err := ctx.Err(); err != nil {
			return record.Batch{}, err
		}
		row, err := s.reader.Read()
		if err == io.EOF {
			s.done = true
			break
		}
		s.line++
		if err != nil {
			return record.Batch{}, errors.Wrapf(err, "%s line %d", s.path, s.line)
		}
		if s.line == 1 && record.IsHeader(row) {
			continue
		}
		rec, err := record.FromRow(row)
		if err != nil {
			return record.Batch{}, errors.Wrapf(err, "%s line %d", s.path, s.line)
		}
		if rec.ID <= s.skipThrough {
			s.skipped++
			continue
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		if s.skipped > 0 {
			s.logger.Infof("Skipped %d rows at or below id %d", s.skipped, s.skipThrough)
		}
		return record.Batch{}, io.EOF
	}
	s.read += uint64(len(records))
	s.seq++
	return record.Batch{Records: records, Seq: s.seq}, nil
}

// Skipped returns the number of rows skipped as already processed.
func (s *FileSource) Skipped() uint64 { return s.skipped }

// Read returns the number of rows emitted so far.
func (s *FileSource) Read() uint64 { return s.read }

func (s *FileSource) Close() error {
	return s.file.Close()
}
