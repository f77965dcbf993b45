package sink

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/utxo-ingest/pkg/record"
)

// CSV is the primary output: a header row followed by one row per record.
type CSV struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	w      *csv.Writer
	offset int64
	sync   bool
	logger *logrus.Entry
}

// NewCSV opens or creates the output file at path. A new or empty file gets
// the header row. When sync is set every Append is fsynced.
func NewCSV(path string, sync bool) (*CSV, error) {
	if path == "" {
		return nil, errors.New("output path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory %s", dir)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open output %s", path)
	}

	c := &CSV{
		path:   path,
		file:   f,
		sync:   sync,
		logger: logrus.WithFields(logrus.Fields{"component": "sink", "sink": "csv", "path": path}),
	}
	c.buf = bufio.NewWriterSize(f, 1<<20)
	c.w = csv.NewWriter(c.buf)

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to seek output")
	}
	c.offset = end
	if end == 0 {
		if err := c.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return c, nil
}

// Path returns the output location.
func (c *CSV) Path() string { return c.path }

func (c *CSV) writeHeader() error {
	if err := c.w.Write(record.Header); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	return c.flush()
}

// Append writes records and flushes them to the file.
func (c *CSV) Append(_ context.Context, records []record.Record) error {
	for _, r := range records {
		if err := c.w.Write(r.Row()); err != nil {
			return errors.Wrapf(err, "failed to write id %d", r.ID)
		}
	}
	return c.flush()
}

func (c *CSV) flush() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return errors.Wrap(err, "failed to flush csv writer")
	}
	if err := c.buf.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush output buffer")
	}
	if c.sync {
		if err := c.file.Sync(); err != nil {
			return errors.Wrap(err, "failed to sync output")
		}
	}
	pos, err := c.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Wrap(err, "failed to read output position")
	}
	c.offset = pos
	return nil
}

// Offset returns the byte size of the output after the last Append.
func (c *CSV) Offset() (int64, error) {
	return c.offset, nil
}

// Truncate cuts the output back to offset. Truncating to zero rewrites the
// header.
func (c *CSV) Truncate(offset int64) error {
	if offset < 0 {
		return errors.Errorf("invalid offset %d", offset)
	}
	info, err := c.file.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat output")
	}
	if offset > info.Size() {
		return errors.Errorf("offset %d is beyond output size %d", offset, info.Size())
	}
	if offset < info.Size() {
		c.logger.Infof("Truncating output from %d to %d bytes", info.Size(), offset)
	}
	if err := c.file.Truncate(offset); err != nil {
		return errors.Wrap(err, "failed to truncate output")
	}
	if _, err := c.file.Seek(offset, io.SeekStart); err != nil {
		return errors.Wrap(err, "failed to seek output")
	}
	c.buf.Reset(c.file)
	c.offset = offset
	if offset == 0 {
		return c.writeHeader()
	}
	return nil
}

// Close flushes and closes the file.
func (c *CSV) Close() error {
	if err := c.flush(); err != nil {
		c.file.Close()
		return err
	}
	return c.file.Close()
}
