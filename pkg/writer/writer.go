// Package writer is the only path to the output dataset. It accumulates
// ordered batches, flushes them in bulk, and advances the checkpoint so the
// checkpoint always describes a complete, sorted prefix of the output.
package writer

import (
	"context"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/utxo-ingest/pkg/checkpoint"
	"github.com/withObsrvr/utxo-ingest/pkg/record"
	"github.com/withObsrvr/utxo-ingest/pkg/sink"
)

// Defaults for Options fields left at zero.
const (
	DefaultBufferSize         = 10000
	DefaultCheckpointInterval = 10000
)

// Options configures a Writer.
type Options struct {
	Mode  checkpoint.Mode
	RunID string

	// BufferSize is the accumulator size that triggers a flush.
	BufferSize int
	// CheckpointInterval is the number of flushed records between
	// checkpoints. Commit always checkpoints.
	CheckpointInterval uint64

	Mirrors []sink.Mirror

	// Ranges supplies the per-source ranges stored in bulk checkpoints.
	Ranges func() []checkpoint.Range
	// Stats supplies optional counters stored with each checkpoint.
	Stats func() checkpoint.Stats

	Logger *logrus.Entry
}

// Writer is not safe for concurrent use; producers hand it batches one at
// a time.
type Writer struct {
	primary sink.Primary
	store   checkpoint.Store
	opts    Options
	logger  *logrus.Entry

	pending *btree.BTreeG[record.Record]

	lastFlushed     uint64
	flushedAny      bool
	total           uint64
	sinceCheckpoint uint64
	duplicates      uint64
	dirty           bool
	started         time.Time

	// failed is set once a flush fails part way. The output may then hold
	// rows past the last checkpoint, so nothing more is flushed or saved.
	failed error
}

func byID(a, b record.Record) bool { return a.ID < b.ID }

// New creates a Writer over primary and store.
func New(primary sink.Primary, store checkpoint.Store, opts Options) *Writer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.CheckpointInterval == 0 {
		opts.CheckpointInterval = DefaultCheckpointInterval
	}
	if opts.Mode == "" {
		opts.Mode = checkpoint.ModeReconcile
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "writer")
	}
	return &Writer{
		primary: primary,
		store:   store,
		opts:    opts,
		logger:  opts.Logger,
		pending: btree.NewG[record.Record](32, byID),
		started: time.Now(),
	}
}

// Recover loads the latest checkpoint and rolls the output back to the
// offset it recorded. With no checkpoint the output is reset and nil is
// returned.
func (w *Writer) Recover(ctx context.Context) (*checkpoint.Checkpoint, error) {
	cp, err := w.store.Load(ctx)
	if errors.Is(err, checkpoint.ErrNotFound) {
		if err := w.primary.Truncate(0); err != nil {
			return nil, errors.Wrap(err, "failed to reset output")
		}
		w.logger.Info("No checkpoint found, starting from scratch")
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load checkpoint")
	}
	if cp.Mode != w.opts.Mode {
		return nil, errors.Errorf("checkpoint was written in %s mode, current mode is %s", cp.Mode, w.opts.Mode)
	}

	if cp.OutputOffset == 0 && cp.TotalProcessed > 0 {
		w.logger.Warn("Checkpoint has no output offset, leaving output untouched")
	} else if err := w.primary.Truncate(cp.OutputOffset); err != nil {
		return nil, errors.Wrap(err, "failed to roll output back to checkpoint")
	}

	w.lastFlushed = cp.LastProcessedID
	w.flushedAny = cp.TotalProcessed > 0 || cp.LastProcessedID > 0
	w.total = cp.TotalProcessed
	w.logger.WithFields(logrus.Fields{
		"last_processed_id": cp.LastProcessedID,
		"total_processed":   cp.TotalProcessed,
		"output_offset":     cp.OutputOffset,
	}).Info("Resuming from checkpoint")
	return cp, nil
}

// Reset starts a fresh output without consulting the checkpoint. The next
// save overwrites whatever checkpoint exists.
func (w *Writer) Reset() error {
	if err := w.primary.Truncate(0); err != nil {
		return errors.Wrap(err, "failed to reset output")
	}
	w.pending.Clear(false)
	w.lastFlushed, w.flushedAny, w.total, w.sinceCheckpoint = 0, false, 0, 0
	w.failed = nil
	w.logger.Info("Starting a fresh run, existing checkpoint ignored")
	return nil
}

// Append adds a sorted batch to the accumulator and flushes once it holds
// BufferSize records. Ids at or below the flushed watermark, and ids already
// pending, are dropped.
func (w *Writer) Append(ctx context.Context, batch record.Batch) error {
	for _, r := range batch.Records {
		if w.flushedAny && r.ID <= w.lastFlushed {
			w.duplicates++
			w.logger.Warnf("Dropping id %d at or below flushed id %d", r.ID, w.lastFlushed)
			continue
		}
		if _, replaced := w.pending.ReplaceOrInsert(r); replaced {
			w.duplicates++
			w.logger.Debugf("Dropping duplicate id %d", r.ID)
		}
	}
	if batch.Len() > 0 {
		w.dirty = true
	}
	if w.pending.Len() >= w.opts.BufferSize {
		return w.flush(ctx)
	}
	return nil
}

// Commit flushes everything pending and saves a checkpoint.
func (w *Writer) Commit(ctx context.Context) error {
	if err := w.flush(ctx); err != nil {
		return err
	}
	return w.save(ctx)
}

// Close commits any pending records and closes the output and mirrors.
// After a failed flush it behaves like Abort and returns the flush error.
func (w *Writer) Close(ctx context.Context) error {
	if w.failed != nil {
		w.logger.WithError(w.failed).Warn("Output left at last checkpoint after failed flush")
		if err := w.Abort(); err != nil {
			w.logger.WithError(err).Error("Failed to close output")
		}
		return w.failed
	}
	err := w.flush(ctx)
	if err == nil && w.dirty {
		err = w.save(ctx)
	}
	if cerr := w.closeSinks(); err == nil {
		err = cerr
	}
	return err
}

// Abort closes the output without flushing pending records. The output and
// checkpoint stay as of the last commit.
func (w *Writer) Abort() error {
	if n := w.pending.Len(); n > 0 {
		w.logger.Warnf("Discarding %d unflushed records", n)
		w.pending.Clear(false)
	}
	return w.closeSinks()
}

func (w *Writer) closeSinks() error {
	var first error
	for _, m := range w.opts.Mirrors {
		if err := m.Close(); err != nil {
			w.logger.WithError(err).Errorf("Failed to close %s mirror", m.Name())
			if first == nil {
				first = err
			}
		}
	}
	if err := w.primary.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Watermark returns the last flushed id.
func (w *Writer) Watermark() uint64 { return w.lastFlushed }

// Total returns the number of records flushed, including previous runs.
func (w *Writer) Total() uint64 { return w.total }

// Pending returns the number of accumulated, unflushed records.
func (w *Writer) Pending() int { return w.pending.Len() }

// Duplicates returns the number of dropped records.
func (w *Writer) Duplicates() uint64 { return w.duplicates }

func (w *Writer) flush(ctx context.Context) error {
	if w.failed != nil {
		return w.failed
	}
	n := w.pending.Len()
	if n == 0 {
		return nil
	}
	chunk := make([]record.Record, 0, n)
	w.pending.Ascend(func(r record.Record) bool {
		chunk = append(chunk, r)
		return true
	})

	if err := w.primary.Append(ctx, chunk); err != nil {
		w.failed = errors.Wrap(err, "failed to append to output")
		return w.failed
	}
	w.pending.Clear(true)
	w.lastFlushed = chunk[len(chunk)-1].ID
	w.flushedAny = true
	w.total += uint64(n)
	w.sinceCheckpoint += uint64(n)

	// Mirrors are idempotent on id; a resume replays the chunk into them.
	for _, m := range w.opts.Mirrors {
		if err := m.Write(ctx, chunk); err != nil {
			w.failed = errors.Wrapf(err, "failed to write %s mirror", m.Name())
			return w.failed
		}
	}
	w.logger.Debugf("Flushed %d records through id %d", n, w.lastFlushed)

	if w.sinceCheckpoint >= w.opts.CheckpointInterval {
		return w.save(ctx)
	}
	return nil
}

func (w *Writer) save(ctx context.Context) error {
	if w.failed != nil {
		return w.failed
	}
	offset, err := w.primary.Offset()
	if err != nil {
		return errors.Wrap(err, "failed to read output offset")
	}
	cp := &checkpoint.Checkpoint{
		Mode:            w.opts.Mode,
		RunID:           w.opts.RunID,
		LastProcessedID: w.lastFlushed,
		TotalProcessed:  w.total,
		OutputOffset:    offset,
	}
	if w.opts.Mode == checkpoint.ModeBulk && w.opts.Ranges != nil {
		cp.Ranges = w.opts.Ranges()
	}
	if w.opts.Stats != nil {
		stats := w.opts.Stats()
		stats.Duplicates = w.duplicates
		stats.UptimeSeconds = int64(time.Since(w.started).Seconds())
		cp.Statistics = &stats
	}
	if err := w.store.Save(ctx, cp); err != nil {
		return errors.Wrap(err, "failed to save checkpoint")
	}
	w.sinceCheckpoint = 0
	w.dirty = false
	w.logger.Debugf("Checkpoint saved at id %d (%d total)", w.lastFlushed, w.total)
	return nil
}
