// Package pipeline runs the ingestion loop: pull a batch from a source,
// reconcile its span, hand it to the writer. Both bulk fetching and file
// reconciliation go through the same loop.
package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/utxo-ingest/pkg/reconcile"
	"github.com/withObsrvr/utxo-ingest/pkg/record"
	"github.com/withObsrvr/utxo-ingest/pkg/writer"
)

// DefaultProgressInterval is how often Run logs progress.
const DefaultProgressInterval = 10 * time.Second

// BatchSource produces batches in ascending batch order. Next returns
// io.EOF once there is nothing left.
type BatchSource interface {
	Next(ctx context.Context) (record.Batch, error)
}

// Options configures an Engine.
type Options struct {
	// CommitEveryBatch flushes and checkpoints after every batch. Bulk
	// mode sets it so the stored ranges track the fetcher.
	CommitEveryBatch bool

	// MaxRecords stops the run once this many records have been written
	// in total. Zero means no cap.
	MaxRecords uint64

	ProgressInterval time.Duration

	Stats  *Stats
	Logger *logrus.Entry
}

// Engine drives one BatchSource to completion.
type Engine struct {
	source     BatchSource
	reconciler *reconcile.Reconciler
	writer     *writer.Writer
	opts       Options
	logger     *logrus.Entry
	stats      *Stats
}

// New creates an Engine. The writer must already be recovered.
func New(source BatchSource, reconciler *reconcile.Reconciler, w *writer.Writer, opts Options) *Engine {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.Stats == nil {
		opts.Stats = NewStats("")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "pipeline")
	}
	return &Engine{
		source:     source,
		reconciler: reconciler,
		writer:     w,
		opts:       opts,
		logger:     opts.Logger,
		stats:      opts.Stats,
	}
}

// Stats returns the run counters.
func (e *Engine) Stats() *Stats { return e.stats }

// Run processes batches until the source is drained, the record cap is
// reached, or an error occurs. On success or cancellation pending records
// are committed and the writer closed. Any other error aborts the writer so
// the output stays at the last checkpoint.
func (e *Engine) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil && !errors.Is(err, context.Canceled) {
			if aerr := e.writer.Abort(); aerr != nil {
				e.logger.WithError(aerr).Error("Failed to close output after error")
			}
			return
		}
		if cerr := e.writer.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "failed to close writer")
		}
	}()

	lastProgress := time.Now()
	for {
		batch, err := e.source.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "failed to read batch")
		}

		batch, result, err := e.reconciler.Reconcile(ctx, batch)
		if err != nil {
			return errors.Wrap(err, "failed to reconcile batch")
		}

		if err := e.writer.Append(ctx, batch); err != nil {
			return err
		}
		if e.opts.CommitEveryBatch {
			if err := e.writer.Commit(ctx); err != nil {
				return err
			}
		}

		var current uint64
		if last, ok := batch.Last(); ok {
			current = last.ID
		}
		e.stats.observe(batch.Len(), result.Backfilled, len(result.Unresolved), current)

		if time.Since(lastProgress) >= e.opts.ProgressInterval {
			e.logger.WithFields(e.stats.fields(e.processed())).Info("Progress")
			lastProgress = time.Now()
		}

		if e.opts.MaxRecords > 0 && e.processed() >= e.opts.MaxRecords {
			e.logger.Infof("Reached max records %d, stopping", e.opts.MaxRecords)
			break
		}
	}

	e.logger.WithFields(logrus.Fields{
		"total_processed": e.processed(),
		"last_id":         e.stats.CurrentID(),
		"elapsed":         time.Since(e.stats.StartTime).Round(time.Millisecond).String(),
	}).Info("Run finished")
	return nil
}

// processed counts flushed and pending records.
func (e *Engine) processed() uint64 {
	return e.writer.Total() + uint64(e.writer.Pending())
}
