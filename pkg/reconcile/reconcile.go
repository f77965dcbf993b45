// Package reconcile completes a batch's id span by backfilling the ids it is
// missing through concurrent point queries.
package reconcile

import (
	"context"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/utxo-ingest/pkg/record"
)

// PointFetcher resolves a single id against one of NumSources sources.
type PointFetcher interface {
	FetchOne(ctx context.Context, source int, id uint64) (record.Record, error)
	NumSources() int
}

// Options configures a Reconciler.
type Options struct {
	// Floor is the last id already emitted downstream. When set, a batch's
	// span starts right after it so gaps between batches are backfilled too.
	Floor    uint64
	HasFloor bool

	// MaxInFlight caps the point queries running at once. Set it to the
	// client's request cap.
	MaxInFlight int

	Logger *logrus.Entry
}

// DefaultMaxInFlight matches the client's default request cap.
const DefaultMaxInFlight = 20

// Result describes one reconciled batch.
type Result struct {
	Span       record.Span
	Missing    int
	Backfilled int
	Unresolved []uint64
	Source     int
}

// Stats are cumulative counters across batches.
type Stats struct {
	Batches    uint64
	Missing    uint64
	Backfilled uint64
	Unresolved uint64
}

// Reconciler is used by a single goroutine; concurrency exists only within
// one Reconcile call.
type Reconciler struct {
	fetcher PointFetcher
	logger  *logrus.Entry

	floor       uint64
	hasFloor    bool
	maxInFlight int
	cursor      int
	stats    Stats
}

// New creates a Reconciler.
func New(fetcher PointFetcher, opts Options) *Reconciler {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "reconciler")
	}
	return &Reconciler{
		fetcher:     fetcher,
		logger:      opts.Logger,
		floor:       opts.Floor,
		hasFloor:    opts.HasFloor,
		maxInFlight: opts.MaxInFlight,
	}
}

// NextSource returns the source for the current batch and the cursor for
// the next one.
func NextSource(cursor, n int) (source, next int) {
	if n <= 0 {
		return 0, 0
	}
	source = cursor % n
	return source, (source + 1) % n
}

// MissingIDs returns the ids in span absent from ids, ascending.
func MissingIDs(span record.Span, ids []uint64) []uint64 {
	present := roaring64.New()
	present.AddMany(ids)
	return missing(span, present)
}

func missing(span record.Span, present *roaring64.Bitmap) []uint64 {
	if span.Len() == 0 {
		return nil
	}
	full := roaring64.New()
	full.AddRange(span.Lower, span.Upper+1)
	full.AndNot(present)
	return full.ToArray()
}

// Stats returns cumulative counters.
func (r *Reconciler) Stats() Stats { return r.stats }

// Floor returns the last id emitted.
func (r *Reconciler) Floor() (uint64, bool) { return r.floor, r.hasFloor }

// Reconcile backfills the ids missing from batch's span and returns the
// merged batch sorted by id. Ids that stay unresolved after the client's
// retries are left out and reported in Result. Only cancellation of ctx is
// returned as an error.
func (r *Reconciler) Reconcile(ctx context.Context, batch record.Batch) (record.Batch, Result, error) {
	span, ok := batch.Span()
	if !ok {
		return batch, Result{}, nil
	}
	if r.hasFloor {
		if r.floor >= span.Upper {
			batch.Sort()
			return batch, Result{Span: record.Span{Lower: r.floor + 1, Upper: span.Upper}}, nil
		}
		span.Lower = r.floor + 1
	}

	present := roaring64.New()
	for _, rec := range batch.Records {
		present.Add(rec.ID)
	}
	gaps := missing(span, present)

	source, next := NextSource(r.cursor, r.fetcher.NumSources())
	r.cursor = next
	result := Result{Span: span, Missing: len(gaps), Source: source}

	if len(gaps) > 0 {
		r.logger.Infof("Found %d missing ids in range %d-%d, backfilling from source %d",
			len(gaps), span.Lower, span.Upper, source)

		fetched := make([]record.Record, len(gaps))
		resolved := make([]bool, len(gaps))
		var mu sync.Mutex
		var unresolved []uint64

		var g errgroup.Group
		g.SetLimit(r.maxInFlight)
		for i, id := range gaps {
			g.Go(func() error {
				rec, err := r.fetcher.FetchOne(ctx, source, id)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					r.logger.WithError(err).Warnf("Unable to resolve id %d", id)
					mu.Lock()
					unresolved = append(unresolved, id)
					mu.Unlock()
					return nil
				}
				fetched[i] = rec
				resolved[i] = true
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return record.Batch{}, result, err
		}

		merged := make([]record.Record, len(batch.Records), len(batch.Records)+len(gaps))
		copy(merged, batch.Records)
		for i, ok := range resolved {
			if ok {
				merged = append(merged, fetched[i])
				result.Backfilled++
			}
		}
		batch.Records = merged
		slices.Sort(unresolved)
		result.Unresolved = unresolved
	}

	batch.Sort()
	r.floor = span.Upper
	r.hasFloor = true

	r.stats.Batches++
	r.stats.Missing += uint64(result.Missing)
	r.stats.Backfilled += uint64(result.Backfilled)
	r.stats.Unresolved += uint64(len(result.Unresolved))
	return batch, result, nil
}
