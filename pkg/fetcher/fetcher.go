// Package fetcher drives bulk forward pagination of the id space across
// several sources and releases fetched rows in global id order.
package fetcher

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/withObsrvr/utxo-ingest/pkg/checkpoint"
	"github.com/withObsrvr/utxo-ingest/pkg/client"
	"github.com/withObsrvr/utxo-ingest/pkg/record"
)

// Defaults for Options fields left at zero.
const (
	DefaultRangeSize = 1000000
	DefaultPageSize  = 1000
	DefaultInterval  = 100 * time.Millisecond
)

// PageFetcher issues one paginated request against a source.
type PageFetcher interface {
	FetchPage(ctx context.Context, source int, lower, upper uint64, limit int) (client.Page, error)
	NumSources() int
}

// Options configures a Fetcher.
type Options struct {
	StartID   uint64
	MaxID     uint64
	RangeSize uint64
	PageSize  int

	// ContinueOnError keeps the run going when a source's page request
	// exhausts its retries. The source retries the same cursor on the next
	// iteration.
	ContinueOnError bool

	// Interval paces iterations. Negative disables pacing.
	Interval time.Duration

	Logger *logrus.Entry
}

// Fetcher owns the per-source ranges. Next is called from one goroutine.
type Fetcher struct {
	pages   PageFetcher
	opts    Options
	logger  *logrus.Entry
	limiter *rate.Limiter

	mu        sync.Mutex
	ranges    []checkpoint.Range
	frontier  uint64
	reclaimed []checkpoint.Range

	pending  *btree.BTreeG[record.Record]
	seq      uint64
	failures uint64
	fetched  uint64
}

// New creates a Fetcher. A non-nil bulk checkpoint restores its ranges;
// otherwise [StartID, MaxID] is partitioned across the sources.
func New(pages PageFetcher, opts Options, cp *checkpoint.Checkpoint) (*Fetcher, error) {
	n := pages.NumSources()
	if n == 0 {
		return nil, errors.New("at least one source is required")
	}
	if opts.StartID == 0 {
		opts.StartID = 1
	}
	if opts.MaxID < opts.StartID {
		return nil, errors.Errorf("max id %d is below start id %d", opts.MaxID, opts.StartID)
	}
	if opts.RangeSize == 0 {
		opts.RangeSize = DefaultRangeSize
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "fetcher")
	}

	limit := rate.Inf
	if opts.Interval > 0 {
		limit = rate.Every(opts.Interval)
	}

	f := &Fetcher{
		pages:   pages,
		opts:    opts,
		logger:  opts.Logger,
		limiter: rate.NewLimiter(limit, 1),
		pending: btree.NewG[record.Record](32, func(a, b record.Record) bool { return a.ID < b.ID }),
	}

	if cp != nil && len(cp.Ranges) > 0 {
		f.restore(cp, n)
	} else {
		f.ranges, f.frontier = Partition(opts.StartID, opts.MaxID, opts.RangeSize, n)
	}

	for i := range f.ranges {
		if f.ranges[i].Exhausted() {
			f.assign(i)
		}
	}
	f.logger.Infof("Starting with ranges %v, next unclaimed id %d, %d reclaimed windows",
		f.ranges, f.frontier, len(f.reclaimed))
	return f, nil
}

// restore rebuilds state from a bulk checkpoint. Ids between the last
// flushed id and the frontier that no restored range still covers were held
// back when the checkpoint was taken, so they are queued for re-fetching.
func (f *Fetcher) restore(cp *checkpoint.Checkpoint, n int) {
	restored := cp.Ranges
	if len(restored) > n {
		// fewer sources than before: requeue the windows of the removed ones
		for _, r := range restored[n:] {
			if !r.Exhausted() {
				f.reclaimed = append(f.reclaimed, r)
			}
		}
		restored = restored[:n]
	}
	f.ranges = make([]checkpoint.Range, n)
	for i := range f.ranges {
		if i < len(restored) {
			f.ranges[i] = restored[i]
		} else {
			f.ranges[i] = exhausted(f.opts.MaxID)
		}
	}

	f.frontier = f.opts.StartID
	for _, r := range cp.Ranges {
		if r.Upper+1 > f.frontier {
			f.frontier = r.Upper + 1
		}
	}
	if cp.LastProcessedID+1 > f.frontier {
		f.frontier = cp.LastProcessedID + 1
	}

	if cp.LastProcessedID == 0 && cp.TotalProcessed > 0 {
		f.logger.Warn("Checkpoint has no last processed id, resuming from ranges only")
		return
	}
	lower := cp.LastProcessedID + 1
	if lower < f.opts.StartID {
		lower = f.opts.StartID
	}
	gaps := uncovered(lower, f.frontier, cp.Ranges, f.opts.RangeSize)
	f.reclaimed = append(gaps, f.reclaimed...)
	sortRanges(f.reclaimed)
}

// assign gives source i its next window: reclaimed windows first, then the
// frontier. With nothing left the source is marked exhausted.
func (f *Fetcher) assign(i int) {
	switch {
	case len(f.reclaimed) > 0:
		f.ranges[i] = f.reclaimed[0]
		f.reclaimed = f.reclaimed[1:]
	case f.frontier <= f.opts.MaxID:
		f.ranges[i] = window(f.frontier, f.opts.MaxID, f.opts.RangeSize)
		f.frontier = f.ranges[i].Upper + 1
	default:
		f.ranges[i] = exhausted(f.opts.MaxID)
		return
	}
	f.logger.Debugf("Source %d assigned range %d-%d", i, f.ranges[i].Lower, f.ranges[i].Upper)
}

// Ranges returns a copy of the per-source ranges.
func (f *Fetcher) Ranges() []checkpoint.Range {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]checkpoint.Range(nil), f.ranges...)
}

// Done reports whether every source is exhausted and every fetched row has
// been released.
func (f *Fetcher) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allExhausted() && f.pending.Len() == 0
}

func (f *Fetcher) allExhausted() bool {
	if len(f.reclaimed) > 0 || f.frontier <= f.opts.MaxID {
		return false
	}
	for _, r := range f.ranges {
		if !r.Exhausted() {
			return false
		}
	}
	return true
}

// Failures returns the number of page requests that exhausted their retries.
func (f *Fetcher) Failures() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

// Held returns the number of fetched rows waiting on a lower source.
func (f *Fetcher) Held() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending.Len()
}

type pageResult struct {
	page client.Page
	err  error
}

// Next runs one iteration: one page per active source, concurrently. It
// returns the rows that are now below every source's cursor, ascending.
// io.EOF is returned once Done.
func (f *Fetcher) Next(ctx context.Context) (record.Batch, error) {
	if f.Done() {
		return record.Batch{}, io.EOF
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return record.Batch{}, err
	}

	f.mu.Lock()
	snapshot := append([]checkpoint.Range(nil), f.ranges...)
	f.mu.Unlock()

	results := make([]pageResult, len(snapshot))
	var g errgroup.Group
	for i, r := range snapshot {
		if r.Exhausted() {
			continue
		}
		g.Go(func() error {
			page, err := f.pages.FetchPage(ctx, i, r.Lower, r.Upper, f.opts.PageSize)
			results[i] = pageResult{page: page, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return record.Batch{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for i, r := range snapshot {
		if r.Exhausted() {
			continue
		}
		res := results[i]
		if res.err != nil {
			f.failures++
			if !f.opts.ContinueOnError {
				f.logger.WithError(res.err).Errorf("Critical error on source %d, stopping", i)
				return record.Batch{}, errors.Wrapf(res.err, "source %d range %d-%d", i, r.Lower, r.Upper)
			}
			f.logger.WithError(res.err).Errorf("Source %d failed at %d, continuing", i, r.Lower)
			continue
		}
		f.absorb(i, r, res.page)
	}

	batch := f.release()
	return batch, nil
}

// absorb stores a page's rows and advances source i.
func (f *Fetcher) absorb(i int, r checkpoint.Range, page client.Page) {
	var last uint64
	kept := 0
	for _, rec := range page.Records {
		if rec.ID < r.Lower || rec.ID > r.Upper {
			f.logger.Warnf("Source %d returned id %d outside range %d-%d", i, rec.ID, r.Lower, r.Upper)
			continue
		}
		f.pending.ReplaceOrInsert(rec)
		kept++
		if rec.ID > last {
			last = rec.ID
		}
	}
	f.fetched += uint64(kept)

	switch {
	case !page.More || page.NextCursor > r.Upper:
		f.assign(i)
	case page.NextCursor > r.Lower:
		f.ranges[i].Lower = page.NextCursor
	case kept > 0 && last < r.Upper:
		f.logger.Warnf("Source %d returned next key %d at or below cursor %d", i, page.NextCursor, r.Lower)
		f.ranges[i].Lower = last + 1
	default:
		f.logger.Warnf("Source %d made no progress at %d, abandoning range %d-%d", i, r.Lower, r.Lower, r.Upper)
		f.assign(i)
	}
}

// Low returns the lowest id the fetcher may still emit. Every id below it
// was emitted in this run or a previous one.
func (f *Fetcher) Low() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	low := f.watermark()
	if first, ok := f.pending.Min(); ok && first.ID < low {
		low = first.ID
	}
	return low
}

// watermark is the lowest id that may still be fetched.
func (f *Fetcher) watermark() uint64 {
	low := f.frontier
	if low > f.opts.MaxID+1 {
		low = f.opts.MaxID + 1
	}
	for _, r := range f.ranges {
		if !r.Exhausted() && r.Lower < low {
			low = r.Lower
		}
	}
	for _, r := range f.reclaimed {
		if r.Lower < low {
			low = r.Lower
		}
	}
	return low
}

// release removes and returns every pending row below the watermark.
func (f *Fetcher) release() record.Batch {
	mark := f.watermark()
	var out []record.Record
	f.pending.Ascend(func(rec record.Record) bool {
		if rec.ID >= mark {
			return false
		}
		out = append(out, rec)
		return true
	})
	for _, rec := range out {
		f.pending.Delete(rec)
	}
	f.seq++
	return record.Batch{Records: out, Seq: f.seq}
}
