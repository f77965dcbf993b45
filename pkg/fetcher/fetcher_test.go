package fetcher

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/utxo-ingest/pkg/checkpoint"
	"github.com/withObsrvr/utxo-ingest/pkg/client"
	"github.com/withObsrvr/utxo-ingest/pkg/record"
)

type request struct {
	source       int
	lower, upper uint64
}

// fakePages serves every id in [1, maxID] except those in missing.
type fakePages struct {
	mu       sync.Mutex
	sources  int
	maxID    uint64
	missing  map[uint64]bool
	failFor  map[int]int // source -> remaining failures
	requests []request
}

func newFakePages(sources int, maxID uint64) *fakePages {
	return &fakePages{sources: sources, maxID: maxID, missing: map[uint64]bool{}, failFor: map[int]int{}}
}

func (f *fakePages) NumSources() int { return f.sources }

func (f *fakePages) FetchPage(_ context.Context, source int, lower, upper uint64, limit int) (client.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request{source, lower, upper})
	if f.failFor[source] > 0 {
		f.failFor[source]--
		return client.Page{}, errors.Wrap(client.ErrFatal, "fake outage")
	}

	var page client.Page
	for id := lower; id <= upper && id <= f.maxID; id++ {
		if f.missing[id] {
			continue
		}
		if len(page.Records) == limit {
			page.More = true
			page.NextCursor = id
			return page, nil
		}
		page.Records = append(page.Records, record.Record{ID: id})
	}
	page.NextCursor = upper
	return page, nil
}

func (f *fakePages) windows() map[request]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[request]bool{}
	for _, r := range f.requests {
		out[r] = true
	}
	return out
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func drain(t *testing.T, f *Fetcher) []uint64 {
	t.Helper()
	var ids []uint64
	for i := 0; i < 10000; i++ {
		batch, err := f.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return ids
		}
		require.NoError(t, err)
		for j, r := range batch.Records {
			if j > 0 {
				require.Less(t, batch.Records[j-1].ID, r.ID)
			}
			if len(ids) > 0 {
				require.Less(t, ids[len(ids)-1], r.ID, "batches must be globally ascending")
			}
			ids = append(ids, r.ID)
		}
	}
	t.Fatal("fetcher did not terminate")
	return nil
}

func seq(lower, upper uint64) []uint64 {
	var out []uint64
	for id := lower; id <= upper; id++ {
		out = append(out, id)
	}
	return out
}

func TestPartition(t *testing.T) {
	ranges, next := Partition(1, 2500, 1000, 2)
	assert.Equal(t, []checkpoint.Range{{Lower: 1, Upper: 1000}, {Lower: 1001, Upper: 2000}}, ranges)
	assert.Equal(t, uint64(2001), next)

	ranges, next = Partition(1, 1500, 1000, 3)
	assert.Equal(t, []checkpoint.Range{{Lower: 1, Upper: 1000}, {Lower: 1001, Upper: 1500}, {Lower: 1501, Upper: 1500}}, ranges)
	assert.True(t, ranges[2].Exhausted())
	assert.Equal(t, uint64(1501), next)
}

func TestUncovered(t *testing.T) {
	covered := []checkpoint.Range{{Lower: 1501, Upper: 2000}, {Lower: 501, Upper: 1000}, {Lower: 9, Upper: 8}}
	assert.Equal(t, []checkpoint.Range{
		{Lower: 301, Upper: 500},
		{Lower: 1001, Upper: 1500},
	}, uncovered(301, 2001, covered, 1000))

	assert.Equal(t, []checkpoint.Range{
		{Lower: 1, Upper: 400},
		{Lower: 401, Upper: 800},
		{Lower: 801, Upper: 1000},
	}, uncovered(1, 1001, nil, 400))

	assert.Empty(t, uncovered(600, 1001, covered, 1000))
}

func TestRangeExhaustion(t *testing.T) {
	pages := newFakePages(2, 2500)
	f, err := New(pages, Options{MaxID: 2500, RangeSize: 1000, PageSize: 1000, Interval: -1, Logger: quietLogger()}, nil)
	require.NoError(t, err)

	ids := drain(t, f)
	assert.Equal(t, seq(1, 2500), ids)
	assert.True(t, f.Done())

	w := pages.windows()
	assert.True(t, w[request{0, 1, 1000}])
	assert.True(t, w[request{1, 1001, 2000}])
	assert.True(t, w[request{0, 2001, 2500}], "first exhausted source gets the next window")
	assert.Len(t, w, 3)

	for _, r := range f.Ranges() {
		assert.Greater(t, r.Lower, uint64(2500))
	}
}

func TestHoldsRowsUntilLowerSourcesCatchUp(t *testing.T) {
	pages := newFakePages(2, 100)
	f, err := New(pages, Options{MaxID: 100, RangeSize: 50, PageSize: 10, Interval: -1, Logger: quietLogger()}, nil)
	require.NoError(t, err)

	batch, err := f.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), batch.Records[0].ID)
	assert.Len(t, batch.Records, 10, "rows 51-60 wait for source 0")
	assert.Equal(t, 10, f.Held())

	assert.Equal(t, seq(11, 100), drain(t, f))
}

func TestGapsArePassedThrough(t *testing.T) {
	pages := newFakePages(2, 40)
	pages.missing[7] = true
	pages.missing[25] = true
	f, err := New(pages, Options{MaxID: 40, RangeSize: 20, PageSize: 5, Interval: -1, Logger: quietLogger()}, nil)
	require.NoError(t, err)

	ids := drain(t, f)
	assert.Len(t, ids, 38)
	assert.NotContains(t, ids, uint64(7))
	assert.NotContains(t, ids, uint64(25))
}

func TestFatalErrorHalts(t *testing.T) {
	pages := newFakePages(2, 100)
	pages.failFor[1] = 1
	f, err := New(pages, Options{MaxID: 100, RangeSize: 50, PageSize: 10, Interval: -1, Logger: quietLogger()}, nil)
	require.NoError(t, err)

	_, err = f.Next(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, client.ErrFatal))
	assert.Equal(t, uint64(1), f.Failures())
}

func TestContinueOnErrorRetriesSource(t *testing.T) {
	pages := newFakePages(2, 100)
	pages.failFor[1] = 2
	f, err := New(pages, Options{
		MaxID: 100, RangeSize: 50, PageSize: 10, Interval: -1,
		ContinueOnError: true, Logger: quietLogger(),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, seq(1, 100), drain(t, f))
	assert.Equal(t, uint64(2), f.Failures())
}

func TestResumeReclaimsHeldWindows(t *testing.T) {
	pages := newFakePages(2, 2500)
	cp := &checkpoint.Checkpoint{
		Mode:            checkpoint.ModeBulk,
		Ranges:          []checkpoint.Range{{Lower: 501, Upper: 1000}, {Lower: 1501, Upper: 2000}},
		LastProcessedID: 300,
		TotalProcessed:  300,
	}
	f, err := New(pages, Options{MaxID: 2500, RangeSize: 1000, PageSize: 1000, Interval: -1, Logger: quietLogger()}, cp)
	require.NoError(t, err)
	assert.Equal(t, cp.Ranges, f.Ranges())

	assert.Equal(t, seq(301, 2500), drain(t, f))

	w := pages.windows()
	assert.True(t, w[request{0, 501, 1000}])
	assert.True(t, w[request{1, 1501, 2000}])
	reclaimedA := w[request{0, 301, 500}] || w[request{1, 301, 500}]
	reclaimedB := w[request{0, 1001, 1500}] || w[request{1, 1001, 1500}]
	assert.True(t, reclaimedA)
	assert.True(t, reclaimedB)
}

func TestResumeWithFewerSources(t *testing.T) {
	pages := newFakePages(1, 300)
	cp := &checkpoint.Checkpoint{
		Mode:            checkpoint.ModeBulk,
		Ranges:          []checkpoint.Range{{Lower: 101, Upper: 100}, {Lower: 151, Upper: 200}},
		LastProcessedID: 100,
		TotalProcessed:  100,
	}
	f, err := New(pages, Options{MaxID: 300, RangeSize: 100, PageSize: 100, Interval: -1, Logger: quietLogger()}, cp)
	require.NoError(t, err)

	assert.Equal(t, seq(101, 300), drain(t, f))
}

func TestNewValidates(t *testing.T) {
	_, err := New(newFakePages(0, 10), Options{MaxID: 10}, nil)
	assert.Error(t, err)

	_, err = New(newFakePages(1, 10), Options{StartID: 20, MaxID: 10}, nil)
	assert.Error(t, err)
}

func TestStartIDOffset(t *testing.T) {
	pages := newFakePages(3, 1000)
	f, err := New(pages, Options{StartID: 901, MaxID: 1000, RangeSize: 40, PageSize: 7, Interval: -1, Logger: quietLogger()}, nil)
	require.NoError(t, err)

	ids := drain(t, f)
	assert.Equal(t, seq(901, 1000), ids)
	assert.True(t, sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] }))
}

func TestLow(t *testing.T) {
	fresh, err := New(newFakePages(3, 1000), Options{StartID: 901, MaxID: 1000, RangeSize: 40, Interval: -1, Logger: quietLogger()}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(901), fresh.Low())

	cp := &checkpoint.Checkpoint{
		Mode:            checkpoint.ModeBulk,
		Ranges:          []checkpoint.Range{{Lower: 501, Upper: 1000}, {Lower: 1501, Upper: 2000}},
		LastProcessedID: 300,
		TotalProcessed:  300,
	}
	resumed, err := New(newFakePages(2, 2500), Options{MaxID: 2500, RangeSize: 1000, Interval: -1, Logger: quietLogger()}, cp)
	require.NoError(t, err)
	assert.Equal(t, uint64(301), resumed.Low())

	held, err := New(newFakePages(2, 100), Options{MaxID: 100, RangeSize: 50, PageSize: 10, Interval: -1, Logger: quietLogger()}, nil)
	require.NoError(t, err)
	_, err = held.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(11), held.Low())
}
