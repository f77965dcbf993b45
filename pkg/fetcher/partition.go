package fetcher

import (
	"cmp"
	"slices"

	"github.com/withObsrvr/utxo-ingest/pkg/checkpoint"
)

// exhausted is the marker range of a source with nothing left to fetch.
func exhausted(maxID uint64) checkpoint.Range {
	return checkpoint.Range{Lower: maxID + 1, Upper: maxID}
}

// Partition assigns n consecutive windows of size ids starting at start,
// clamped to maxID. Sources left without a window get an exhausted range.
// It also returns the next unclaimed id.
func Partition(start, maxID, size uint64, n int) ([]checkpoint.Range, uint64) {
	ranges := make([]checkpoint.Range, n)
	next := start
	for i := range ranges {
		if next > maxID {
			ranges[i] = exhausted(maxID)
			continue
		}
		ranges[i] = window(next, maxID, size)
		next = ranges[i].Upper + 1
	}
	return ranges, next
}

func window(lower, maxID, size uint64) checkpoint.Range {
	upper := lower + size - 1
	if upper > maxID || upper < lower {
		upper = maxID
	}
	return checkpoint.Range{Lower: lower, Upper: upper}
}

// uncovered returns the parts of [lower, upper) not covered by any
// non-exhausted range, split into windows of at most size ids.
func uncovered(lower, upper uint64, covered []checkpoint.Range, size uint64) []checkpoint.Range {
	var live []checkpoint.Range
	for _, r := range covered {
		if !r.Exhausted() {
			live = append(live, r)
		}
	}
	sortRanges(live)

	var out []checkpoint.Range
	emit := func(lo, hi uint64) {
		for lo <= hi {
			w := window(lo, hi, size)
			out = append(out, w)
			if w.Upper == hi {
				break
			}
			lo = w.Upper + 1
		}
	}

	next := lower
	for _, r := range live {
		if next >= upper {
			break
		}
		if r.Upper < next {
			continue
		}
		if r.Lower > next {
			hi := r.Lower - 1
			if hi >= upper {
				hi = upper - 1
			}
			emit(next, hi)
		}
		if r.Upper+1 > next {
			next = r.Upper + 1
		}
	}
	if next < upper {
		emit(next, upper-1)
	}
	return out
}

func sortRanges(rs []checkpoint.Range) {
	slices.SortFunc(rs, func(a, b checkpoint.Range) int {
		return cmp.Compare(a.Lower, b.Lower)
	})
}
