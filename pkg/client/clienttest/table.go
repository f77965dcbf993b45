// Package clienttest provides an in-process get_table_rows endpoint for
// tests of packages that sit on top of the client.
package clienttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/utxo-ingest/pkg/record"
)

// Behavior controls how a Table misbehaves.
type Behavior struct {
	// FailFirst answers the first N requests with 503.
	FailFirst int
	// FailAlways answers every request with 503.
	FailAlways bool
	// RateLimitFirst answers the first N requests with 429.
	RateLimitFirst int
	// RetryAfter is the Retry-After header sent with 429 responses.
	RetryAfter string
	// Delay is slept before each response.
	Delay time.Duration
	// Dropped ids are omitted from page responses but served to point queries.
	Dropped map[uint64]bool
	// Unresolvable ids are omitted from every response.
	Unresolvable map[uint64]bool
	// EmptyNextKey sends next_key "" even when more is true.
	EmptyNextKey bool
	// Wrap nests each row under a "data" key.
	Wrap bool
}

// Table is a fake endpoint serving a fixed, sorted id set.
type Table struct {
	Server *httptest.Server

	mu       sync.Mutex
	ids      []uint64
	behavior Behavior
	requests int
	points   int

	active atomic.Int64
	peak   atomic.Int64
}

// Row is the deterministic record served for id.
func Row(id uint64) record.Record {
	return record.Record{
		ID:           id,
		TxID:         fmt.Sprintf("%064x", id),
		Index:        int64(id % 4),
		ScriptPubKey: fmt.Sprintf("0014%040x", id),
		Value:        int64(id) * 10,
	}
}

// Rows returns Row for each id.
func Rows(ids ...uint64) []record.Record {
	out := make([]record.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, Row(id))
	}
	return out
}

// Range returns the ids [lower, upper].
func Range(lower, upper uint64) []uint64 {
	ids := make([]uint64, 0, upper-lower+1)
	for id := lower; id <= upper; id++ {
		ids = append(ids, id)
	}
	return ids
}

// NewTable starts a server holding ids. Callers must Close it.
func NewTable(ids []uint64, behavior Behavior) *Table {
	sorted := append([]uint64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	t := &Table{ids: sorted, behavior: behavior}
	t.Server = httptest.NewServer(http.HandlerFunc(t.handle))
	return t
}

// URL is the endpoint address.
func (t *Table) URL() string { return t.Server.URL }

// Close shuts the server down.
func (t *Table) Close() { t.Server.Close() }

// Requests returns the number of requests received.
func (t *Table) Requests() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests
}

// PointQueries returns the number of single-id requests received.
func (t *Table) PointQueries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.points
}

// PeakConcurrency is the highest number of requests handled at once.
func (t *Table) PeakConcurrency() int64 { return t.peak.Load() }

type query struct {
	Table      string `json:"table"`
	LowerBound string `json:"lower_bound"`
	UpperBound string `json:"upper_bound"`
	Limit      int    `json:"limit"`
}

func (t *Table) handle(w http.ResponseWriter, r *http.Request) {
	n := t.active.Add(1)
	defer t.active.Add(-1)
	for {
		p := t.peak.Load()
		if n <= p || t.peak.CompareAndSwap(p, n) {
			break
		}
	}

	var q query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	lower, err1 := strconv.ParseUint(q.LowerBound, 10, 64)
	upper, err2 := strconv.ParseUint(q.UpperBound, 10, 64)
	if err1 != nil || err2 != nil || q.Limit <= 0 {
		http.Error(w, "invalid bounds", http.StatusBadRequest)
		return
	}
	point := lower == upper && q.Limit == 1

	t.mu.Lock()
	t.requests++
	if point {
		t.points++
	}
	seq := t.requests
	b := t.behavior
	t.mu.Unlock()

	if b.Delay > 0 {
		time.Sleep(b.Delay)
	}
	if seq <= b.RateLimitFirst {
		if b.RetryAfter != "" {
			w.Header().Set("Retry-After", b.RetryAfter)
		}
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	if b.FailAlways || seq <= b.RateLimitFirst+b.FailFirst {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	rows := make([]any, 0)
	more := false
	nextKey := ""
	start := sort.Search(len(t.ids), func(i int) bool { return t.ids[i] >= lower })
	for i := start; i < len(t.ids) && t.ids[i] <= upper; i++ {
		id := t.ids[i]
		if len(rows) == q.Limit {
			more = true
			nextKey = strconv.FormatUint(id, 10)
			break
		}
		if b.Unresolvable[id] || (!point && b.Dropped[id]) {
			continue
		}
		row := Row(id)
		if b.Wrap {
			rows = append(rows, map[string]any{"data": row})
		} else {
			rows = append(rows, row)
		}
	}
	if b.EmptyNextKey {
		nextKey = ""
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"rows":     rows,
		"more":     more,
		"next_key": nextKey,
	})
}
