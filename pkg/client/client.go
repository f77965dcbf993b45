// Package client issues get_table_rows requests against a set of
// interchangeable endpoints under a concurrency cap, a secondary throttle and
// a bounded retry policy.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"

	"github.com/withObsrvr/utxo-ingest/pkg/record"
)

// TableQuery is the request body understood by get_table_rows.
type TableQuery struct {
	JSON          bool   `json:"json"`
	Code          string `json:"code"`
	Scope         string `json:"scope"`
	Table         string `json:"table"`
	LowerBound    string `json:"lower_bound"`
	UpperBound    string `json:"upper_bound"`
	IndexPosition int    `json:"index_position"`
	KeyType       string `json:"key_type"`
	Limit         int    `json:"limit"`
	Reverse       bool   `json:"reverse"`
	ShowPayer     bool   `json:"show_payer"`
}

// Page is one forward-pagination response.
type Page struct {
	Records    []record.Record
	NextCursor uint64
	More       bool
}

// Stats is a snapshot of the client's counters.
type Stats struct {
	Requests     uint64
	Retries      uint64
	RateLimited  uint64
	Unresolved   uint64
	PageFailures uint64
	InFlight     int64
	PeakInFlight int64
}

// Client is safe for concurrent use. The two permit pools are the only
// state shared between concurrent callers.
type Client struct {
	opts     Options
	inflight *semaphore.Weighted
	throttle *semaphore.Weighted
	logger   *logrus.Entry

	active       atomic.Int64
	peak         atomic.Int64
	requests     atomic.Uint64
	retries      atomic.Uint64
	rateLimited  atomic.Uint64
	unresolved   atomic.Uint64
	pageFailures atomic.Uint64
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("at least one endpoint must be specified")
	}
	if opts.Code == "" || opts.Table == "" {
		return nil, errors.New("code and table must be specified")
	}
	if opts.Scope == "" {
		opts.Scope = opts.Code
	}
	opts.applyDefaults()

	return &Client{
		opts:     opts,
		inflight: semaphore.NewWeighted(opts.MaxConcurrent),
		throttle: semaphore.NewWeighted(opts.RateLimit),
		logger:   opts.Logger,
	}, nil
}

// NumSources returns the number of configured endpoints.
func (c *Client) NumSources() int {
	return len(c.opts.Endpoints)
}

// SourceName returns the endpoint URL behind a source number.
func (c *Client) SourceName(source int) string {
	if source < 0 || source >= len(c.opts.Endpoints) {
		return "unknown"
	}
	return c.opts.Endpoints[source]
}

// Backoff returns the delay before retry number attempt (zero based).
func (c *Client) Backoff(attempt int) time.Duration {
	return Backoff(c.opts.InitialDelay, c.opts.MaxDelay, attempt)
}

// Stats returns a snapshot of request counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:     c.requests.Load(),
		Retries:      c.retries.Load(),
		RateLimited:  c.rateLimited.Load(),
		Unresolved:   c.unresolved.Load(),
		PageFailures: c.pageFailures.Load(),
		InFlight:     c.active.Load(),
		PeakInFlight: c.peak.Load(),
	}
}

type rawPage struct {
	records []record.Record
	more    bool
	nextKey string
}

func decodePage(body []byte) (rawPage, error) {
	records, err := record.ParseRows(body)
	if err != nil {
		return rawPage{}, err
	}
	return rawPage{
		records: records,
		more:    gjson.GetBytes(body, "more").Bool(),
		nextKey: gjson.GetBytes(body, "next_key").String(),
	}, nil
}

// FetchPage requests up to limit rows with ids in [lower, upper] from source.
//
// An exhausted retry budget yields an error wrapping ErrFatal. An empty or
// unparsable next_key is replaced by upper and logged; it is never an error.
func (c *Client) FetchPage(ctx context.Context, source int, lower, upper uint64, limit int) (Page, error) {
	endpoint, err := c.endpoint(source)
	if err != nil {
		return Page{}, err
	}

	raw, err := do(ctx, c, endpoint, c.query(lower, upper, limit), c.opts.MaxRetries, decodePage)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		c.pageFailures.Add(1)
		c.logger.WithError(err).Errorf("Failed to fetch data from %s after %d retries", endpoint, c.opts.MaxRetries)
		return Page{}, errors.Wrapf(ErrFatal, "source %d range [%d,%d]: %v", source, lower, upper, err)
	}

	return Page{
		Records:    raw.records,
		NextCursor: c.nextCursor(raw.nextKey, lower, upper),
		More:       raw.more,
	}, nil
}

func (c *Client) nextCursor(nextKey string, lower, upper uint64) uint64 {
	if nextKey == "" {
		c.logger.Warnf("Empty next_key received for range %d-%d. Using upper_bound as next_key.", lower, upper)
		return upper
	}
	next, err := strconv.ParseUint(nextKey, 10, 64)
	if err != nil {
		c.logger.Errorf("Invalid next_key received: '%s'. Using upper_bound as next_key.", nextKey)
		return upper
	}
	return next
}

// FetchOne requests exactly the row with the given id from source.
//
// A response without that row counts as a failed attempt. An exhausted
// retry budget yields an error wrapping ErrUnresolved.
func (c *Client) FetchOne(ctx context.Context, source int, id uint64) (record.Record, error) {
	endpoint, err := c.endpoint(source)
	if err != nil {
		return record.Record{}, err
	}

	decode := func(body []byte) (record.Record, error) {
		records, err := record.ParseRows(body)
		if err != nil {
			return record.Record{}, err
		}
		for _, r := range records {
			if r.ID == id {
				return r, nil
			}
		}
		return record.Record{}, errors.Errorf("id %d not present in response", id)
	}

	rec, err := do(ctx, c, endpoint, c.query(id, id, 1), c.opts.PointRetries, decode)
	if err != nil {
		if ctx.Err() != nil {
			return record.Record{}, ctx.Err()
		}
		c.unresolved.Add(1)
		return record.Record{}, errors.Wrapf(ErrUnresolved, "id %d via %s: %v", id, endpoint, err)
	}
	return rec, nil
}

func (c *Client) endpoint(source int) (string, error) {
	if source < 0 || source >= len(c.opts.Endpoints) {
		return "", errors.Wrapf(ErrUnknownSource, "source %d of %d", source, len(c.opts.Endpoints))
	}
	return c.opts.Endpoints[source], nil
}

func (c *Client) query(lower, upper uint64, limit int) TableQuery {
	return TableQuery{
		JSON:          true,
		Code:          c.opts.Code,
		Scope:         c.opts.Scope,
		Table:         c.opts.Table,
		LowerBound:    strconv.FormatUint(lower, 10),
		UpperBound:    strconv.FormatUint(upper, 10),
		IndexPosition: 1,
		Limit:         limit,
	}
}

// do runs attempts in a bounded loop. Rate-limit waits do not consume budget.
func do[T any](ctx context.Context, c *Client, endpoint string, q TableQuery, budget int, decode func([]byte) (T, error)) (T, error) {
	var zero T
	body, err := json.Marshal(q)
	if err != nil {
		return zero, errors.Wrap(err, "failed to marshal request")
	}

	retries, waits := 0, 0
	for {
		out := attempt(ctx, c, endpoint, body, decode)
		switch out.Kind {
		case KindOK:
			return out.Value, nil

		case KindFatal:
			return zero, out.Err

		case KindRateLimited:
			waits++
			c.rateLimited.Add(1)
			if c.opts.MaxRateLimitWaits > 0 && waits > c.opts.MaxRateLimitWaits {
				return zero, errors.Wrapf(out.Err, "still rate limited after %d waits", waits-1)
			}
			c.logger.Warnf("Rate limit exceeded on %s. Waiting for %s.", endpoint, out.Wait)
			if err := c.opts.Sleeper(ctx, out.Wait); err != nil {
				return zero, err
			}

		case KindRetry:
			if retries >= budget {
				return zero, errors.Wrapf(out.Err, "failed after %d attempts", retries+1)
			}
			delay := c.Backoff(retries)
			retries++
			c.retries.Add(1)
			c.logger.WithError(out.Err).Warnf("Request failed for %s. Retrying in %s... (Attempt %d/%d)",
				endpoint, delay, retries, budget)
			if err := c.opts.Sleeper(ctx, delay); err != nil {
				return zero, err
			}
		}
	}
}

// attempt performs one request while holding a permit from both pools.
// Permits are released before the caller sleeps.
func attempt[T any](ctx context.Context, c *Client, endpoint string, body []byte, decode func([]byte) (T, error)) Outcome[T] {
	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return fatal[T](err)
	}
	defer c.inflight.Release(1)
	if err := c.throttle.Acquire(ctx, 1); err != nil {
		return fatal[T](err)
	}
	defer c.throttle.Release(1)

	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	c.requests.Add(1)

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fatal[T](errors.Wrap(err, "failed to create request"))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.opts.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return fatal[T](ctx.Err())
		}
		return retry[T](errors.Wrap(err, "failed to send request"))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		wait := c.retryAfter(httpResp.Header.Get("Retry-After"))
		return rateLimited[T](wait, &StatusError{Code: httpResp.StatusCode})
	}

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return retry[T](errors.Wrap(err, "failed to read response"))
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return retry[T](&StatusError{Code: httpResp.StatusCode, Body: truncate(string(payload), 256)})
	}

	v, err := decode(payload)
	if err != nil {
		return retry[T](errors.Wrap(err, "failed to decode response"))
	}
	return ok(v)
}

func (c *Client) retryAfter(header string) time.Duration {
	if header == "" {
		return c.opts.DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return c.opts.DefaultRetryAfter
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
