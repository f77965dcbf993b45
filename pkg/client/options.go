package client

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults follow the production endpoints' tolerance.
const (
	DefaultMaxConcurrent     = 20
	DefaultRateLimit         = 5
	DefaultMaxRetries        = 5
	DefaultPointRetries      = 3
	DefaultInitialDelay      = 1 * time.Second
	DefaultMaxDelay          = 60 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultRetryAfter        = 60 * time.Second
	DefaultMaxRateLimitWaits = 100
)

// Options configures a Client.
type Options struct {
	// Endpoints are the interchangeable get_table_rows URLs. The index of an
	// endpoint in this slice is its source number.
	Endpoints []string

	// Table coordinates sent with every request.
	Code  string
	Scope string
	Table string

	// MaxConcurrent caps requests in flight across all calls.
	MaxConcurrent int64
	// RateLimit is the secondary, smaller permit pool approximating a
	// steady-state request ceiling.
	RateLimit int64

	// MaxRetries is the retry budget for page requests, PointRetries the
	// budget for single-id requests.
	MaxRetries   int
	PointRetries int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// RequestTimeout bounds a single HTTP attempt.
	RequestTimeout time.Duration
	// DefaultRetryAfter is used when a 429 carries no usable Retry-After.
	DefaultRetryAfter time.Duration
	// MaxRateLimitWaits bounds consecutive 429 waits for one request.
	// Zero selects the default, a negative value means unbounded.
	MaxRateLimitWaits int

	HTTPClient *http.Client
	Sleeper    Sleeper
	Logger     *logrus.Entry
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.RateLimit <= 0 {
		o.RateLimit = DefaultRateLimit
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.PointRetries <= 0 {
		o.PointRetries = DefaultPointRetries
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.DefaultRetryAfter <= 0 {
		o.DefaultRetryAfter = DefaultRetryAfter
	}
	if o.MaxRateLimitWaits == 0 {
		o.MaxRateLimitWaits = DefaultMaxRateLimitWaits
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Sleeper == nil {
		o.Sleeper = SleepContext
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("component", "client")
	}
}
