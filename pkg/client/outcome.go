package client

import (
	"context"
	"time"
)

// Kind classifies the result of a single request attempt.
type Kind int

const (
	// KindOK carries a decoded response.
	KindOK Kind = iota
	// KindRetry is a transient failure that consumes one unit of retry budget.
	KindRetry
	// KindRateLimited waits Outcome.Wait and retries without consuming budget.
	KindRateLimited
	// KindFatal stops the request loop immediately.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindRetry:
		return "retry"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is what one attempt returns to the bounded retry loop.
type Outcome[T any] struct {
	Kind  Kind
	Value T
	Wait  time.Duration
	Err   error
}

func ok[T any](v T) Outcome[T] { return Outcome[T]{Kind: KindOK, Value: v} }

func retry[T any](err error) Outcome[T] { return Outcome[T]{Kind: KindRetry, Err: err} }

func rateLimited[T any](wait time.Duration, err error) Outcome[T] {
	return Outcome[T]{Kind: KindRateLimited, Wait: wait, Err: err}
}

func fatal[T any](err error) Outcome[T] { return Outcome[T]{Kind: KindFatal, Err: err} }

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns min(initial * 2^attempt, max).
func Backoff(initial, max time.Duration, attempt int) time.Duration {
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
