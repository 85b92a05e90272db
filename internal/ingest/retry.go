package ingest

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultFetchAttempts = 3
	DefaultFetchBackoff  = 400 * time.Millisecond
)

// RetryPolicy bounds retries of a fetch. The wait before retry n (1-based) is
// BaseDelay*n, so the defaults wait 400ms then 800ms.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the observed lag between a notification and the
// message becoming readable.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultFetchAttempts, BaseDelay: DefaultFetchBackoff}
}

// Do runs op until it succeeds, returns a backoff.Permanent error, the
// attempts are used up, or ctx is done. onRetry, when set, is called before
// each wait.
func (p RetryPolicy) Do(ctx context.Context, op func(attempt int) error, onRetry func(err error, wait time.Duration)) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	attempt := 0
	operation := func() error {
		attempt++
		return op(attempt)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{base: p.BaseDelay}, uint64(attempts-1)), ctx)
	if onRetry == nil {
		return backoff.Retry(operation, b)
	}
	return backoff.RetryNotify(operation, b, onRetry)
}

// linearBackOff waits base, 2*base, 3*base, ...
type linearBackOff struct {
	base time.Duration
	n    int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return l.base * time.Duration(l.n)
}

func (l *linearBackOff) Reset() { l.n = 0 }
