package services

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tbourn/coach-intake/internal/repo"
)

// RetryPolicy bounds persistence retries.
type RetryPolicy struct {
	MaxTries uint
	Initial  time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy is used when an Orchestrator has none configured.
var DefaultRetryPolicy = RetryPolicy{MaxTries: 4, Initial: 100 * time.Millisecond, Max: 2 * time.Second}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxTries == 0 {
		p.MaxTries = DefaultRetryPolicy.MaxTries
	}
	if p.Initial <= 0 {
		p.Initial = DefaultRetryPolicy.Initial
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	return p
}

// withRetry runs fn with exponential backoff. Not-found and stale-status
// errors are final. It returns the attempt count alongside the result.
func withRetry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, int, error) {
	p = p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max

	attempts := 0
	var last error
	out, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := fn(ctx)
		if err != nil {
			last = err
			if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrStaleStatus) {
				return v, backoff.Permanent(err)
			}
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
		backoff.WithMaxElapsedTime(0),
	)
	// A cancelled context surfaces as its cause; keep the store error.
	if err != nil && last != nil && !errors.Is(err, last) {
		err = errors.Join(last, err)
	}
	return out, attempts, err
}
