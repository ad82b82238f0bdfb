package lock

import (
	"context"
	"math/rand"
	"time"

	retry "github.com/sethvargo/go-retry"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
)

// backoff returns the delay before retry n (zero based): a uniform value in
// [d/2, d) with d = min(base*2^n, maxDelay).
func backoff(n int, base, maxDelay time.Duration) time.Duration {
	d := base
	for i := 0; i < n && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(d-half)))
}

func (l *Lock) retryPolicy() retry.Backoff {
	n := 0
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		d := backoff(n, l.base, l.maxDelay)
		n++
		return d, false
	})
	return retry.WithMaxRetries(uint64(l.tries-1), b)
}

// retryAcquire calls Acquire until it succeeds, fails with a store error, the
// attempts run out or ctx ends. It returns the number of attempts made.
func retryAcquire(ctx context.Context, l *Lock) (int, error) {
	attempts := 0
	err := retry.Do(ctx, l.retryPolicy(), func(ctx context.Context) error {
		attempts++
		ok, err := l.Acquire(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(tethererrors.ErrNotAcquired)
		}
		return nil
	})
	return attempts, err
}
