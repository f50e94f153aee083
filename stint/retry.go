package stint

import (
	"context"
	"math/rand"
	"time"

	"github.com/plumehq/plume/errors"
)

const (
	backoffBase      = 500 * time.Millisecond
	backoffCap       = 30 * time.Second
	backoffJitterMax = 250 * time.Millisecond

	// maxCallAttempts bounds transient retries of one downstream call
	// within one invocation. Exhausting it fails the sub-batch, not the
	// job.
	maxCallAttempts = 3
)

// BackoffDelay computes min(base*2^attempt + jitter, cap) for a zero-based
// attempt number.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 20 {
		return backoffCap
	}
	d := backoffBase << uint(attempt)
	d += time.Duration(rand.Int63n(int64(backoffJitterMax)))
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// RetryDelay resolves the wait before retrying a throttled call: the
// provider-supplied Retry-After when present, the computed backoff
// otherwise.
func RetryDelay(err error, attempt int) time.Duration {
	var rle *errors.RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		return rle.RetryAfter
	}
	return BackoffDelay(attempt)
}

// CallWithRetry runs fn under the per-call timeout, retrying transient
// failures with exponential backoff while the budget allows.
//
// Rate limits never fail a sub-batch: a throttle delay that fits the
// remaining budget is slept through and the call retried; one that does
// not fit comes back as a *errors.RateLimitError carrying the resolved
// delay, so the caller schedules a continuation instead of sleeping past
// the platform deadline. Permanent errors return immediately.
func CallWithRetry(ctx context.Context, budget *Budget, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxCallAttempts; attempt++ {
		callCtx, cancel := budget.CallContext(ctx)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		switch ClassifyFailure(err) {
		case FailurePermanent:
			return err

		case FailureRateLimited:
			delay := RetryDelay(err, attempt)
			if attempt == maxCallAttempts-1 || !budget.Fits(delay) {
				return &errors.RateLimitError{RetryAfter: delay}
			}
			if serr := sleepCtx(ctx, delay); serr != nil {
				return serr
			}

		default:
			if attempt == maxCallAttempts-1 {
				return lastErr
			}
			delay := BackoffDelay(attempt)
			if !budget.Fits(delay) {
				return lastErr
			}
			if serr := sleepCtx(ctx, delay); serr != nil {
				return serr
			}
		}
	}
	return lastErr
}

// sleepCtx waits for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
