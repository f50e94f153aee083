package stint

import (
	"context"
	"strings"

	"github.com/plumehq/plume/errors"
)

// FailureKind buckets a downstream error by how the engine must react.
type FailureKind string

const (
	// FailureTransient is retried with backoff inside the invocation.
	FailureTransient FailureKind = "transient"
	// FailureRateLimited defers to the provider's pacing instead of
	// burning retries against a throttle.
	FailureRateLimited FailureKind = "rate_limited"
	// FailurePermanent fails the job immediately. Missing or revoked
	// credentials cannot be retried into existence.
	FailurePermanent FailureKind = "permanent"
)

// ClassifyFailure maps an error onto the retry taxonomy. Typed sentinels
// win; otherwise the message is sniffed. Unknown errors default to
// transient: retrying a mystery is recoverable, failing a job on one is
// not.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return FailureTransient
	}

	if errors.IsRateLimitedError(err) {
		return FailureRateLimited
	}
	if errors.IsCredentialError(err) || errors.IsInvalidRequestError(err) {
		return FailurePermanent
	}
	if errors.Is(err, errors.ErrTimeout) ||
		errors.Is(err, errors.ErrServiceUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return FailureRateLimited
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "credential"),
		strings.Contains(msg, "revoked"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return FailurePermanent
	}
	return FailureTransient
}
