package stint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/plumehq/plume/errors"
)

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, FailureTransient},
		{"typed rate limit", &errors.RateLimitError{}, FailureRateLimited},
		{"wrapped rate limit sentinel", errors.Wrap(errors.ErrRateLimited, "gmail"), FailureRateLimited},
		{"missing credentials", errors.Wrap(errors.ErrNoCredentials, "mailbox"), FailurePermanent},
		{"invalid request", errors.NewInvalidRequestError("bad payload"), FailurePermanent},
		{"timeout sentinel", errors.Wrap(errors.ErrTimeout, "slow provider"), FailureTransient},
		{"service unavailable", errors.ErrServiceUnavailable, FailureTransient},
		{"context deadline", context.DeadlineExceeded, FailureTransient},
		{"sniffed 429", errors.New("HTTP 429 Too Many Requests"), FailureRateLimited},
		{"sniffed rate limit text", errors.New("provider rate limit hit"), FailureRateLimited},
		{"sniffed 401", errors.New("401 unauthorized"), FailurePermanent},
		{"sniffed revoked", errors.New("token revoked by user"), FailurePermanent},
		{"unknown network noise", errors.New("connection reset by peer"), FailureTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFailure(tt.err))
		})
	}
}
