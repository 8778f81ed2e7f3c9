package llm

import (
	"context"

	"github.com/fabfab/datasearch/retry"
)

type retryingClient struct {
	next   Client
	policy retry.Policy
}

// WithRetry wraps c so that ErrUnavailable failures are retried per policy.
func WithRetry(c Client, policy retry.Policy) Client {
	if policy.Retryable == nil {
		policy.Retryable = IsUnavailable
	}
	return &retryingClient{next: c, policy: policy}
}

func (r *retryingClient) Generate(ctx context.Context, messages []Message) (string, error) {
	return retry.Do(ctx, r.policy, func(ctx context.Context) (string, error) {
		return r.next.Generate(ctx, messages)
	})
}
