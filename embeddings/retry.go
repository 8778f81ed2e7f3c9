package embeddings

import (
	"context"

	"github.com/fabfab/datasearch/retry"
)

type retryingEmbedder struct {
	next   Embedder
	policy retry.Policy
}

// WithRetry wraps e so that ErrUnavailable failures are retried per policy.
func WithRetry(e Embedder, policy retry.Policy) Embedder {
	if policy.Retryable == nil {
		policy.Retryable = IsUnavailable
	}
	return &retryingEmbedder{next: e, policy: policy}
}

func (r *retryingEmbedder) Dimension() int { return r.next.Dimension() }

func (r *retryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return retry.Do(ctx, r.policy, func(ctx context.Context) ([]float32, error) {
		return r.next.Embed(ctx, text)
	})
}

func (r *retryingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return retry.Do(ctx, r.policy, func(ctx context.Context) ([][]float32, error) {
		return r.next.EmbedBatch(ctx, texts)
	})
}
