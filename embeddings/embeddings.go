// Package embeddings maps text to fixed-dimension vectors.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fabfab/datasearch/config"
	"github.com/fabfab/datasearch/retry"
)

// ErrUnavailable marks backend failures (model not loaded, quota, timeout).
// Callers retry it once and otherwise treat it as fatal for retrieval.
var ErrUnavailable = errors.New("embedding backend unavailable")

// Embedder is deterministic for a fixed configuration. Blank text embeds to
// the zero vector without calling the backend.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

type Options struct {
	Provider  string
	Model     string
	Dimension int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// NewEmbedder builds the configured provider wrapped with one bounded retry.
func NewEmbedder(cfg config.Config, logger *slog.Logger) (Embedder, error) {
	opts := Options{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		Dimension:     cfg.Embeddings.Dimension,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}

	var base Embedder
	switch opts.Provider {
	case config.ProviderHashing:
		return NewHashingEmbedder(opts.Dimension), nil
	case config.ProviderOllama:
		base = NewOllamaEmbedder(opts)
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		base = NewOpenAIEmbedder(opts)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}

	policy := retry.Once("embed", IsUnavailable)
	policy.MaxTries = cfg.Retry.MaxTries
	policy.InitialInterval = cfg.Retry.InitialInterval
	policy.Logger = logger
	return WithRetry(base, policy), nil
}

// IsUnavailable reports whether err is a transient backend failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func unavailable(action string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, action, err)
}

// embedNonBlank calls fn only for texts that contain something to embed and
// fills the rest with zero vectors, keeping input order.
func embedNonBlank(ctx context.Context, texts []string, dimension int, fn func(context.Context, []string) ([][]float32, error)) ([][]float32, error) {
	results := make([][]float32, len(texts))
	pending := make([]string, 0, len(texts))
	positions := make([]int, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, dimension)
			continue
		}
		pending = append(pending, text)
		positions = append(positions, i)
	}
	if len(pending) == 0 {
		return results, nil
	}

	vectors, err := fn(ctx, pending)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(pending) {
		return nil, fmt.Errorf("embedding count mismatch: have %d texts, %d vectors", len(pending), len(vectors))
	}
	for i, vec := range vectors {
		if len(vec) != dimension {
			return nil, fmt.Errorf("embedding dimension mismatch: expected %d, got %d", dimension, len(vec))
		}
		results[positions[i]] = vec
	}
	return results, nil
}

func embedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// IsZero reports whether every component of vec is zero.
func IsZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
