// Package llm abstracts the answer generator behind a single Generate call.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fabfab/datasearch/config"
	"github.com/fabfab/datasearch/retry"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrUnavailable marks transient generator failures: timeouts, rate limits
// and backend errors. The chat orchestrator turns them into a fallback answer.
var ErrUnavailable = errors.New("generator unavailable")

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

type Options struct {
	Provider    string
	Model       string
	Temperature float32
	MaxTokens   int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string
}

// NewClient builds the configured generator. Remote providers get one
// bounded retry on ErrUnavailable.
func NewClient(cfg config.Config, logger *slog.Logger) (Client, error) {
	opts := Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		GeminiAPIKey:  cfg.GeminiAPIKey,
	}

	var base Client
	switch opts.Provider {
	case config.ProviderStatic:
		return NewStaticClient(), nil
	case config.ProviderOllama:
		base = NewOllamaClient(opts)
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		base = NewOpenAIClient(opts)
	case config.ProviderGemini:
		if opts.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini provider selected but GEMINI_API_KEY not set")
		}
		client, err := NewGeminiClient(context.Background(), opts)
		if err != nil {
			return nil, err
		}
		base = client
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}

	policy := retry.Once("generate", IsUnavailable)
	policy.MaxTries = cfg.Retry.MaxTries
	policy.InitialInterval = cfg.Retry.InitialInterval
	policy.Logger = logger
	return WithRetry(base, policy), nil
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func unavailable(action string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, action, err)
}

// transientStatus reports whether an HTTP status is worth retrying.
func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
