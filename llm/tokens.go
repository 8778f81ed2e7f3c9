package llm

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter measures prompt size in model tokens.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// ApproxCounter estimates four characters per token.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
	encodingErr  error
)

// NewTokenCounter returns a cl100k_base counter. The BPE ranks are fetched
// on first use; when that fails the approximate counter is returned instead.
func NewTokenCounter(logger *slog.Logger) TokenCounter {
	if logger == nil {
		logger = slog.Default()
	}
	encodingOnce.Do(func() {
		encoding, encodingErr = tiktoken.GetEncoding("cl100k_base")
	})
	if encodingErr != nil {
		logger.Warn("tiktoken encoding unavailable, estimating tokens from characters", "error", encodingErr)
		return ApproxCounter{}
	}
	return &tiktokenCounter{encoding: encoding}
}

// CountMessages adds the per-message framing overhead of chat models.
func CountMessages(counter TokenCounter, messages []Message) int {
	total := 3
	for _, msg := range messages {
		total += 3 + counter.Count(msg.Role) + counter.Count(msg.Content)
	}
	return total
}
