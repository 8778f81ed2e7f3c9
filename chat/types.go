package chat

import (
	"context"
	"errors"
	"time"

	"github.com/fabfab/datasearch/knowledge"
	"github.com/fabfab/datasearch/retrieval"
	"github.com/fabfab/datasearch/vectorindex"
)

var (
	// ErrRetrievalUnavailable means no context could be retrieved; there is no
	// meaningful answer without it.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	// ErrConversationState means the conversation store failed and the turn
	// history can no longer be trusted.
	ErrConversationState = errors.New("conversation state error")
	ErrEmptyMessage      = errors.New("message cannot be empty")
)

const (
	ModeGenerated = "generated"
	ModeFallback  = "fallback"
)

// Retriever is the search capability the orchestrator needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int, refs []retrieval.CollectionRef) ([]vectorindex.Candidate, error)
}

// Insights enriches dataset candidates with graph facts. Failures are logged
// and ignored.
type Insights interface {
	DatasetInsights(ctx context.Context, ids []string) (map[string]knowledge.DatasetInsight, error)
}

type Answer struct {
	Text           string
	Sources        []vectorindex.Candidate
	ConversationID string
	Latency        time.Duration
	// Mode is ModeGenerated or ModeFallback. Fallback is set for the latter:
	// the generator failed and Text lists the top sources instead.
	Mode     string
	Fallback bool
	Insights map[string]knowledge.DatasetInsight
}

type SearchResult struct {
	Query   string
	Results []vectorindex.Candidate
	Elapsed time.Duration
}
