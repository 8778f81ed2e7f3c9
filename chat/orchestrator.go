package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fabfab/datasearch/conversation"
	"github.com/fabfab/datasearch/knowledge"
	"github.com/fabfab/datasearch/llm"
	"github.com/fabfab/datasearch/telemetry"
	"github.com/fabfab/datasearch/vectorindex"
)

// DefaultSourceLimit caps retrieval when a caller passes no limit.
const DefaultSourceLimit = 5

var tracer = otel.Tracer("github.com/fabfab/datasearch/chat")

type OrchestratorOptions struct {
	Prompt          PromptOptions
	GenerateTimeout time.Duration
	// Provider labels generator failures in metrics.
	Provider string

	// Insights and TokenCounter are optional.
	Insights     Insights
	TokenCounter llm.TokenCounter
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger
}

// Orchestrator runs one RAG turn: retrieve, build a bounded prompt, generate
// and record both turns. Turns of one conversation are processed one request
// at a time, in lock acquisition order.
type Orchestrator struct {
	retriever Retriever
	store     conversation.Store
	generator llm.Client
	prompt    promptBuilder
	opts      OrchestratorOptions
	locks     *conversation.KeyedMutex
	logger    *slog.Logger
	now       func() time.Time
}

func NewOrchestrator(retriever Retriever, store conversation.Store, generator llm.Client, opts OrchestratorOptions) (*Orchestrator, error) {
	if retriever == nil {
		return nil, fmt.Errorf("orchestrator needs a retriever")
	}
	if store == nil {
		return nil, fmt.Errorf("orchestrator needs a conversation store")
	}
	if generator == nil {
		return nil, fmt.Errorf("orchestrator needs a generator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		retriever: retriever,
		store:     store,
		generator: generator,
		prompt:    promptBuilder{opts: opts.Prompt, counter: opts.TokenCounter},
		opts:      opts,
		locks:     conversation.NewKeyedMutex(),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Answer answers message within conversationID, creating a conversation when
// the id is empty or unknown. A failing generator yields a fallback listing of
// the retrieved sources, never an error.
func (o *Orchestrator) Answer(ctx context.Context, message, conversationID string, sourceLimit int) (answer Answer, err error) {
	start := o.now()
	message = strings.TrimSpace(message)
	if message == "" {
		return Answer{}, ErrEmptyMessage
	}
	if sourceLimit <= 0 {
		sourceLimit = DefaultSourceLimit
	}

	ctx, span := tracer.Start(ctx, "chat.Answer", trace.WithAttributes(attribute.Int("source_limit", sourceLimit)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("mode", answer.Mode), attribute.Int("sources", len(answer.Sources)))
		}
		span.End()
	}()

	conv, err := o.store.GetOrCreate(ctx, conversationID)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: resolve conversation: %w", ErrConversationState, err)
	}
	span.SetAttributes(attribute.String("conversation_id", conv.ID))

	unlock := o.locks.Lock(conv.ID)
	defer unlock()

	history, err := o.store.History(ctx, conv.ID, o.opts.Prompt.MaxHistoryTurns)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: load history: %w", ErrConversationState, err)
	}

	candidates, err := o.retriever.Retrieve(ctx, message, sourceLimit, nil)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %w", ErrRetrievalUnavailable, err)
	}

	insights := o.insights(ctx, candidates)
	messages, included := o.prompt.build(history, candidates, insights, message)
	o.logger.Debug("prompt assembled",
		"conversation_id", conv.ID,
		"candidates", len(candidates),
		"included", included,
		"history_turns", len(history),
	)

	text, mode := o.generate(ctx, messages, candidates)
	if ctx.Err() != nil {
		return Answer{}, ctx.Err()
	}

	now := o.now()
	err = o.store.AppendTurn(ctx, conv.ID,
		conversation.Turn{Role: conversation.RoleUser, Text: message, Timestamp: now},
		conversation.Turn{Role: conversation.RoleAssistant, Text: text, Timestamp: now, CitedSources: candidates},
	)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: append turns: %w", ErrConversationState, err)
	}

	answer = Answer{
		Text:           text,
		Sources:        candidates,
		ConversationID: conv.ID,
		Latency:        o.now().Sub(start),
		Mode:           mode,
		Fallback:       mode == ModeFallback,
		Insights:       insights,
	}
	o.opts.Metrics.ObserveAnswer(mode, answer.Latency)
	return answer, nil
}

func (o *Orchestrator) generate(ctx context.Context, messages []llm.Message, candidates []vectorindex.Candidate) (string, string) {
	ctx, span := tracer.Start(ctx, "chat.Generate")
	defer span.End()

	if o.opts.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.GenerateTimeout)
		defer cancel()
	}

	text, err := o.generator.Generate(ctx, messages)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("generator returned an empty answer")
	}
	if err != nil {
		span.RecordError(err)
		o.logger.Warn("generator failed, answering with retrieved sources", "error", err, "provider", o.opts.Provider)
		o.opts.Metrics.GeneratorFailed(o.opts.Provider)
		return fallbackAnswer(candidates), ModeFallback
	}
	return strings.TrimSpace(text), ModeGenerated
}

func (o *Orchestrator) insights(ctx context.Context, candidates []vectorindex.Candidate) map[string]knowledge.DatasetInsight {
	if o.opts.Insights == nil {
		return nil
	}
	ids := datasetIDs(candidates)
	if len(ids) == 0 {
		return nil
	}
	insights, err := o.opts.Insights.DatasetInsights(ctx, ids)
	if err != nil {
		o.logger.Warn("graph insights unavailable", "error", err)
		return nil
	}
	return insights
}

func datasetIDs(candidates []vectorindex.Candidate) []string {
	seen := make(map[string]struct{}, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.SourceType != vectorindex.SourceDataset || c.Payload.DatasetID == "" {
			continue
		}
		if _, ok := seen[c.Payload.DatasetID]; ok {
			continue
		}
		seen[c.Payload.DatasetID] = struct{}{}
		ids = append(ids, c.Payload.DatasetID)
	}
	return ids
}
