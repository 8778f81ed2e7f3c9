package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fabfab/datasearch/conversation"
)

const DefaultSearchLimit = 10

// Service is the surface the HTTP API and the CLI talk to.
type Service struct {
	orchestrator *Orchestrator
	retriever    Retriever
	store        conversation.Store
	logger       *slog.Logger
}

func NewService(orchestrator *Orchestrator, retriever Retriever, store conversation.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		orchestrator: orchestrator,
		retriever:    retriever,
		store:        store,
		logger:       logger,
	}
}

// Search runs retrieval only. It never touches conversation state.
func (s *Service) Search(ctx context.Context, query string, limit int) (SearchResult, error) {
	start := time.Now()
	query = strings.TrimSpace(query)
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	results, err := s.retriever.Retrieve(ctx, query, limit, nil)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search %q: %w", query, err)
	}
	return SearchResult{Query: query, Results: results, Elapsed: time.Since(start)}, nil
}

func (s *Service) Chat(ctx context.Context, message, conversationID string, sourceLimit int) (Answer, error) {
	return s.orchestrator.Answer(ctx, message, conversationID, sourceLimit)
}

func (s *Service) ListConversations(ctx context.Context) ([]conversation.Summary, error) {
	summaries, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %w", ErrConversationState, err)
	}
	return summaries, nil
}

// Conversation returns the full turn history of id.
func (s *Service) Conversation(ctx context.Context, id string) (conversation.Conversation, error) {
	conv, err := s.store.Get(ctx, id)
	if errors.Is(err, conversation.ErrNotFound) {
		return conversation.Conversation{}, err
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("%w: get conversation: %w", ErrConversationState, err)
	}
	return conv, nil
}

// ClearConversation drops the turns of id. Unknown ids are not an error.
func (s *Service) ClearConversation(ctx context.Context, id string) error {
	return s.idempotent("clear", id, s.store.Clear(ctx, id))
}

// DeleteConversation removes id for good. Deleting twice succeeds.
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	return s.idempotent("delete", id, s.store.Delete(ctx, id))
}

func (s *Service) idempotent(action, id string, err error) error {
	if errors.Is(err, conversation.ErrNotFound) {
		s.logger.Debug("conversation already gone", "action", action, "conversation_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %s conversation: %w", ErrConversationState, action, err)
	}
	return nil
}
