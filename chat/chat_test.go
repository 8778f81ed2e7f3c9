package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/datasearch/conversation"
	"github.com/fabfab/datasearch/embeddings"
	"github.com/fabfab/datasearch/knowledge"
	"github.com/fabfab/datasearch/llm"
	"github.com/fabfab/datasearch/retrieval"
	"github.com/fabfab/datasearch/vectorindex"
)

type stubRetriever struct {
	mu         sync.Mutex
	candidates []vectorindex.Candidate
	err        error
	limits     []int
}

func (s *stubRetriever) Retrieve(_ context.Context, _ string, limit int, _ []retrieval.CollectionRef) ([]vectorindex.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = append(s.limits, limit)
	if s.err != nil {
		return nil, s.err
	}
	return s.candidates[:min(limit, len(s.candidates))], nil
}

var _ Retriever = (*stubRetriever)(nil)

// recordingGenerator answers with the question it was asked and keeps every
// prompt it received.
type recordingGenerator struct {
	mu      sync.Mutex
	prompts [][]llm.Message
}

func (g *recordingGenerator) Generate(_ context.Context, messages []llm.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, messages)
	last := messages[len(messages)-1].Content
	return "answer to " + last[strings.LastIndex(last, "\n\n")+2:], nil
}

type failingGenerator struct{ err error }

func (g failingGenerator) Generate(context.Context, []llm.Message) (string, error) {
	return "", g.err
}

type blockingGenerator struct{}

func (blockingGenerator) Generate(ctx context.Context, _ []llm.Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

var (
	_ llm.Client = (*recordingGenerator)(nil)
	_ llm.Client = failingGenerator{}
	_ llm.Client = blockingGenerator{}
)

type brokenStore struct {
	*conversation.MemoryStore
	err error
}

func (s brokenStore) AppendTurn(context.Context, string, ...conversation.Turn) error {
	return s.err
}

type stubInsights struct {
	insights map[string]knowledge.DatasetInsight
	err      error
	ids      []string
}

func (s *stubInsights) DatasetInsights(_ context.Context, ids []string) (map[string]knowledge.DatasetInsight, error) {
	s.ids = ids
	return s.insights, s.err
}

var _ Insights = (*stubInsights)(nil)

func riverCandidates() []vectorindex.Candidate {
	return []vectorindex.Candidate{
		datasetCandidate("ds-g2g", "Grid-to-Grid river flow model", "Modelled daily river flow for Great Britain.", 0.91),
		datasetCandidate("ds-rain", "Rainfall observations", "Hourly rain gauge records.", 0.62),
	}
}

func newOrchestrator(t *testing.T, retriever Retriever, store conversation.Store, generator llm.Client, opts OrchestratorOptions) *Orchestrator {
	t.Helper()
	if opts.Prompt.MaxHistoryTurns == 0 {
		opts.Prompt = PromptOptions{MaxHistoryTurns: 10, CandidateCharBudget: 1000, ContextCharBudget: 8000, SentenceLookback: 200}
	}
	o, err := NewOrchestrator(retriever, store, generator, opts)
	require.NoError(t, err)
	return o
}

func TestAnswerCarriesHistoryIntoNextTurn(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()
	generator := &recordingGenerator{}
	o := newOrchestrator(t, &stubRetriever{candidates: riverCandidates()}, store, generator, OrchestratorOptions{})

	first, err := o.Answer(ctx, "hello", "", 5)
	require.NoError(t, err)
	require.NotEmpty(t, first.ConversationID)
	assert.Equal(t, ModeGenerated, first.Mode)
	assert.False(t, first.Fallback)
	assert.Equal(t, "answer to hello", first.Text)
	assert.Len(t, first.Sources, 2)

	second, err := o.Answer(ctx, "tell me more", first.ConversationID, 5)
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	require.Len(t, generator.prompts, 2)
	prompt := generator.prompts[1]
	require.Len(t, prompt, 4)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "hello"}, prompt[1])
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: "answer to hello"}, prompt[2])

	conv, err := store.Get(ctx, first.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Turns, 4)
	assert.Equal(t, conversation.RoleUser, conv.Turns[2].Role)
	assert.Equal(t, "tell me more", conv.Turns[2].Text)
	assert.Equal(t, "ds-g2g", conv.Turns[3].CitedSources[0].ID)
}

func TestAnswerDefaultsSourceLimit(t *testing.T) {
	retriever := &stubRetriever{candidates: riverCandidates()}
	o := newOrchestrator(t, retriever, conversation.NewMemoryStore(), &recordingGenerator{}, OrchestratorOptions{})

	_, err := o.Answer(context.Background(), "river flow", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []int{DefaultSourceLimit}, retriever.limits)
}

func TestAnswerRejectsEmptyMessage(t *testing.T) {
	o := newOrchestrator(t, &stubRetriever{}, conversation.NewMemoryStore(), &recordingGenerator{}, OrchestratorOptions{})
	_, err := o.Answer(context.Background(), "   ", "", 5)
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestAnswerFallsBackWhenGeneratorFails(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()
	o := newOrchestrator(t, &stubRetriever{candidates: riverCandidates()}, store,
		failingGenerator{err: fmt.Errorf("%w: rate limited", llm.ErrUnavailable)}, OrchestratorOptions{Provider: "gemini"})

	answer, err := o.Answer(ctx, "river flow", "", 5)
	require.NoError(t, err)
	assert.Equal(t, ModeFallback, answer.Mode)
	assert.True(t, answer.Fallback)
	assert.True(t, strings.HasPrefix(answer.Text, fallbackHeader))
	assert.Contains(t, answer.Text, "Grid-to-Grid river flow model (score: 0.91)")
	assert.Len(t, answer.Sources, 2)

	history, err := store.History(ctx, answer.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, answer.Text, history[1].Text)
}

func TestAnswerFallsBackOnEmptyGeneration(t *testing.T) {
	o := newOrchestrator(t, &stubRetriever{}, conversation.NewMemoryStore(), failingGenerator{}, OrchestratorOptions{})

	answer, err := o.Answer(context.Background(), "anything", "", 5)
	require.NoError(t, err)
	assert.True(t, answer.Fallback)
	assert.Equal(t, fallbackEmpty, answer.Text)
}

func TestAnswerFallsBackOnGeneratorTimeout(t *testing.T) {
	o := newOrchestrator(t, &stubRetriever{candidates: riverCandidates()}, conversation.NewMemoryStore(), blockingGenerator{},
		OrchestratorOptions{GenerateTimeout: 20 * time.Millisecond})

	answer, err := o.Answer(context.Background(), "river flow", "", 5)
	require.NoError(t, err)
	assert.Equal(t, ModeFallback, answer.Mode)
	assert.GreaterOrEqual(t, answer.Latency, 20*time.Millisecond)
}

func TestAnswerRetrievalFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()
	cause := fmt.Errorf("%w: connection refused", embeddings.ErrUnavailable)
	o := newOrchestrator(t, &stubRetriever{err: fmt.Errorf("%w: embed query: %w", retrieval.ErrUnavailable, cause)}, store, &recordingGenerator{}, OrchestratorOptions{})

	_, err := o.Answer(ctx, "river flow", "", 5)
	require.ErrorIs(t, err, ErrRetrievalUnavailable)
	assert.ErrorIs(t, err, embeddings.ErrUnavailable)

	summaries, err := store.List(ctx)
	require.NoError(t, err)
	for _, s := range summaries {
		assert.Zero(t, s.TurnCount)
	}
}

func TestAnswerStoreFailureIsFatal(t *testing.T) {
	store := brokenStore{MemoryStore: conversation.NewMemoryStore(), err: errors.New("disk full")}
	o := newOrchestrator(t, &stubRetriever{candidates: riverCandidates()}, store, &recordingGenerator{}, OrchestratorOptions{})

	_, err := o.Answer(context.Background(), "river flow", "", 5)
	require.ErrorIs(t, err, ErrConversationState)
	assert.Contains(t, err.Error(), "disk full")
}

func TestAnswerUsesInsightsWhenAvailable(t *testing.T) {
	insights := &stubInsights{insights: map[string]knowledge.DatasetInsight{
		"ds-g2g": {DatasetID: "ds-g2g", DocumentCount: 3, ChunkCount: 12},
	}}
	generator := &recordingGenerator{}
	o := newOrchestrator(t, &stubRetriever{candidates: riverCandidates()}, conversation.NewMemoryStore(), generator,
		OrchestratorOptions{Insights: insights})

	answer, err := o.Answer(context.Background(), "river flow", "", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"ds-g2g", "ds-rain"}, insights.ids)
	assert.Equal(t, 12, answer.Insights["ds-g2g"].ChunkCount)
	assert.Contains(t, generator.prompts[0][1].Content, "Supporting documents: 3 (12 chunks indexed)")
}

func TestAnswerIgnoresInsightFailures(t *testing.T) {
	o := newOrchestrator(t, &stubRetriever{candidates: riverCandidates()}, conversation.NewMemoryStore(), &recordingGenerator{},
		OrchestratorOptions{Insights: &stubInsights{err: errors.New("neo4j down")}})

	answer, err := o.Answer(context.Background(), "river flow", "", 5)
	require.NoError(t, err)
	assert.Equal(t, ModeGenerated, answer.Mode)
	assert.Nil(t, answer.Insights)
}

func TestAnswerSerialisesSameConversation(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()
	o := newOrchestrator(t, &stubRetriever{candidates: riverCandidates()}, store, &recordingGenerator{}, OrchestratorOptions{})

	first, err := o.Answer(ctx, "start", "", 5)
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Answer(ctx, fmt.Sprintf("question %d", i), first.ConversationID, 5)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	conv, err := store.Get(ctx, first.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Turns, 2*(n+1))
	for i := 0; i < len(conv.Turns); i += 2 {
		user, assistant := conv.Turns[i], conv.Turns[i+1]
		assert.Equal(t, conversation.RoleUser, user.Role)
		assert.Equal(t, conversation.RoleAssistant, assistant.Role)
		assert.Equal(t, "answer to "+user.Text, assistant.Text)
	}
}

func TestServiceSearch(t *testing.T) {
	retriever := &stubRetriever{candidates: riverCandidates()}
	svc := NewService(nil, retriever, conversation.NewMemoryStore(), nil)

	result, err := svc.Search(context.Background(), "  river flow ", 0)
	require.NoError(t, err)
	assert.Equal(t, "river flow", result.Query)
	assert.Len(t, result.Results, 2)
	assert.Equal(t, []int{DefaultSearchLimit}, retriever.limits)

	retriever.err = fmt.Errorf("%w: index down", retrieval.ErrUnavailable)
	_, err = svc.Search(context.Background(), "river flow", 3)
	require.ErrorIs(t, err, retrieval.ErrUnavailable)
}

func TestServiceConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()
	retriever := &stubRetriever{candidates: riverCandidates()}
	svc := NewService(newOrchestrator(t, retriever, store, &recordingGenerator{}, OrchestratorOptions{}), retriever, store, nil)

	answer, err := svc.Chat(ctx, "hello", "", 2)
	require.NoError(t, err)

	summaries, err := svc.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].TurnCount)

	conv, err := svc.Conversation(ctx, answer.ConversationID)
	require.NoError(t, err)
	assert.Len(t, conv.Turns, 2)

	require.NoError(t, svc.ClearConversation(ctx, answer.ConversationID))
	conv, err = svc.Conversation(ctx, answer.ConversationID)
	require.NoError(t, err)
	assert.Empty(t, conv.Turns)

	require.NoError(t, svc.DeleteConversation(ctx, answer.ConversationID))
	require.NoError(t, svc.DeleteConversation(ctx, answer.ConversationID))
	require.NoError(t, svc.ClearConversation(ctx, "never-existed"))

	_, err = svc.Conversation(ctx, answer.ConversationID)
	require.ErrorIs(t, err, conversation.ErrNotFound)
}
