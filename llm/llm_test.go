package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/fabfab/datasearch/config"
	"github.com/fabfab/datasearch/retry"
)

func TestNewClientDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Provider = config.ProviderOllama
	cfg.LLM.Model = "llama3.1:8b"

	client, err := NewClient(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, client)

	cfg.LLM.Provider = config.ProviderStatic
	client, err = NewClient(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &StaticClient{}, client)
}

func TestNewClientRequiresAPIKeys(t *testing.T) {
	for _, provider := range []string{config.ProviderOpenAI, config.ProviderGemini} {
		cfg := config.Default()
		cfg.LLM.Provider = provider
		cfg.OpenAIAPIKey = ""
		cfg.GeminiAPIKey = ""
		_, err := NewClient(cfg, nil)
		assert.Error(t, err, provider)
	}

	cfg := config.Default()
	cfg.LLM.Provider = "claude"
	_, err := NewClient(cfg, nil)
	assert.Error(t, err)
}

func TestOllamaGenerate(t *testing.T) {
	var got ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaChatMessage{Role: RoleAssistant, Content: "The G2G model covers river flow."},
			Done:    true,
		})
	}))
	defer server.Close()

	client := NewOllamaClient(Options{OllamaHost: server.URL, Model: "llama3.1", Temperature: 0.7, MaxTokens: 256})
	answer, err := client.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "river flow?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "The G2G model covers river flow.", answer)
	assert.Equal(t, "llama3.1", got.Model)
	assert.False(t, got.Stream)
	assert.Len(t, got.Messages, 2)
	assert.InDelta(t, 0.7, got.Options.Temperature, 1e-6)
	assert.Equal(t, 256, got.Options.NumPredict)
}

func TestOllamaErrorClassification(t *testing.T) {
	status := http.StatusServiceUnavailable
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model is loading", status)
	}))
	defer server.Close()
	client := NewOllamaClient(Options{OllamaHost: server.URL, Model: "m"})

	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	assert.ErrorIs(t, err, ErrUnavailable)

	status = http.StatusBadRequest
	_, err = client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

type flakyClient struct {
	failures int
	calls    int
}

func (f *flakyClient) Generate(context.Context, []Message) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", unavailable("generate", errors.New("rate limited"))
	}
	return "ok", nil
}

var _ Client = (*flakyClient)(nil)

func TestWithRetry(t *testing.T) {
	policy := retry.Once("generate", nil)
	policy.InitialInterval = time.Millisecond

	once := &flakyClient{failures: 1}
	answer, err := WithRetry(once, policy).Generate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", answer)
	assert.Equal(t, 2, once.calls)

	twice := &flakyClient{failures: 2}
	_, err = WithRetry(twice, policy).Generate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, twice.calls)
}

func TestStaticClientListsSources(t *testing.T) {
	prompt := "Context:\n### Source 1: Grid-to-Grid river flow model\nRelevance: 0.91\n\n### Source 2: Soil carbon\n\nQuestion: river flow?"
	answer, err := NewStaticClient().Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "system"},
		{Role: RoleUser, Content: prompt},
	})
	require.NoError(t, err)
	assert.Contains(t, answer, "- Source 1: Grid-to-Grid river flow model")
	assert.Contains(t, answer, "- Source 2: Soil carbon")

	again, err := NewStaticClient().Generate(context.Background(), []Message{{Role: RoleUser, Content: prompt}})
	require.NoError(t, err)
	assert.Equal(t, answer, again)

	empty, err := NewStaticClient().Generate(context.Background(), []Message{{Role: RoleUser, Content: "hello"}})
	require.NoError(t, err)
	assert.Contains(t, empty, "could not find")
}

func TestToGeminiContents(t *testing.T) {
	system, contents := toGeminiContents([]Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi"},
		{Role: RoleUser, Content: "more"},
	})
	require.NotNil(t, system)
	assert.Equal(t, "rules", system.Parts[0].Text)
	require.Len(t, contents, 3)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, "more", contents[2].Parts[0].Text)
}

func TestApproxCounter(t *testing.T) {
	c := ApproxCounter{}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abc"))
	assert.Equal(t, 2, c.Count("abcde"))
	assert.Equal(t, 1, c.Count("ñøå"))

	total := CountMessages(c, []Message{{Role: RoleUser, Content: "abcdefgh"}})
	assert.Equal(t, 3+3+1+2, total)
}
