package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/datasearch/config"
	"github.com/fabfab/datasearch/retry"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashingEmbedderIsDeterministic(t *testing.T) {
	ctx := context.Background()
	e := NewHashingEmbedder(128)

	first, err := e.Embed(ctx, "Grid-to-Grid river flow model")
	require.NoError(t, err)
	second, err := NewHashingEmbedder(128).Embed(ctx, "Grid-to-Grid river flow model")
	require.NoError(t, err)

	require.Len(t, first, 128)
	assert.Equal(t, first, second)
}

func TestHashingEmbedderBlankTextIsZeroVector(t *testing.T) {
	e := NewHashingEmbedder(32)
	for _, text := range []string{"", "   ", "the of and"} {
		vec, err := e.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Len(t, vec, 32)
		assert.True(t, IsZero(vec), "%q", text)
	}
}

func TestHashingEmbedderKeepsFollowUpWords(t *testing.T) {
	e := NewHashingEmbedder(64)
	for _, text := range []string{"tell me more", "what about it", "any others?", "which one"} {
		vec, err := e.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.False(t, IsZero(vec), "%q", text)
	}
}

func TestHashingEmbedderSimilarity(t *testing.T) {
	ctx := context.Background()
	e := NewHashingEmbedder(384)

	vectors, err := e.EmbedBatch(ctx, []string{
		"river flow",
		"Grid-to-Grid river flow model for Great Britain",
		"Soil carbon stocks in upland peat",
	})
	require.NoError(t, err)

	related := cosine(vectors[0], vectors[1])
	unrelated := cosine(vectors[0], vectors[2])
	assert.Greater(t, related, 0.4)
	assert.Greater(t, related, unrelated)
	assert.InDelta(t, 1.0, cosine(vectors[1], vectors[1]), 1e-6)
}

func newOllamaServer(t *testing.T, dim int, status *atomic.Int32, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if code := status.Load(); code != 0 {
			w.WriteHeader(int(code))
			_, _ = w.Write([]byte(`{"error":"model not loaded"}`))
			return
		}
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vec := make([]float64, dim)
		vec[len(req.Prompt)%dim] = 1
		_ = json.NewEncoder(w).Encode(ollamaResponse{Embedding: vec})
	}))
}

func TestOllamaEmbedderSkipsBlankTexts(t *testing.T) {
	var status, calls atomic.Int32
	srv := newOllamaServer(t, 8, &status, &calls)
	defer srv.Close()

	e := NewOllamaEmbedder(Options{OllamaHost: srv.URL, Model: "nomic-embed-text", Dimension: 8})
	vectors, err := e.EmbedBatch(context.Background(), []string{"abc", "", "abcd"})
	require.NoError(t, err)

	require.Len(t, vectors, 3)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, float32(1), vectors[0][3])
	assert.True(t, IsZero(vectors[1]))
	assert.Equal(t, float32(1), vectors[2][4])
}

func TestOllamaEmbedderFailureIsUnavailable(t *testing.T) {
	var status, calls atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := newOllamaServer(t, 8, &status, &calls)
	defer srv.Close()

	e := NewOllamaEmbedder(Options{OllamaHost: srv.URL, Dimension: 8})
	_, err := e.Embed(context.Background(), "river")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestOllamaEmbedderDimensionMismatch(t *testing.T) {
	var status, calls atomic.Int32
	srv := newOllamaServer(t, 4, &status, &calls)
	defer srv.Close()

	e := NewOllamaEmbedder(Options{OllamaHost: srv.URL, Dimension: 8})
	_, err := e.Embed(context.Background(), "river")
	require.Error(t, err)
	assert.False(t, IsUnavailable(err))
}

type flakyEmbedder struct {
	failures int
	calls    int
	err      error
}

func (f *flakyEmbedder) Dimension() int { return 2 }

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (f *flakyEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

var _ Embedder = (*flakyEmbedder)(nil)

func fastPolicy() retry.Policy {
	p := retry.Once("embed", IsUnavailable)
	p.InitialInterval = time.Millisecond
	return p
}

func TestWithRetryRecoversFromOneTransientFailure(t *testing.T) {
	flaky := &flakyEmbedder{failures: 1, err: unavailable("call backend", errors.New("connection reset"))}
	e := WithRetry(flaky, fastPolicy())

	vec, err := e.Embed(context.Background(), "river")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
	assert.Equal(t, 2, flaky.calls)
}

func TestWithRetryGivesUpAfterOneRetry(t *testing.T) {
	flaky := &flakyEmbedder{failures: 5, err: unavailable("call backend", errors.New("quota"))}
	e := WithRetry(flaky, fastPolicy())

	_, err := e.EmbedBatch(context.Background(), []string{"river"})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, flaky.calls)
}

func TestWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	flaky := &flakyEmbedder{failures: 5, err: errors.New("dimension mismatch")}
	e := WithRetry(flaky, fastPolicy())

	_, err := e.Embed(context.Background(), "river")
	require.Error(t, err)
	assert.Equal(t, 1, flaky.calls)
}

func TestNewEmbedder(t *testing.T) {
	cfg := config.Default()

	e, err := NewEmbedder(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 384, e.Dimension())

	cfg.Embeddings.Provider = config.ProviderOpenAI
	cfg.OpenAIAPIKey = ""
	_, err = NewEmbedder(cfg, nil)
	assert.Error(t, err)

	cfg.Embeddings.Provider = "word2vec"
	_, err = NewEmbedder(cfg, nil)
	assert.Error(t, err)
}
