package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAnswer("generated", time.Second)
		m.ObserveRetrieval(time.Millisecond, errors.New("down"))
		m.GeneratorFailed("ollama")
		m.Ingested("dataset", 3)
		m.ObserveHTTP("/api/chat", http.StatusOK)
	})
	assert.Nil(t, m.Registry())
}

func TestMetricsCount(t *testing.T) {
	m := NewMetrics()
	m.ObserveAnswer("fallback", 20*time.Millisecond)
	m.ObserveAnswer("fallback", 30*time.Millisecond)
	m.ObserveAnswer("generated", time.Second)
	m.ObserveRetrieval(time.Millisecond, nil)
	m.ObserveRetrieval(time.Millisecond, errors.New("down"))
	m.Ingested("document_chunk", 12)
	m.Ingested("document_chunk", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.answers.WithLabelValues("fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.answers.WithLabelValues("generated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retrievals.WithLabelValues("error")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.ingested.WithLabelValues("document_chunk")))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.GeneratorFailed("gemini")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `datasearch_generator_failures_total{provider="gemini"} 1`)
}

func TestInitTracingWritesSpans(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	var buf bytes.Buffer
	shutdown, err := InitTracing(true, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "probe")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"probe"`)
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(false, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
