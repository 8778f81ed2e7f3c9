// Package telemetry holds the process metrics registry and the tracer
// provider setup.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "datasearch"

// Metrics is safe to use as a nil pointer: every method is a no-op then, so
// components can take an optional *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	answers          *prometheus.CounterVec
	answerDuration   prometheus.Histogram
	retrievals       *prometheus.CounterVec
	retrievalLatency prometheus.Histogram
	generatorErrors  *prometheus.CounterVec
	ingested         *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Chat answers by mode (generated or fallback).",
		}, []string{"mode"}),
		answerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_duration_seconds",
			Help:      "End-to-end chat answer latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrievals_total",
			Help:      "Retrieval calls by outcome.",
		}, []string{"outcome"}),
		retrievalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Query embedding plus collection search latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		generatorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generator_failures_total",
			Help:      "Generator calls that failed and fell back to a source listing.",
		}, []string{"provider"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_records_total",
			Help:      "Records written to the vector index by source type.",
		}, []string{"source_type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.answers,
		m.answerDuration,
		m.retrievals,
		m.retrievalLatency,
		m.generatorErrors,
		m.ingested,
		m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveAnswer(mode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.answers.WithLabelValues(mode).Inc()
	m.answerDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetrieval(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.retrievals.WithLabelValues(outcome).Inc()
	m.retrievalLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) GeneratorFailed(provider string) {
	if m == nil {
		return
	}
	m.generatorErrors.WithLabelValues(provider).Inc()
}

func (m *Metrics) Ingested(sourceType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ingested.WithLabelValues(sourceType).Add(float64(n))
}

func (m *Metrics) ObserveHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
