// Package metrics holds the Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. Each instance carries its
// own registry so construction is repeatable.
type Metrics struct {
	registry *prometheus.Registry

	MentionsProcessed  *prometheus.CounterVec
	EvidenceAdmitted   *prometheus.CounterVec
	EvidenceDuplicates *prometheus.CounterVec
	ResolutionFailures *prometheus.CounterVec
	ActorsAutoCreated  prometheus.Counter

	RecomputeRuns     *prometheus.CounterVec
	RecomputeDuration *prometheus.HistogramVec

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	namespace := "threatcalc"

	return &Metrics{
		registry: registry,
		MentionsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mentions_processed_total",
				Help:      "Raw mentions processed by source",
			},
			[]string{"source", "status"},
		),
		EvidenceAdmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evidence_admitted_total",
				Help:      "Evidence items admitted to the ledger",
			},
			[]string{"source"},
		),
		EvidenceDuplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evidence_duplicates_total",
				Help:      "Mentions rejected as duplicates",
			},
			[]string{"source"},
		),
		ResolutionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolution_failures_total",
				Help:      "Entity resolutions that produced no confident match",
			},
			[]string{"kind", "reason"},
		),
		ActorsAutoCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actors_auto_created_total",
				Help:      "Provisional actor groups created during ingestion",
			},
		),
		RecomputeRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recompute_runs_total",
				Help:      "Score recompute runs by scope and status",
			},
			[]string{"scope", "status"},
		),
		RecomputeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "recompute_duration_seconds",
				Help:      "Score recompute duration by scope",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"scope"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// Handler returns the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
