// Package metrics holds the shared Prometheus collectors. Every service
// serves them on its own /metrics endpoint; the "service" label keeps one
// namespace across all binaries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chalk"

var (
	// httpRequests counts handled requests by service, route and status class.
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests handled",
	}, []string{"service", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"service", "route"})

	documentUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingestion",
		Name:      "uploads_total",
		Help:      "Document uploads by outcome",
	}, []string{"outcome"})

	activeExtractions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ingestion",
		Name:      "active_extractions",
		Help:      "Extraction jobs currently running",
	})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Jobs waiting to be claimed",
	}, []string{"queue"})

	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published by topic",
	}, []string{"topic"})

	eventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "consumed_total",
		Help:      "Events consumed by topic and consumer group",
	}, []string{"topic", "group"})

	generatorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "generator",
		Name:      "calls_total",
		Help:      "External generator calls by artifact and outcome",
	}, []string{"artifact", "outcome"})

	generatorRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "generator",
		Name:      "retries_total",
		Help:      "Generator attempts beyond the first",
	}, []string{"artifact"})

	wsConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_connections",
		Help:      "Open websocket connections",
	}, []string{"service"})
)

// Handler serves the default registry; mount it at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one handled request.
func ObserveHTTP(service, route, status string, seconds float64) {
	httpRequests.WithLabelValues(service, route, status).Inc()
	httpDuration.WithLabelValues(service, route).Observe(seconds)
}

// RecordUpload tallies an upload attempt; outcome is accepted, rejected
// or backpressure.
func RecordUpload(outcome string) {
	documentUploads.WithLabelValues(outcome).Inc()
}

// ExtractionStarted and ExtractionFinished bracket one extraction job.
func ExtractionStarted()  { activeExtractions.Inc() }
func ExtractionFinished() { activeExtractions.Dec() }

// SetQueueDepth reports the current backlog of a named queue.
func SetQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordEventPublished tallies one published event.
func RecordEventPublished(topic string) {
	eventsPublished.WithLabelValues(topic).Inc()
}

// RecordEventConsumed tallies one consumed event.
func RecordEventConsumed(topic, group string) {
	eventsConsumed.WithLabelValues(topic, group).Inc()
}

// RecordGeneratorCall tallies a finished generator call; outcome is
// success or error.
func RecordGeneratorCall(artifact, outcome string) {
	generatorCalls.WithLabelValues(artifact, outcome).Inc()
}

// RecordGeneratorRetry tallies one retried attempt.
func RecordGeneratorRetry(artifact string) {
	generatorRetries.WithLabelValues(artifact).Inc()
}

// WSOpened and WSClosed bracket one websocket connection.
func WSOpened(service string) { wsConnections.WithLabelValues(service).Inc() }
func WSClosed(service string) { wsConnections.WithLabelValues(service).Dec() }
