package telemetry

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// RetrievalMetrics holds the retrieval pipeline's Prometheus series:
// scrapeable latency histograms and counters, as opposed to the
// local-only CircularBuffer telemetry in QueryMetrics above.
type RetrievalMetrics struct {
	SearchLatencyMs         *prometheus.HistogramVec
	CacheOperations         *prometheus.CounterVec
	GraphExpansionLatencyMs prometheus.Histogram
	BundleAssemblyDuration  *prometheus.HistogramVec
	CircuitState            *prometheus.GaugeVec
	BudgetExhaustionTotal   prometheus.Counter

	registry *prometheus.Registry
}

// NewRetrievalMetrics registers the retrieval metric series on a fresh
// registry, so repeated calls in tests don't collide with promauto's
// default global registry.
func NewRetrievalMetrics() *RetrievalMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &RetrievalMetrics{
		registry: reg,
		SearchLatencyMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corpusindex_search_latency_ms",
			Help:    "Latency of each hybrid retrieval phase in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"phase", "success"}),
		CacheOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "corpusindex_cache_operations_total",
			Help: "Cache fabric operations by namespace and hit/miss outcome.",
		}, []string{"namespace", "hit"}),
		GraphExpansionLatencyMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "corpusindex_graph_expansion_latency_ms",
			Help:    "Latency of graph traversal expansion in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		BundleAssemblyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corpusindex_bundle_assembly_duration_ms",
			Help:    "Latency of bundle assembly in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"from_cache"}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corpusindex_circuit_state",
			Help: "Current reliability envelope circuit state per phase (0=closed, 1=half-open, 2=open).",
		}, []string{"phase"}),
		BudgetExhaustionTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "corpusindex_budget_exhaustion_total",
			Help: "Count of bundle assemblies that exhausted their token budget.",
		}),
	}
}

// Handler exposes the registry in Prometheus text exposition format for
// the metrics() request-surface operation.
func (m *RetrievalMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Exposition renders the registry as text/plain Prometheus exposition,
// for surfaces that return the scrape body directly instead of serving
// HTTP.
func (m *RetrievalMetrics) Exposition() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("encode metric family %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}

// circuitStateValue maps a breaker state string to the gauge convention
// documented on CircuitState above.
func circuitStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// SetCircuitState records the current state of a named phase's circuit
// breaker.
func (m *RetrievalMetrics) SetCircuitState(phase, state string) {
	m.CircuitState.WithLabelValues(phase).Set(circuitStateValue(state))
}

// NewCorrelationID generates a fresh per-request correlation ID attached
// to all downstream logs and metric labels.
func NewCorrelationID() string {
	return uuid.NewString()
}
