// Package metrics exposes the gateway's prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mino-hq/mino/pkg/config"
)

// Metrics bundles every collector the gateway records into.
//
// Metric families (namespace from config, default "mino"):
//   - requests_total{provider, status}
//   - request_duration_seconds{provider}
//   - tokens_total{provider, direction}
//   - upstream_retries_total{provider, reason}
//   - spike_activations_total
//   - key_pool_in_flight{pool}
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	tokensTotal      *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	spikeActivations prometheus.Counter
	keyPoolInFlight  *prometheus.GaugeVec
}

// New creates and registers all collectors on a fresh registry.
func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "requests_total",
				Help:      "Total proxied requests by provider and response status.",
			},
			[]string{"provider", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "request_duration_seconds",
				Help:      "End-to-end proxied request duration in seconds.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "tokens_total",
				Help:      "Total tokens accounted by provider and direction (input/output).",
			},
			[]string{"provider", "direction"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "upstream_retries_total",
				Help:      "Upstream attempts retried with a different key, by failure reason.",
			},
			[]string{"provider", "reason"},
		),

		spikeActivations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "spike_activations_total",
				Help:      "Times the spike guard entered spike mode.",
			},
		),

		keyPoolInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "key_pool_in_flight",
				Help:      "In-flight upstream calls per credential pool.",
			},
			[]string{"pool"},
		),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.tokensTotal,
		m.retriesTotal,
		m.spikeActivations,
		m.keyPoolInFlight,
	)

	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records a completed proxied request.
func (m *Metrics) ObserveRequest(provider, status string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(provider, status).Inc()
	m.requestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// AddTokens records accounted tokens.
func (m *Metrics) AddTokens(provider string, input, output int64) {
	if input > 0 {
		m.tokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	}
	if output > 0 {
		m.tokensTotal.WithLabelValues(provider, "output").Add(float64(output))
	}
}

// IncRetry records one retried upstream attempt.
func (m *Metrics) IncRetry(provider, reason string) {
	m.retriesTotal.WithLabelValues(provider, reason).Inc()
}

// IncSpikeActivation records one spike-mode activation.
func (m *Metrics) IncSpikeActivation() {
	m.spikeActivations.Inc()
}

// KeyInFlight adjusts the per-pool in-flight gauge by delta.
func (m *Metrics) KeyInFlight(pool string, delta int) {
	m.keyPoolInFlight.WithLabelValues(pool).Add(float64(delta))
}
