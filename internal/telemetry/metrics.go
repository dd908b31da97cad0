package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/omne42/ditto/internal/config"
)

// Metrics bundles every Prometheus collector the gateway registers,
// following the teacher's internal/telemetry.Metrics construction: built
// once against a prometheus.Registerer and threaded through the pipeline.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	RateLimitRejects    *prometheus.CounterVec
	BudgetRejects       *prometheus.CounterVec
	TokensProcessed     *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
	StreamAborts        prometheus.Counter

	keyCap     *capper
	modelCap   *capper
	backendCap *capper
	pathCap    *capper
}

// NewMetrics registers every collector against reg and returns the bundle.
func NewMetrics(reg prometheus.Registerer, cfg config.MetricsConfig) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ditto_requests_total",
			Help: "Total gateway requests by status, model, backend, path.",
		}, []string{"status", "model", "backend", "path"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ditto_request_duration_seconds",
			Help:    "Request latency by backend and path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "path"}),
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ditto_active_requests",
			Help: "Currently in-flight requests.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ditto_cache_hits_total",
			Help: "Proxy cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ditto_cache_misses_total",
			Help: "Proxy cache misses.",
		}),
		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ditto_rate_limit_rejects_total",
			Help: "Requests rejected by the rate limiter, by scope kind.",
		}, []string{"scope_kind", "key"}),
		BudgetRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ditto_budget_rejects_total",
			Help: "Requests rejected by the budget ledger, by scope kind.",
		}, []string{"scope_kind", "key"}),
		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ditto_tokens_processed_total",
			Help: "Tokens processed, by model and direction.",
		}, []string{"model", "direction"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ditto_circuit_breaker_open",
			Help: "1 if the backend's breaker is open, else 0.",
		}, []string{"backend"}),
		CircuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ditto_circuit_breaker_trips_total",
			Help: "Times a backend's breaker tripped open.",
		}, []string{"backend"}),
		StreamAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ditto_stream_aborted_total",
			Help: "Streaming responses aborted by client disconnect.",
		}),
		keyCap:     newCapper(cfg.MaxKeySeries),
		modelCap:   newCapper(cfg.MaxModelSeries),
		backendCap: newCapper(cfg.MaxBackendSeries),
		pathCap:    newCapper(cfg.MaxPathSeries),
	}

	for _, c := range []prometheus.Collector{
		m.RequestsTotal, m.RequestDuration, m.ActiveRequests, m.CacheHits, m.CacheMisses,
		m.RateLimitRejects, m.BudgetRejects, m.TokensProcessed, m.CircuitBreakerState,
		m.CircuitBreakerTrips, m.StreamAborts,
	} {
		reg.MustRegister(c)
	}

	return m
}

// ObserveRequest records one completed request's outcome labels, applying
// cardinality caps before touching the vector.
func (m *Metrics) ObserveRequest(status, model, backendName, path string) {
	m.RequestsTotal.WithLabelValues(
		status,
		m.modelCap.Label(model),
		m.backendCap.Label(backendName),
		m.pathCap.Label(path),
	).Inc()
}

// ObserveRateLimitReject records a rejection for a scope kind/key pair.
func (m *Metrics) ObserveRateLimitReject(scopeKind, key string) {
	m.RateLimitRejects.WithLabelValues(scopeKind, m.keyCap.Label(key)).Inc()
}

// ObserveBudgetReject records a budget rejection for a scope kind/key pair.
func (m *Metrics) ObserveBudgetReject(scopeKind, key string) {
	m.BudgetRejects.WithLabelValues(scopeKind, m.keyCap.Label(key)).Inc()
}

// ObserveTokens records tokens processed for a model in a direction
// ("input" or "output").
func (m *Metrics) ObserveTokens(model, direction string, n int64) {
	if n <= 0 {
		return
	}
	m.TokensProcessed.WithLabelValues(m.modelCap.Label(model), direction).Add(float64(n))
}

// SetBreakerOpen reflects a backend breaker's open/closed state.
func (m *Metrics) SetBreakerOpen(backendName string, open bool) {
	v := 0.0
	if open {
		v = 1.0
		m.CircuitBreakerTrips.WithLabelValues(m.backendCap.Label(backendName)).Inc()
	}
	m.CircuitBreakerState.WithLabelValues(m.backendCap.Label(backendName)).Set(v)
}
