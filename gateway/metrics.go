package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's counters on a private registry, so tests can
// run gateways side by side without collisions.
type Metrics struct {
	registry *prometheus.Registry

	// Payments counts payment checks by outcome: missing, rejected, success.
	Payments *prometheus.CounterVec

	// Settlements counts settle attempts by outcome: success, failure, skipped.
	Settlements *prometheus.CounterVec

	// VCache counts verification-cache lookups by result: hit, miss.
	VCache *prometheus.CounterVec

	// VCacheStale counts cache hits whose index no longer fit the
	// requirements list, a sign the config changed under a live cache.
	VCacheStale prometheus.Counter

	// RateLimitBlocked counts 429s.
	RateLimitBlocked prometheus.Counter

	// Requests counts handled requests by status class.
	Requests *prometheus.CounterVec

	// Duration observes end-to-end request latency by status class.
	Duration *prometheus.HistogramVec
}

// NewMetrics builds the counter set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Payments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tollbooth_payments_total",
			Help: "Payment checks by outcome.",
		}, []string{"outcome"}),
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tollbooth_settlements_total",
			Help: "Settlement attempts by outcome.",
		}, []string{"outcome"}),
		VCache: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tollbooth_vcache_total",
			Help: "Verification cache lookups by result.",
		}, []string{"result"}),
		VCacheStale: factory.NewCounter(prometheus.CounterOpts{
			Name: "tollbooth_vcache_stale_total",
			Help: "Cache hits with an out-of-range requirement index.",
		}),
		RateLimitBlocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "tollbooth_ratelimit_blocked_total",
			Help: "Requests blocked by the rate limiter.",
		}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tollbooth_requests_total",
			Help: "Handled requests by status class.",
		}, []string{"class"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollbooth_request_duration_seconds",
			Help:    "End-to-end request latency by status class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"class"}),
	}
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
