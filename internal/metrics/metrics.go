package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ipwarden"

// Metrics groups the collectors of one process. All methods are safe on a nil
// receiver so components can be built without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	RequestLogFailures *prometheus.CounterVec
	GeoLookups         *prometheus.CounterVec
	GeoResolveDuration *prometheus.HistogramVec
	RateLimitDecisions *prometheus.CounterVec
	SuspiciousFlagged  *prometheus.CounterVec
	BlockedIPs         prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests seen by the interceptor, by outcome.",
		}, []string{"outcome"}),

		RequestLogFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_log_failures_total",
			Help:      "Request log writes that could not be persisted, by fallback.",
		}, []string{"fallback"}),

		GeoLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geo",
			Name:      "lookups_total",
			Help:      "Geolocation lookups, by result.",
		}, []string{"result"}),

		GeoResolveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "geo",
			Name:      "resolve_duration_seconds",
			Help:      "Duration of resolver calls made on cache misses.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"provider"}),

		RateLimitDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rate_limit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions, by rule and result.",
		}, []string{"rule", "result"}),

		SuspiciousFlagged: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "flagged_total",
			Help:      "Addresses newly flagged as suspicious, by rule.",
		}, []string{"rule"}),

		BlockedIPs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_ips",
			Help:      "Addresses in the in-memory blocklist snapshot.",
		}),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveLogFailure(fallback string) {
	if m == nil {
		return
	}
	m.RequestLogFailures.WithLabelValues(fallback).Inc()
}

func (m *Metrics) ObserveGeoLookup(result string) {
	if m == nil {
		return
	}
	m.GeoLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveGeoResolve(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.GeoResolveDuration.WithLabelValues(provider).Observe(seconds)
}

func (m *Metrics) ObserveRateLimit(rule string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.RateLimitDecisions.WithLabelValues(rule, result).Inc()
}

func (m *Metrics) ObserveFlagged(rule string) {
	if m == nil {
		return
	}
	m.SuspiciousFlagged.WithLabelValues(rule).Inc()
}

func (m *Metrics) SetBlockedIPs(n int) {
	if m == nil {
		return
	}
	m.BlockedIPs.Set(float64(n))
}
