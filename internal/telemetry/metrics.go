package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szaher/chatrelay/internal/llm"
)

const namespace = "chatrelay"

// Metrics exposes Prometheus collectors for HTTP traffic, provider calls and
// session counts. A nil *Metrics is valid and records nothing.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	completionsTotal   *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	tokensTotal        *prometheus.CounterVec
	sessionsActive     prometheus.Gauge
	sessionsEvicted    prometheus.Counter
}

// MustNewMetrics registers the relay collectors with reg. Collectors already
// registered under the same name are reused, so repeated construction against
// one registry does not panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		completionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "completions_total",
			Help:      "Provider calls by outcome category.",
		}, []string{"outcome"}),
		completionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "completion_duration_seconds",
			Help:      "Provider call latency by outcome category.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "tokens_total",
			Help:      "Tokens reported by the provider, by direction.",
		}, []string{"type"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently held in memory.",
		}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "evicted_total",
			Help:      "Sessions dropped by capacity or idle expiry.",
		}),
	}

	m.requestsTotal = register(reg, m.requestsTotal)
	m.requestDuration = register(reg, m.requestDuration)
	m.completionsTotal = register(reg, m.completionsTotal)
	m.completionDuration = register(reg, m.completionDuration)
	m.tokensTotal = register(reg, m.tokensTotal)
	m.sessionsActive = register(reg, m.sessionsActive)
	m.sessionsEvicted = register(reg, m.sessionsEvicted)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveRequest records a served HTTP request.
func (m *Metrics) ObserveRequest(route, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, statusLabel(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveCompletion records a provider call outcome and its token usage.
func (m *Metrics) ObserveCompletion(outcome string, d time.Duration, usage llm.TokenUsage) {
	if m == nil {
		return
	}
	m.completionsTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.completionDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
	if usage.InputTokens > 0 {
		m.tokensTotal.WithLabelValues("input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		m.tokensTotal.WithLabelValues("output").Add(float64(usage.OutputTokens))
	}
}

// SetActiveSessions sets the session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// IncEvicted counts one evicted session.
func (m *Metrics) IncEvicted() {
	if m == nil {
		return
	}
	m.sessionsEvicted.Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
