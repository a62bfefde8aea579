// Package metrics exports the gateway's Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	ProcedureCalls    *prometheus.CounterVec
	ProcedureDuration *prometheus.HistogramVec
	ProcedureErrors   *prometheus.CounterVec

	ProviderCalls    *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
	TokensCharged    *prometheus.CounterVec
	CostUsd          *prometheus.CounterVec

	ReservationsHeld    prometheus.Gauge
	ReservationsExpired prometheus.Counter
	LostUsageEvents     prometheus.Counter

	RateLimitRejections *prometheus.CounterVec
}

// Get returns the singleton instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.ProcedureCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Subsystem: "rpc",
			Name:      "procedure_calls_total",
			Help:      "Procedure invocations by namespace, name, protocol and outcome kind",
		},
		[]string{"namespace", "procedure", "protocol", "outcome"},
	)

	m.ProcedureDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tokengate",
			Subsystem: "rpc",
			Name:      "procedure_duration_seconds",
			Help:      "Procedure latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"namespace", "procedure"},
	)

	m.ProcedureErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Subsystem: "rpc",
			Name:      "procedure_errors_total",
			Help:      "Procedure failures by error kind",
		},
		[]string{"namespace", "procedure", "kind"},
	)

	m.ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Upstream provider calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	m.ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tokengate",
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Upstream provider call latency in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	m.TokensCharged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Subsystem: "ledger",
			Name:      "tokens_charged_total",
			Help:      "Tokens charged against balances by provider",
		},
		[]string{"provider"},
	)

	m.CostUsd = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Subsystem: "ledger",
			Name:      "cost_usd_total",
			Help:      "Accumulated upstream cost in USD by provider",
		},
		[]string{"provider"},
	)

	m.ReservationsHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tokengate",
			Subsystem: "ledger",
			Name:      "reservations_held",
			Help:      "Reservations currently holding balance",
		},
	)

	m.ReservationsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Subsystem: "ledger",
			Name:      "reservations_expired_total",
			Help:      "Reservations reclaimed by the sweeper",
		},
	)

	m.LostUsageEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Subsystem: "ledger",
			Name:      "lost_usage_total",
			Help:      "Settlement failures recorded as lost usage",
		},
	)

	m.RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Subsystem: "rpc",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the per-identity rate limiter",
		},
		[]string{"class"},
	)

	return m
}

// ObserveProcedure records one completed procedure call.
func (m *Metrics) ObserveProcedure(namespace, procedure, protocol, outcome string, d time.Duration) {
	m.ProcedureCalls.WithLabelValues(namespace, procedure, protocol, outcome).Inc()
	m.ProcedureDuration.WithLabelValues(namespace, procedure).Observe(d.Seconds())
}
