// Package metrics exposes dialer collectors on an injected registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	dispatchTicks      *prometheus.CounterVec
	dispatchDuration   prometheus.Histogram
	callsDispatched    *prometheus.CounterVec
	placementFailures  *prometheus.CounterVec
	retries            *prometheus.CounterVec
	complianceAlerts   *prometheus.CounterVec
	dialRate           *prometheus.GaugeVec
	answerRate         *prometheus.GaugeVec
	abandonmentRate    *prometheus.GaugeVec
	activeCalls        *prometheus.GaugeVec
	httpRequestsTotal  *prometheus.CounterVec
	httpRequestLatency *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		dispatchTicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dialer_dispatch_ticks_total",
			Help: "Dispatch ticks partitioned by result reason",
		}, []string{"reason"}),
		dispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dialer_dispatch_duration_seconds",
			Help:    "Duration of one account dispatch tick",
			Buckets: prometheus.DefBuckets,
		}),
		callsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dialer_calls_dispatched_total",
			Help: "Calls accepted by the telephony provider",
		}, []string{"account_id"}),
		placementFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dialer_placement_failures_total",
			Help: "Placement failures partitioned by kind (transient, rejected)",
		}, []string{"kind"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dialer_retries_total",
			Help: "Retry decisions partitioned by result (scheduled, exhausted)",
		}, []string{"result"}),
		complianceAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dialer_compliance_alerts_total",
			Help: "Pacing evaluations that breached the abandonment ceiling",
		}, []string{"account_id"}),
		dialRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dialer_dial_rate_per_minute",
			Help: "Current pacing dial rate",
		}, []string{"account_id"}),
		answerRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dialer_answer_rate",
			Help: "Observed answer rate at the last pacing evaluation",
		}, []string{"account_id"}),
		abandonmentRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dialer_abandonment_rate",
			Help: "Observed abandonment rate at the last pacing evaluation",
		}, []string{"account_id"}),
		activeCalls: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dialer_active_calls",
			Help: "Live calls seen by the last dispatch tick",
		}, []string{"account_id"}),
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		}, []string{"method", "route", "status"}),
		httpRequestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) DispatchTick(reason string, dur time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTicks.WithLabelValues(reason).Inc()
	m.dispatchDuration.Observe(dur.Seconds())
}

func (m *Metrics) CallsDispatched(accountID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.callsDispatched.WithLabelValues(accountID).Add(float64(n))
}

func (m *Metrics) PlacementFailure(transient bool) {
	if m == nil {
		return
	}
	kind := "rejected"
	if transient {
		kind = "transient"
	}
	m.placementFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Retry(scheduled bool) {
	if m == nil {
		return
	}
	result := "exhausted"
	if scheduled {
		result = "scheduled"
	}
	m.retries.WithLabelValues(result).Inc()
}

func (m *Metrics) ComplianceAlert(accountID string) {
	if m == nil {
		return
	}
	m.complianceAlerts.WithLabelValues(accountID).Inc()
}

func (m *Metrics) Pacing(accountID string, dialRate, answerRate, abandonmentRate float64) {
	if m == nil {
		return
	}
	m.dialRate.WithLabelValues(accountID).Set(dialRate)
	m.answerRate.WithLabelValues(accountID).Set(answerRate)
	m.abandonmentRate.WithLabelValues(accountID).Set(abandonmentRate)
}

func (m *Metrics) ActiveCalls(accountID string, n int) {
	if m == nil {
		return
	}
	m.activeCalls.WithLabelValues(accountID).Set(float64(n))
}

// Middleware records request counts and latencies. Labels use the matched
// route template to keep cardinality low.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpRequestLatency.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
