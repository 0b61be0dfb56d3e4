package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketd/internal/exchange"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	exchangeUp           *prometheus.GaugeVec
	exchangeLatency      *prometheus.GaugeVec
	exchangeSuccessRate  *prometheus.GaugeVec
	exchangeHealthScore  *prometheus.GaugeVec
	exchangeActiveConns  *prometheus.GaugeVec
	requestsTotal        *prometheus.CounterVec
	collectorRunsTotal   *prometheus.CounterVec
	collectorErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates new Prometheus metrics on a private registry so
// multiple instances (tests included) never collide.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		exchangeUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "exchange_up",
				Help: "Whether the exchange connection is healthy (1) or not (0)",
			},
			[]string{"exchange", "status"},
		),
		exchangeLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "exchange_latency_ms",
				Help: "Smoothed request latency per exchange in milliseconds",
			},
			[]string{"exchange"},
		),
		exchangeSuccessRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "exchange_success_rate",
				Help: "Fraction of successful requests per exchange",
			},
			[]string{"exchange"},
		),
		exchangeHealthScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "exchange_health_score",
				Help: "Connection health score per exchange, 0.0 to 1.0",
			},
			[]string{"exchange"},
		),
		exchangeActiveConns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "exchange_active_connections",
				Help: "Checked-out pool connections per exchange",
			},
			[]string{"exchange"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_requests_total",
				Help: "Total exchange API requests routed by the manager",
			},
			[]string{"exchange", "method", "outcome"},
		),
		collectorRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_runs_total",
				Help: "Total market-data collection runs",
			},
			[]string{"outcome"},
		),
		collectorErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_errors_total",
				Help: "Total collection errors per exchange and symbol",
			},
			[]string{"exchange", "symbol"},
		),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.exchangeUp,
		m.exchangeLatency,
		m.exchangeSuccessRate,
		m.exchangeHealthScore,
		m.exchangeActiveConns,
		m.requestsTotal,
		m.collectorRunsTotal,
		m.collectorErrorsTotal,
	)

	return m
}

// RecordExchangeMetrics implements exchange.MetricsSink.
func (m *Metrics) RecordExchangeMetrics(exchangeID string, status exchange.Status, latencyMS, successRate, healthScore float64, activeConnections int) {
	for _, s := range []exchange.Status{
		exchange.StatusInitializing,
		exchange.StatusHealthy,
		exchange.StatusDegraded,
		exchange.StatusOffline,
		exchange.StatusMaintenance,
	} {
		value := 0.0
		if s == status {
			value = 1.0
		}
		m.exchangeUp.WithLabelValues(exchangeID, string(s)).Set(value)
	}

	m.exchangeLatency.WithLabelValues(exchangeID).Set(latencyMS)
	m.exchangeSuccessRate.WithLabelValues(exchangeID).Set(successRate)
	m.exchangeHealthScore.WithLabelValues(exchangeID).Set(healthScore)
	m.exchangeActiveConns.WithLabelValues(exchangeID).Set(float64(activeConnections))
}

// RecordRequest counts one routed request.
func (m *Metrics) RecordRequest(exchangeID string, method exchange.Method, outcome string) {
	m.requestsTotal.WithLabelValues(exchangeID, string(method), outcome).Inc()
}

// RecordCollectorRun counts one collection run.
func (m *Metrics) RecordCollectorRun(outcome string) {
	m.collectorRunsTotal.WithLabelValues(outcome).Inc()
}

// RecordCollectorError counts one failed collection call.
func (m *Metrics) RecordCollectorError(exchangeID, symbol string) {
	m.collectorErrorsTotal.WithLabelValues(exchangeID, symbol).Inc()
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsMiddleware records request counts and durations for every route.
func (m *Metrics) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}
