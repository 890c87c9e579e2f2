// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "missions"

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Storage operation metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec

	// Request schema validation metrics
	SchemaValidationTotal *prometheus.CounterVec

	// Domain metrics
	ModerationVerdictTotal *prometheus.CounterVec // by suggestion
	RateLimitDecisionTotal *prometheus.CounterVec // by limiter and outcome
	BurnActionTotal        *prometheus.CounterVec // by action and outcome
	DispatchTotal          *prometheus.CounterVec // by action and outcome
	BalanceLookupDuration  *prometheus.HistogramVec
	ModerationQueueDepth   prometheus.Gauge
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, creating and registering it on
// first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Total number of storage operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Storage operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_total",
			Help:      "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_validation_total",
			Help:      "Total number of request schema validations",
		}, []string{"schema", "status"}),

		ModerationVerdictTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moderation_verdicts_total",
			Help:      "Moderation verdicts by suggestion",
		}, []string{"suggestion"}),

		RateLimitDecisionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limiter decisions",
		}, []string{"limiter", "outcome"}),

		BurnActionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "burn_actions_total",
			Help:      "Burn action requests by outcome",
		}, []string{"action", "outcome"}),

		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Action dispatch attempts by outcome",
		}, []string{"action", "outcome"}),

		BalanceLookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "balance_lookup_duration_seconds",
			Help:      "Token balance oracle latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"status"}),

		ModerationQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "moderation_queue_depth",
			Help:      "Submissions waiting for moderation",
		}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	for _, c := range []prometheus.Collector{
		m.HTTPRequestTotal,
		m.HTTPRequestDuration,
		m.StorageOperationTotal,
		m.StorageOperationDuration,
		m.EventPublishTotal,
		m.SchemaValidationTotal,
		m.ModerationVerdictTotal,
		m.RateLimitDecisionTotal,
		m.BurnActionTotal,
		m.DispatchTotal,
		m.BalanceLookupDuration,
		m.ModerationQueueDepth,
	} {
		registerOrGet(c)
	}
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveStorage records one storage call started at start.
func (m *Metrics) ObserveStorage(operation string, start time.Time, err error) {
	s := status(err)
	m.StorageOperationTotal.WithLabelValues(operation, s).Inc()
	m.StorageOperationDuration.WithLabelValues(operation, s).Observe(time.Since(start).Seconds())
}

// ObserveEvent records one event publish.
func (m *Metrics) ObserveEvent(eventType string, err error) {
	m.EventPublishTotal.WithLabelValues(eventType, status(err)).Inc()
}

// ObserveBalanceLookup records one oracle call started at start.
func (m *Metrics) ObserveBalanceLookup(start time.Time, err error) {
	m.BalanceLookupDuration.WithLabelValues(status(err)).Observe(time.Since(start).Seconds())
}

// ObserveRateLimit records a limiter decision.
func (m *Metrics) ObserveRateLimit(limiter string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.RateLimitDecisionTotal.WithLabelValues(limiter, outcome).Inc()
}
