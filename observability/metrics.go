package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the escrow services.
const Namespace = "arcesc"

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	coordinatorMetricsOnce sync.Once
	coordinatorRegistry    *CoordinatorMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity per module.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and route.",
			}, []string{"module", "route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route, and status code.",
			}, []string{"module", "route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// LedgerMetrics tracks calls applied by the local ledger.
type LedgerMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	height  prometheus.Gauge
}

// Ledger exposes the metrics registry for the ledger.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ledger",
				Name:      "calls_total",
				Help:      "Ledger calls segmented by method and outcome (committed, rejected, failed).",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "ledger",
				Name:      "commit_duration_seconds",
				Help:      "Time spent executing and committing a ledger call.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "ledger",
				Name:      "height",
				Help:      "Height of the most recently committed ledger entry.",
			}),
		}
		prometheus.MustRegister(ledgerRegistry.calls, ledgerRegistry.latency, ledgerRegistry.height)
	})
	return ledgerRegistry
}

// ObserveCall records the outcome of a submitted call.
func (m *LedgerMetrics) ObserveCall(method, outcome string, d time.Duration, height uint64) {
	if m == nil {
		return
	}
	method = labelOrUnknown(method)
	m.calls.WithLabelValues(method, labelOrUnknown(outcome)).Inc()
	m.latency.WithLabelValues(method).Observe(d.Seconds())
	if height > 0 {
		m.height.Set(float64(height))
	}
}

// CoordinatorMetrics tracks the conditional release coordinator.
type CoordinatorMetrics struct {
	triggers        *prometheus.CounterVec
	retries         prometheus.Counter
	errors          *prometheus.CounterVec
	watches         *prometheus.GaugeVec
	finalityLatency prometheus.Histogram
}

// Coordinator exposes the metrics registry for the coordinator.
func Coordinator() *CoordinatorMetrics {
	coordinatorMetricsOnce.Do(func() {
		coordinatorRegistry = &CoordinatorMetrics{
			triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "coordinator",
				Name:      "triggers_total",
				Help:      "Release attempts segmented by outcome.",
			}, []string{"outcome"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "coordinator",
				Name:      "retries_total",
				Help:      "Release attempts scheduled for retry after a transient failure.",
			}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "coordinator",
				Name:      "errors_total",
				Help:      "Coordinator errors segmented by error code.",
			}, []string{"code"}),
			watches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "coordinator",
				Name:      "watches",
				Help:      "Escrows tracked by the coordinator segmented by watch state.",
			}, []string{"state"}),
			finalityLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "coordinator",
				Name:      "release_latency_seconds",
				Help:      "Time from submission to confirmed finality of a release.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			coordinatorRegistry.triggers,
			coordinatorRegistry.retries,
			coordinatorRegistry.errors,
			coordinatorRegistry.watches,
			coordinatorRegistry.finalityLatency,
		)
	})
	return coordinatorRegistry
}

// RecordTrigger counts a release attempt outcome.
func (m *CoordinatorMetrics) RecordTrigger(outcome string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(labelOrUnknown(outcome)).Inc()
}

// RecordRetry counts a scheduled retry.
func (m *CoordinatorMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// RecordError counts an error by its wire code.
func (m *CoordinatorMetrics) RecordError(code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(labelOrUnknown(strings.ToLower(code))).Inc()
}

// SetWatches publishes the number of escrows per watch state.
func (m *CoordinatorMetrics) SetWatches(counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.watches.WithLabelValues(labelOrUnknown(state)).Set(float64(n))
	}
}

// ObserveFinality records the submission-to-finality latency.
func (m *CoordinatorMetrics) ObserveFinality(d time.Duration) {
	if m == nil {
		return
	}
	m.finalityLatency.Observe(d.Seconds())
}

func labelOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
