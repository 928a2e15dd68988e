// Package observability bundles the prometheus registries and event bridges
// shared by the node, RPC surface and report tooling.
package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	journalMetricsOnce sync.Once
	journalRegistry    *journalMetrics

	reconcilerMetricsOnce sync.Once
	reconcilerRegistry    *reconcilerMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record
// JSON-RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendex",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendex",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendex",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendex",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
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

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
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

type journalMetrics struct {
	appends  prometheus.Counter
	failures prometheus.Counter
	head     prometheus.Gauge
}

// Journal returns the registry tracking event journal persistence health.
func Journal() *journalMetrics {
	journalMetricsOnce.Do(func() {
		journalRegistry = &journalMetrics{
			appends: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lendex",
				Subsystem: "journal",
				Name:      "appends_total",
				Help:      "Count of events appended to the durable journal.",
			}),
			failures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lendex",
				Subsystem: "journal",
				Name:      "append_failures_total",
				Help:      "Count of journal append failures; entries are still streamed unsequenced.",
			}),
			head: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lendex",
				Subsystem: "journal",
				Name:      "head_sequence",
				Help:      "Sequence number of the most recently persisted journal entry.",
			}),
		}
		prometheus.MustRegister(
			journalRegistry.appends,
			journalRegistry.failures,
			journalRegistry.head,
		)
	})
	return journalRegistry
}

// RecordAppend notes a successful journal write and advances the head gauge.
func (m *journalMetrics) RecordAppend(sequence int64) {
	if m == nil {
		return
	}
	m.appends.Inc()
	if sequence >= 0 {
		m.head.Set(float64(sequence))
	}
}

// RecordAppendFailure increments the failure counter.
func (m *journalMetrics) RecordAppendFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}

type reconcilerMetrics struct {
	runs     *prometheus.CounterVec
	drift    *prometheus.GaugeVec
	duration prometheus.Histogram
}

// Reconciler returns the registry tracking report reconciliation runs.
func Reconciler() *reconcilerMetrics {
	reconcilerMetricsOnce.Do(func() {
		reconcilerRegistry = &reconcilerMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendex",
				Subsystem: "reconciler",
				Name:      "runs_total",
				Help:      "Count of reconciliation runs segmented by outcome.",
			}, []string{"outcome"}),
			drift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendex",
				Subsystem: "reconciler",
				Name:      "drift",
				Help:      "Absolute difference between market totals and summed positions.",
			}, []string{"symbol", "kind"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "lendex",
				Subsystem: "reconciler",
				Name:      "run_duration_seconds",
				Help:      "Latency distribution for reconciliation runs.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			reconcilerRegistry.runs,
			reconcilerRegistry.drift,
			reconcilerRegistry.duration,
		)
	})
	return reconcilerRegistry
}

// ObserveRun records a reconciliation attempt and its latency.
func (m *reconcilerMetrics) ObserveRun(duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.duration.Observe(duration.Seconds())
}

// RecordDrift publishes the reconciliation delta for a market. Kind is either
// "supplied" or "borrowed".
func (m *reconcilerMetrics) RecordDrift(symbol, kind string, drift *big.Int) {
	if m == nil {
		return
	}
	value := bigToFloat(drift)
	if value < 0 {
		value = -value
	}
	m.drift.WithLabelValues(labelSymbol(symbol), kind).Set(value)
}

func labelSymbol(symbol string) string {
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
