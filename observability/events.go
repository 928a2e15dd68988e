package observability

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"lendex/core/events"
	"lendex/storage/journal"
)

type eventMetrics struct {
	operations    *prometheus.CounterVec
	liquidations  *prometheus.CounterVec
	interest      *prometheus.CounterVec
	totalSupplied *prometheus.GaugeVec
	totalBorrowed *prometheus.GaugeVec
	utilization   *prometheus.GaugeVec
	paused        prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking committed lending events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendex",
				Subsystem: "events",
				Name:      "operations_total",
				Help:      "Count of committed lending operations segmented by event type and market.",
			}, []string{"event", "symbol"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendex",
				Subsystem: "events",
				Name:      "liquidations_total",
				Help:      "Count of liquidations segmented by repaid and seized market.",
			}, []string{"repay_symbol", "collateral_symbol"}),
			interest: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendex",
				Subsystem: "events",
				Name:      "interest_accrued_total",
				Help:      "Cumulative interest accrued per market in native units.",
			}, []string{"symbol"}),
			totalSupplied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendex",
				Subsystem: "events",
				Name:      "market_total_supplied",
				Help:      "Liquidity supplied per market as reported by the latest event.",
			}, []string{"symbol"}),
			totalBorrowed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendex",
				Subsystem: "events",
				Name:      "market_total_borrowed",
				Help:      "Outstanding borrows per market as reported by the latest event.",
			}, []string{"symbol"}),
			utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendex",
				Subsystem: "events",
				Name:      "market_utilization",
				Help:      "Borrowed over supplied ratio per market, refreshed on accrual.",
			}, []string{"symbol"}),
			paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lendex",
				Subsystem: "events",
				Name:      "module_paused",
				Help:      "Indicates whether the lending module pause switch is engaged (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			eventRegistry.operations,
			eventRegistry.liquidations,
			eventRegistry.interest,
			eventRegistry.totalSupplied,
			eventRegistry.totalBorrowed,
			eventRegistry.utilization,
			eventRegistry.paused,
		)
	})
	return eventRegistry
}

// RecordOperation increments the operation counter for an event type.
func (m *eventMetrics) RecordOperation(event, symbol string) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.operations.WithLabelValues(event, labelSymbol(symbol)).Inc()
}

// MetricsSink feeds committed journal entries into the event registry. It is
// registered on the node next to the journal so gauges track commit order.
type MetricsSink struct {
	metrics *eventMetrics
}

// NewMetricsSink returns a sink bound to the process-wide event registry.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{metrics: Events()}
}

// OnEntry records the entry and refreshes any market gauges its attributes
// carry. Unknown event types still count toward the operation counter.
func (s *MetricsSink) OnEntry(entry journal.Entry) {
	if s == nil || s.metrics == nil {
		return
	}
	m := s.metrics
	attrs := entry.Attributes
	symbol := attrs["symbol"]
	if symbol == "" {
		symbol = attrs["repaySymbol"]
	}
	m.RecordOperation(entry.Type, symbol)

	switch entry.Type {
	case events.TypeSupply, events.TypeWithdraw:
		if supplied, ok := amountValue(attrs, "totalSupplied"); ok {
			m.totalSupplied.WithLabelValues(labelSymbol(symbol)).Set(supplied)
		}
	case events.TypeBorrow, events.TypeRepay:
		if borrowed, ok := amountValue(attrs, "totalBorrowed"); ok {
			m.totalBorrowed.WithLabelValues(labelSymbol(symbol)).Set(borrowed)
		}
	case events.TypeMarketAccrued:
		label := labelSymbol(symbol)
		if interest, ok := amountValue(attrs, "interest"); ok && interest > 0 {
			m.interest.WithLabelValues(label).Add(interest)
		}
		supplied, haveSupplied := amountValue(attrs, "totalSupplied")
		borrowed, haveBorrowed := amountValue(attrs, "totalBorrowed")
		if haveSupplied {
			m.totalSupplied.WithLabelValues(label).Set(supplied)
		}
		if haveBorrowed {
			m.totalBorrowed.WithLabelValues(label).Set(borrowed)
		}
		if haveSupplied && haveBorrowed {
			utilization := 0.0
			if supplied > 0 {
				utilization = borrowed / supplied
			}
			m.utilization.WithLabelValues(label).Set(utilization)
		}
	case events.TypeLiquidate:
		m.liquidations.WithLabelValues(
			labelSymbol(attrs["repaySymbol"]),
			labelSymbol(attrs["collateralSymbol"]),
		).Inc()
	case events.TypePauseUpdated:
		if attrs["paused"] == "true" {
			m.paused.Set(1)
		} else {
			m.paused.Set(0)
		}
	}
}

func amountValue(attrs map[string]string, key string) (float64, bool) {
	raw, ok := attrs[key]
	if !ok || raw == "" {
		return 0, false
	}
	parsed, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return 0, false
	}
	return bigToFloat(parsed), true
}
