package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// InventoryMetrics records stock consumption outcomes. A nil receiver is a no-op.
type InventoryMetrics struct {
	consumptions *prometheus.CounterVec
	quantity     prometheus.Counter
	lotsTouched  prometheus.Histogram
	anomalies    *prometheus.CounterVec
	retries      *prometheus.CounterVec
}

// NewInventoryMetrics registers inventory collectors on registerer.
func NewInventoryMetrics(registerer prometheus.Registerer) *InventoryMetrics {
	m := &InventoryMetrics{
		consumptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_consumptions_total",
			Help: "Stock consumptions by outcome.",
		}, []string{"outcome"}),
		quantity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lotledger_consumed_quantity_total",
			Help: "Quantity withdrawn by successful consumptions.",
		}),
		lotsTouched: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lotledger_consumption_lots",
			Help:    "Lots debited per successful consumption.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_aggregate_anomalies_total",
			Help: "Aggregate rows found missing or out of step with lots.",
		}, []string{"kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_conflict_retries_total",
			Help: "Optimistic conflicts that triggered a retry.",
		}, []string{"operation"}),
	}
	registerer.MustRegister(m.consumptions, m.quantity, m.lotsTouched, m.anomalies, m.retries)
	return m
}

// ObserveConsumption counts one engine call.
func (m *InventoryMetrics) ObserveConsumption(outcome string, qty decimal.Decimal, lots int) {
	if m == nil {
		return
	}
	m.consumptions.WithLabelValues(outcome).Inc()
	if outcome != "success" {
		return
	}
	f, _ := qty.Float64()
	m.quantity.Add(f)
	m.lotsTouched.Observe(float64(lots))
}

// ObserveAggregateAnomaly counts a missing, negative or mismatched aggregate.
func (m *InventoryMetrics) ObserveAggregateAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

// ObserveRetry counts a retried attempt of operation.
func (m *InventoryMetrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}
