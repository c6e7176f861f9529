package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the stage registry and verification ledger.
type Metrics struct {
	// Ledger and registry operations by op and outcome ("ok" or an error code)
	Operations *prometheus.CounterVec

	// Verification status transitions by entity type and resulting status
	StatusTransitions *prometheus.CounterVec

	OperationLatency *prometheus.HistogramVec
}

// New registers the metrics on reg. Pass a fresh prometheus.NewRegistry() per
// process (or per test) to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relocation_operations_total",
			Help: "Total stage registry and verification ledger operations by outcome",
		}, []string{"op", "entity_type", "outcome"}),

		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relocation_verification_status_total",
			Help: "Verification records reaching a status, by entity type",
		}, []string{"entity_type", "status"}),

		OperationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relocation_operation_duration_seconds",
			Help:    "Duration of engine operations including the database transaction",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
	}
}

// ObserveOperation records one finished operation.
func (m *Metrics) ObserveOperation(op, entityType, outcome string, d time.Duration) {
	if m != nil {
		m.Operations.WithLabelValues(op, entityType, outcome).Inc()
		m.OperationLatency.WithLabelValues(op).Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementStatus(entityType, status string) {
	if m != nil {
		m.StatusTransitions.WithLabelValues(entityType, status).Inc()
	}
}
