// Package observe provides prometheus instrumentation for the exchange hall.
package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the ledger services. All methods are
// nil-safe so wiring metrics stays optional in tests.
type Metrics struct {
	// Command outcomes by operation and result
	CommandOutcome *prometheus.CounterVec

	// Command handling latency by operation
	CommandLatency *prometheus.HistogramVec

	// Proposal settlement outcomes by resolution
	SettlementOutcome *prometheus.CounterVec

	// Notification deliveries by status
	NotifyDelivery *prometheus.CounterVec

	// Pending notifications observed by the dispatcher each pass
	NotifyBacklog prometheus.Gauge
}

// New creates a Metrics instance registered on the default registry.
func New() *Metrics {
	return &Metrics{
		CommandOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "exchangehall_command_outcomes_total",
			Help: "Total command outcomes by operation and result",
		}, []string{"operation", "result"}),

		CommandLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exchangehall_command_duration_seconds",
			Help:    "Duration of command handling by operation",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),

		SettlementOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "exchangehall_settlements_total",
			Help: "Total proposal settlements by resolution",
		}, []string{"resolution"}), // resolution: "accepted", "declined", "disputed"

		NotifyDelivery: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "exchangehall_notifications_total",
			Help: "Total notification delivery attempts by status",
		}, []string{"status"}),

		NotifyBacklog: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "exchangehall_notification_backlog",
			Help: "Pending notifications observed by the dispatcher",
		}),
	}
}

// IncrementCommand records one command outcome.
func (m *Metrics) IncrementCommand(operation, result string) {
	if m != nil {
		m.CommandOutcome.WithLabelValues(operation, result).Inc()
	}
}

// ObserveCommandLatency records the duration of one command.
func (m *Metrics) ObserveCommandLatency(operation string, d time.Duration) {
	if m != nil {
		m.CommandLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}

// IncrementSettlement records one proposal settlement.
func (m *Metrics) IncrementSettlement(resolution string) {
	if m != nil {
		m.SettlementOutcome.WithLabelValues(resolution).Inc()
	}
}

// IncrementNotify records one delivery attempt outcome.
func (m *Metrics) IncrementNotify(status string) {
	if m != nil {
		m.NotifyDelivery.WithLabelValues(status).Inc()
	}
}

// SetNotifyBacklog records the pending notification count.
func (m *Metrics) SetNotifyBacklog(n int) {
	if m != nil {
		m.NotifyBacklog.Set(float64(n))
	}
}
