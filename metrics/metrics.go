// Package metrics defines the Prometheus collectors for the credit engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	Operations     *prometheus.CounterVec
	OperationTime  *prometheus.HistogramVec
	CreditsGranted *prometheus.CounterVec
	CreditsSpent   prometheus.Counter
	BalanceDrift   prometheus.Counter
	Errors         *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credit_operations_total",
				Help:      "Total credit operations by operation and outcome.",
			}, []string{"op", "status"}),
			OperationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "credit_operation_duration_seconds",
				Help:      "Latency distribution for credit operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			CreditsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_granted_total",
				Help:      "Total credits granted by transaction type.",
			}, []string{"type"}),
			CreditsSpent: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_spent_total",
				Help:      "Total credits spent by users.",
			}),
			BalanceDrift: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_drift_repairs_total",
				Help:      "Cached balances that disagreed with the ledger and were repaired.",
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by error code.",
			}, []string{"code"}),
		}

		prometheus.MustRegister(
			metricsInstance.Operations,
			metricsInstance.OperationTime,
			metricsInstance.CreditsGranted,
			metricsInstance.CreditsSpent,
			metricsInstance.BalanceDrift,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
