package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileOrphanedApprovals = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ekklesia",
		Subsystem: "reconciliation",
		Name:      "orphaned_approvals",
		Help:      "Approved payments without a subscription in the last reconciliation run.",
	})

	reconcileOverdueActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ekklesia",
		Subsystem: "reconciliation",
		Name:      "overdue_active",
		Help:      "Active subscriptions past expiry beyond tolerance in the last reconciliation run.",
	})

	reconcileActiveSuperseded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ekklesia",
		Subsystem: "reconciliation",
		Name:      "active_superseded",
		Help:      "Superseded subscriptions still active in the last reconciliation run.",
	})

	reconcileUnlinked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ekklesia",
		Subsystem: "reconciliation",
		Name:      "unlinked_subscriptions",
		Help:      "Current subscriptions not referenced by their holder in the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ekklesia",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ekklesia",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileOrphanedApprovals,
		reconcileOverdueActive,
		reconcileActiveSuperseded,
		reconcileUnlinked,
		reconcileDuration,
		reconcileErrors,
	)
}
