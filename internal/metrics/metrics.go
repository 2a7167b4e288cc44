package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lifecycle engine
	LifecycleOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_lifecycle_operations_total",
			Help: "Lifecycle operations by operation and result",
		},
		[]string{"op", "result"}, // result: ok, invalid_state, not_found, error
	)

	PanelSyncFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_panel_sync_failures_total",
			Help: "Tolerated panel call failures by operation and error kind",
		},
		[]string{"op", "kind"},
	)

	SagaCompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_saga_compensations_total",
			Help: "Saga compensation attempts by step and result",
		},
		[]string{"step", "result"},
	)

	// Workers
	SweepOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_sweep_outcomes_total",
			Help: "Expiry sweep results per subscription",
		},
		[]string{"outcome"}, // expired, renewed, unfrozen, failed
	)

	ReconcileDriftTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_reconcile_drift_total",
			Help: "Drift found by the reconciler by kind and whether it was corrected",
		},
		[]string{"kind", "corrected"},
	)
)

func RecordOperation(op, result string) {
	LifecycleOperationsTotal.WithLabelValues(op, result).Inc()
}

func RecordPanelFailure(op, kind string) {
	PanelSyncFailuresTotal.WithLabelValues(op, kind).Inc()
}

func RecordCompensation(step string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	SagaCompensationsTotal.WithLabelValues(step, result).Inc()
}

func RecordSweep(outcome string) {
	SweepOutcomesTotal.WithLabelValues(outcome).Inc()
}

func RecordDrift(kind string, corrected bool) {
	c := "false"
	if corrected {
		c = "true"
	}
	ReconcileDriftTotal.WithLabelValues(kind, c).Inc()
}
